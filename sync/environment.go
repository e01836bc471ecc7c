package sync

import (
	"fmt"
	"log"
)

// ConfigEnvVar optionally holds a JSON object of configuration values,
// e.g. LEDGER2CRM_CONFIG='{"CRM_ACCESS_TOKEN":"..."}'. Plain env vars are
// consulted when a key is missing from it.
const ConfigEnvVar = "LEDGER2CRM_CONFIG"

// configOptions holds optional configuration for LoadConfigFromEnvironment.
type configOptions struct {
	overrides []MappingFile
	envVar    string
}

// ConfigOption is a functional option for configuring LoadConfigFromEnvironment.
type ConfigOption func(*configOptions)

// ConfigWithOverrideFile layers a mapping file over the embedded defaults.
func ConfigWithOverrideFile(file MappingFile) ConfigOption {
	return func(o *configOptions) {
		o.overrides = append(o.overrides, file)
	}
}

// ConfigWithEnvVar changes the composite env var name.
func ConfigWithEnvVar(name string) ConfigOption {
	return func(o *configOptions) {
		o.envVar = name
	}
}

func LoadConfigFromEnvironment(embeddedMappings EmbeddedMappings, opts ...ConfigOption) (Config, error) {
	options := configOptions{envVar: ConfigEnvVar}
	for _, opt := range opts {
		opt(&options)
	}

	var result Config
	defaultsMappingFile, err := embeddedMappings.MustFindDefaultsMappingFile()
	if err != nil {
		return result, fmt.Errorf("failed to read defaults mapping file %w", err)
	}

	sources := append([]MappingFile{defaultsMappingFile}, options.overrides...)
	for _, s := range options.overrides {
		log.Printf("Loading mapping overrides from %s", s.Name)
	}

	result, err = YAMLConfigUnmarshaler{}.Unmarshal(JSONCompositeEnvVar{Parent: options.envVar}, sources...)
	if err != nil {
		return result, fmt.Errorf("failed to load config %w", err)
	}
	return result, nil
}
