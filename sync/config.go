package sync

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/config"
)

type Config struct {
	Source      SourceSettings
	Destination DestinationSettings
	Sync        SyncSettings
	Notify      NotifySettings
	Cache       CacheSettings
	Server      ServerSettings
	Entities    map[EntityType]EntityConfig
}

type SourceSettings struct {
	BaseURL      string        `yaml:"baseURL"`
	TokenURL     string        `yaml:"tokenURL"`
	ClientID     string        `yaml:"clientID"`
	ClientSecret string        `yaml:"clientSecret"`
	Scopes       []string      `yaml:"scopes"`
	PageSize     int           `yaml:"pageSize"`
	PageDelay    time.Duration `yaml:"pageDelay"`
}

type DestinationSettings struct {
	BaseURL                string `yaml:"baseURL"`
	AccessToken            string `yaml:"accessToken"`
	MaxBatchSize           int    `yaml:"maxBatchSize"`
	PropertyGroup          string `yaml:"propertyGroup"`
	PropertyGroupLabel     string `yaml:"propertyGroupLabel"`
	PlaceholderEmailDomain string `yaml:"placeholderEmailDomain"`
}

type SyncSettings struct {
	// LookbackDays is the incremental window in calendar days, 0 means unbounded.
	LookbackDays   int         `yaml:"lookbackDays"`
	EnableProfiles bool        `yaml:"enableProfiles"`
	MaxErrors      int         `yaml:"maxErrors"`
	Retry          RetryPolicy `yaml:"retry"`

	// ScheduleInterval triggers full runs from serve, 0 disables the scheduler.
	ScheduleInterval time.Duration `yaml:"scheduleInterval"`
	ScheduleEnabled  bool          `yaml:"scheduleEnabled"`
}

type NotifySettings struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// IsConfigured reports whether run events should be published.
func (n NotifySettings) IsConfigured() bool {
	return n.Topic != "" && len(n.Brokers) > 0
}

type ServerSettings struct {
	Addr string `yaml:"addr"`
	// APIKey is required from callers in the X-API-Key header.
	APIKey string `yaml:"apiKey"`
}

type CacheSettings struct {
	// Dir holds the association type cache, the CLI defaults it under the XDG cache home.
	Dir string `yaml:"dir"`
}

// EntityConfig is the fixed per entity type schema used by the mapper.
type EntityConfig struct {
	// Path is the source API collection path, e.g. /api/v1/companies.
	Path         string `yaml:"path"`
	IDPath       string `yaml:"idPath"`
	ModifiedPath string `yaml:"modifiedPath"`
	// ObjectType is the destination object type, native or custom.
	ObjectType string `yaml:"objectType"`
	// IDProperty is the destination property holding the idempotency key.
	IDProperty string `yaml:"idProperty"`
	// EmailProperty, when set, is mandatory at the destination and gets a
	// placeholder value if the source email is rejected.
	EmailProperty string        `yaml:"emailProperty"`
	Kind          string        `yaml:"kind"`
	FieldMappings FieldMappings `yaml:"fieldMappings"`
	// FieldTransforms maps a destination property to a transform applied
	// after mapping, e.g. "toLower" or "onlyIfNotEqual:N/A".
	FieldTransforms map[string]string `yaml:"fieldTransforms"`
	// Relations maps a related entity type to the source path of its id.
	Relations map[EntityType]string `yaml:"relations"`
}

type FieldMappings struct {
	Strings  map[string]string `yaml:"strings"`
	Numbers  map[string]string `yaml:"numbers"`
	Booleans map[string]string `yaml:"booleans"`
	Dates    map[string]string `yaml:"dates"`
	Emails   map[string]string `yaml:"emails"`
}

// AllKeys returns every destination property in the mappings, sorted.
func (m FieldMappings) AllKeys() []string {
	var result []string
	result = append(result, FieldMapsKeys(m.Strings)...)
	result = append(result, FieldMapsKeys(m.Numbers)...)
	result = append(result, FieldMapsKeys(m.Booleans)...)
	result = append(result, FieldMapsKeys(m.Dates)...)
	result = append(result, FieldMapsKeys(m.Emails)...)
	sort.Strings(result)
	return result
}

// SourcePath returns the source path mapped onto key.
func (m FieldMappings) SourcePath(key string) string {
	for _, fm := range []map[string]string{m.Strings, m.Numbers, m.Booleans, m.Dates, m.Emails} {
		if v, exists := fm[key]; exists {
			return v
		}
	}
	return ""
}

// PropertyType returns the destination property type for key.
func (m FieldMappings) PropertyType(key string) PropertyType {
	if _, exists := m.Strings[key]; exists {
		return StringProperty
	}
	if _, exists := m.Numbers[key]; exists {
		return NumberProperty
	}
	if _, exists := m.Booleans[key]; exists {
		return BoolProperty
	}
	if _, exists := m.Dates[key]; exists {
		return DateProperty
	}
	if _, exists := m.Emails[key]; exists {
		return EmailProperty
	}
	return UnknownProperty
}

func FieldMapsKeys(m map[string]string) []string {
	result := make([]string, len(m))
	i := 0
	for k := range m {
		result[i] = k
		i++
	}
	return result
}

type PropertyType string

const (
	StringProperty  PropertyType = "string"
	NumberProperty  PropertyType = "number"
	BoolProperty    PropertyType = "bool"
	DateProperty    PropertyType = "date"
	EmailProperty   PropertyType = "email"
	UnknownProperty PropertyType = "unknown"
)

type CompositeEnvVar interface {
	LookupEnv(child string) (string, bool)
}

// JSONCompositeEnvVar looks values up in a JSON object held by the Parent
// env var, falling back to plain env vars.
type JSONCompositeEnvVar struct {
	Parent string
}

func (c JSONCompositeEnvVar) LookupEnv(child string) (string, bool) {
	if c.Parent != "" {
		s := os.Getenv(c.Parent)
		if s != "" {
			m := make(map[string]string)
			err := json.Unmarshal([]byte(s), &m)
			if err == nil {
				if v, exists := m[child]; exists {
					return v, true
				}
			}
		}
	}
	return os.LookupEnv(child)
}

type YAMLConfigUnmarshaler struct{}

func (u YAMLConfigUnmarshaler) Unmarshal(compev CompositeEnvVar, sources ...MappingFile) (Config, error) {
	var result Config
	var options []config.YAMLOption
	for _, s := range sources {
		if s.Length > 0 {
			options = append(options, config.Source(s.Reader))
		}
	}
	options = append(options, config.Expand(compev.LookupEnv))
	yaml, err := config.NewYAML(options...)
	if err != nil {
		return result, fmt.Errorf("failed to read yaml config %w", err)
	}
	readError := func(key string, cause error) error {
		return fmt.Errorf("failed to read '%s' from yaml config %w", key, cause)
	}
	key := "source"
	if err = yaml.Get(key).Populate(&result.Source); err != nil {
		return result, readError(key, err)
	}
	key = "destination"
	if err = yaml.Get(key).Populate(&result.Destination); err != nil {
		return result, readError(key, err)
	}
	key = "sync"
	if err = yaml.Get(key).Populate(&result.Sync); err != nil {
		return result, readError(key, err)
	}
	key = "notify"
	if yaml.Get(key).HasValue() {
		if err = yaml.Get(key).Populate(&result.Notify); err != nil {
			return result, readError(key, err)
		}
	}
	key = "cache"
	if yaml.Get(key).HasValue() {
		if err = yaml.Get(key).Populate(&result.Cache); err != nil {
			return result, readError(key, err)
		}
	}
	key = "server"
	if yaml.Get(key).HasValue() {
		if err = yaml.Get(key).Populate(&result.Server); err != nil {
			return result, readError(key, err)
		}
	}
	key = "entities"
	if err = yaml.Get(key).Populate(&result.Entities); err != nil {
		return result, readError(key, err)
	}

	return result, result.Validate()
}

// Validate checks the settings the engine cannot run without.
func (c Config) Validate() error {
	for _, e := range StageOrder {
		ec, exists := c.Entities[e]
		if !exists {
			return fmt.Errorf("missing entity config for %s", e)
		}
		if ec.Path == "" || ec.IDPath == "" || ec.IDProperty == "" {
			return fmt.Errorf("entity config for %s requires path, idPath and idProperty", e)
		}
		if ec.ObjectType == "" && (e != Profiles || c.Sync.EnableProfiles) {
			return fmt.Errorf("entity config for %s requires objectType", e)
		}
	}
	if c.Destination.MaxBatchSize < 0 {
		return fmt.Errorf("invalid destination maxBatchSize %d", c.Destination.MaxBatchSize)
	}
	return nil
}

// MaxErrors is the number of error messages kept per stage.
func (c Config) MaxErrors() int {
	if c.Sync.MaxErrors > 0 {
		return c.Sync.MaxErrors
	}
	return 10
}

// Since returns the incremental watermark for a run starting at now.
// The zero time means no filter.
func (c Config) Since(now time.Time) time.Time {
	if c.Sync.LookbackDays <= 0 {
		return time.Time{}
	}
	return now.AddDate(0, 0, -c.Sync.LookbackDays)
}
