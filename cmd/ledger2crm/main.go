package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/homemade/ledger2crm/sync"
)

var (
	configFile     string
	envFiles       []string
	logFile        string
	recordRequests string
)

var rootCmd = &cobra.Command{
	Use:   "ledger2crm",
	Short: "Sync ledger records into the CRM",
	Long: `ledger2crm replicates companies, individuals, profiles and orders from the
ledger backend into the CRM, derives sales rep attribution and order status,
and links the records with associations.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadEnvFiles(); err != nil {
			return err
		}
		setupLogging()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML file layered over the default mappings")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env when present)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to a rotated file instead of stderr")
	rootCmd.PersistentFlags().StringVar(&recordRequests, "record-requests", "", "record API exchanges under this directory")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadEnvFiles() error {
	if len(envFiles) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			return godotenv.Load()
		}
		return nil
	}
	if err := godotenv.Load(envFiles...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

func setupLogging() {
	if logFile == "" {
		return
	}
	log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}))
}

func loadConfig() (sync.Config, error) {
	var opts []sync.ConfigOption
	if configFile != "" {
		file, err := sync.MappingFileFromPath(configFile)
		if err != nil {
			return sync.Config{}, err
		}
		opts = append(opts, sync.ConfigWithOverrideFile(file))
	}
	return sync.LoadConfigFromEnvironment(sync.DefaultMappings, opts...)
}

// cacheDir defaults the association cache under the XDG cache home.
func cacheDir(config sync.Config) string {
	if config.Cache.Dir != "" {
		return config.Cache.Dir
	}
	return filepath.Join(xdg.CacheHome, "ledger2crm", "associations")
}

// app is the wired engine shared by the commands.
type app struct {
	config       sync.Config
	source       *sync.BackendClient
	crm          *sync.CRMClient
	cache        sync.AssociationTypeCache
	notifier     *sync.KafkaNotifier
	metrics      *sync.Metrics
	writer       *sync.DestinationWriter
	orchestrator *sync.Orchestrator
}

func newApp() (*app, error) {
	config, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{config: config, metrics: sync.NewMetrics()}

	a.source = sync.NewBackendClient(config.Source)
	a.source.RecordDir = recordRequests
	a.crm = sync.NewCRMClient(config.Destination)
	a.crm.RecordDir = recordRequests

	pebbleCache, err := sync.NewPebbleCache(cacheDir(config))
	if err != nil {
		log.Printf("Warning: association cache unavailable, using memory: %v", err)
		a.cache = sync.NewMemoryCache()
	} else {
		a.cache = pebbleCache
	}

	reader := sync.NewSourceReader(a.source, config)
	a.writer = sync.NewDestinationWriter(a.crm, config, a.cache)
	a.orchestrator = sync.NewOrchestrator(config, reader, a.writer)
	a.orchestrator.Metrics = a.metrics
	if config.Notify.IsConfigured() {
		a.notifier = sync.NewKafkaNotifier(config.Notify)
		a.orchestrator.Notifier = a.notifier
	}
	return a, nil
}

func (a *app) Close() {
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			log.Printf("Warning: close notifier: %v", err)
		}
	}
	if err := a.cache.Close(); err != nil {
		log.Printf("Warning: close association cache: %v", err)
	}
}
