// Package config loads, defaults, validates, and persists the server
// configuration.
//
// Sources, in order of precedence:
//  1. Environment variables (TEIVAULT_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/teivault/teivault/pkg/api"
	"github.com/teivault/teivault/pkg/catalog"
	"github.com/teivault/teivault/pkg/exporter"
	"github.com/teivault/teivault/pkg/locks"
	"github.com/teivault/teivault/pkg/remote"
)

// Config is the full teivault configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry tracing and Pyroscope
	// profiling.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout is the maximum time to wait for graceful
	// shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Data is the local data root. Blob files, databases, and caches
	// live beneath it unless overridden individually.
	Data DataConfig `mapstructure:"data" yaml:"data"`

	// Database configures the metadata catalog (SQLite or
	// PostgreSQL).
	Database catalog.Config `mapstructure:"database" yaml:"database"`

	// Locks configures the lock database.
	Locks locks.Config `mapstructure:"locks" yaml:"locks"`

	// Remote configures the shared WebDAV replica. An empty URL
	// disables sync.
	Remote remote.Config `mapstructure:"remote" yaml:"remote"`

	// Sync configures the synchronization engine.
	Sync SyncConfig `mapstructure:"sync" yaml:"sync"`

	// API configures the REST server.
	API api.Config `mapstructure:"api" yaml:"api"`

	// Metrics configures the Prometheus metrics server.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Import configures default import behavior.
	Import ImportConfig `mapstructure:"import" yaml:"import"`

	// Export configures default export behavior.
	Export ExportConfig `mapstructure:"export" yaml:"export"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is the log output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure bool   `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate is the trace sampling rate (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling settings.
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string   `mapstructure:"endpoint" yaml:"endpoint"`
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// DataConfig is the local data root. The standard layout is:
//
//	<dir>/files/            sharded blob store
//	<dir>/db/metadata.db    catalog database
//	<dir>/db/locks.db       lock database
//	<dir>/schema/cache/     schema cache
//	<dir>/tmp/              scratch space
type DataConfig struct {
	// Dir is the data root directory.
	Dir string `mapstructure:"dir" validate:"required" yaml:"dir"`
}

// FilesDir returns the blob store root.
func (d DataConfig) FilesDir() string { return filepath.Join(d.Dir, "files") }

// CatalogPath returns the default catalog database file.
func (d DataConfig) CatalogPath() string { return filepath.Join(d.Dir, "db", "metadata.db") }

// LocksPath returns the default lock database file.
func (d DataConfig) LocksPath() string { return filepath.Join(d.Dir, "db", "locks.db") }

// SchemaCacheDir returns the schema cache directory.
func (d DataConfig) SchemaCacheDir() string { return filepath.Join(d.Dir, "schema", "cache") }

// TmpDir returns the scratch directory.
func (d DataConfig) TmpDir() string { return filepath.Join(d.Dir, "tmp") }

// SyncConfig configures the synchronization engine.
type SyncConfig struct {
	// Auto enables periodic background sync in serve mode.
	Auto bool `mapstructure:"auto" yaml:"auto"`

	// Interval is the background sync period.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`

	// LockWait bounds remote advisory lock acquisition.
	LockWait time.Duration `mapstructure:"lock_wait" yaml:"lock_wait"`
}

// MetricsConfig configures the Prometheus metrics HTTP server. When
// Enabled is false no metrics are collected.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the /metrics endpoint.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// ImportConfig holds default import behavior.
type ImportConfig struct {
	// GoldPolicies selects how gold-standard TEIs are detected:
	// no_version_marker, filename_regex, gold_directory.
	GoldPolicies []string `mapstructure:"gold_policies" validate:"omitempty,dive,oneof=no_version_marker filename_regex gold_directory" yaml:"gold_policies"`

	// GoldRegex backs the filename_regex policy.
	GoldRegex string `mapstructure:"gold_regex" yaml:"gold_regex"`

	// GoldDir backs the gold_directory policy.
	GoldDir string `mapstructure:"gold_dir" yaml:"gold_dir"`

	// SkipDirs are directory names never treated as collections.
	SkipDirs []string `mapstructure:"skip_dirs" yaml:"skip_dirs"`

	// DefaultVariant is assigned to TEIs whose header names no
	// producing application.
	DefaultVariant string `mapstructure:"default_variant" yaml:"default_variant"`
}

// ExportConfig holds default export behavior.
type ExportConfig struct {
	// Mode is by_type, by_collection, or by_variant.
	Mode string `mapstructure:"mode" validate:"omitempty,oneof=by_type by_collection by_variant" yaml:"mode"`

	// Transforms rewrite output filenames, applied in order.
	Transforms []exporter.Transform `mapstructure:"transforms" yaml:"transforms,omitempty"`

	// IncludeSchemas also exports RNG schemas.
	IncludeSchemas bool `mapstructure:"include_schemas" yaml:"include_schemas"`
}

// Load loads configuration from file, environment, and defaults.
// An empty configPath uses the default location.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !configFileFound {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the
// file is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  teivault init\n\n"+
				"Or specify a custom config file:\n"+
				"  teivault <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  teivault init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration as YAML. Permissions are 0600
// because the file may carry remote credentials.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variables and config file search.
// Example override: TEIVAULT_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("TEIVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the config file if present. A missing file is
// acceptable; defaults apply.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks parses human-readable durations ("30s", "5m") in
// config values.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(durationDecodeHook())
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns $XDG_CONFIG_HOME/teivault, falling back to
// ~/.config/teivault.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "teivault")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "teivault")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks for a config file at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory (exposed for the
// init command).
func GetConfigDir() string {
	return getConfigDir()
}
