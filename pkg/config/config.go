package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete mobility-db client configuration.
//
// This structure captures all configurable aspects of the client including:
//   - Logging configuration
//   - Dataset storage settings (data directory, lock behavior)
//   - Catalog API settings (endpoint, credentials, timeouts)
//   - CSV catalog fallback settings
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (MOBILITYDB_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Storage contains dataset storage settings
	Storage StorageConfig `mapstructure:"storage"`

	// API contains catalog API settings
	API APIConfig `mapstructure:"api"`

	// Catalog contains CSV catalog fallback settings
	Catalog CatalogConfig `mapstructure:"catalog"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
}

// StorageConfig contains dataset storage settings.
type StorageConfig struct {
	// DataDir is the directory where datasets and their metadata live
	DataDir string `mapstructure:"data_dir" validate:"required"`

	// LockTimeout bounds how long metadata lock acquisition may wait
	LockTimeout time.Duration `mapstructure:"lock_timeout" validate:"required,gt=0"`

	// LenientMetadata treats an unreadable metadata file as empty
	// instead of failing reads
	LenientMetadata bool `mapstructure:"lenient_metadata"`
}

// APIConfig contains catalog API settings.
type APIConfig struct {
	// BaseURL is the catalog API endpoint
	BaseURL string `mapstructure:"base_url" validate:"required,url"`

	// RefreshToken authenticates against the catalog API.
	// When empty, the MOBILITY_API_REFRESH_TOKEN environment variable
	// is consulted; without either the client falls back to the CSV
	// catalog when that is enabled.
	RefreshToken string `mapstructure:"refresh_token"`

	// Timeout bounds each HTTP request to the API
	Timeout time.Duration `mapstructure:"timeout" validate:"required,gt=0"`
}

// CatalogConfig contains CSV catalog fallback settings.
type CatalogConfig struct {
	// CSVFallback enables falling back to the published CSV catalog
	// when the API is unavailable or unauthenticated
	CSVFallback bool `mapstructure:"csv_fallback"`

	// CSVCacheDir is where the downloaded CSV catalog is cached
	CSVCacheDir string `mapstructure:"csv_cache_dir"`

	// CSVURL overrides the CSV catalog location, mainly for tests
	CSVURL string `mapstructure:"csv_url" validate:"omitempty,url"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (MOBILITYDB_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the MOBILITYDB_ prefix and underscores
	// Example: MOBILITYDB_API_REFRESH_TOKEN=...
	v.SetEnvPrefix("MOBILITYDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Register every key so environment-only values survive Unmarshal;
	// viper resolves env variables only for keys it knows about.
	v.SetDefault("logging.level", "")
	v.SetDefault("storage.data_dir", "")
	v.SetDefault("storage.lock_timeout", time.Duration(0))
	v.SetDefault("storage.lenient_metadata", false)
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.refresh_token", "")
	v.SetDefault("api.timeout", time.Duration(0))
	v.SetDefault("catalog.csv_fallback", false)
	v.SetDefault("catalog.csv_cache_dir", "")
	v.SetDefault("catalog.csv_url", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/mobilitydb/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		// Config file not found is acceptable - use defaults. Viper
		// reports a missing explicit file as fs.ErrNotExist and a
		// missing searched file as ConfigFileNotFoundError.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "mobilitydb")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "mobilitydb")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
