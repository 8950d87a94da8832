package config

import (
	"os"
	"strings"
	"time"

	"github.com/bdamokos/mobility-db-api/pkg/catalog"
	"github.com/bdamokos/mobility-db-api/pkg/client"
	"github.com/bdamokos/mobility-db-api/pkg/metadata"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyStorageDefaults(&cfg.Storage)
	applyAPIDefaults(&cfg.API)
	applyCatalogDefaults(&cfg.Catalog, cfg.Storage.DataDir)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)
}

// applyStorageDefaults sets dataset storage defaults.
func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.DataDir == "" {
		cfg.DataDir = client.DefaultDataDir
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = metadata.DefaultLockTimeout
	}
}

// applyAPIDefaults sets catalog API defaults.
func applyAPIDefaults(cfg *APIConfig) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = catalog.DefaultBaseURL
	}
	if cfg.RefreshToken == "" {
		cfg.RefreshToken = os.Getenv("MOBILITY_API_REFRESH_TOKEN")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
}

// applyCatalogDefaults sets CSV catalog fallback defaults.
func applyCatalogDefaults(cfg *CatalogConfig, dataDir string) {
	if cfg.CSVCacheDir == "" {
		cfg.CSVCacheDir = dataDir
	}
	if cfg.CSVURL == "" {
		cfg.CSVURL = catalog.DefaultCatalogCSVURL
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Catalog: CatalogConfig{
			CSVFallback: true,
		},
	}

	ApplyDefaults(cfg)
	return cfg
}

// ClientOptions converts the configuration into client options.
func (cfg *Config) ClientOptions() client.Options {
	return client.Options{
		DataDir:         cfg.Storage.DataDir,
		RefreshToken:    cfg.API.RefreshToken,
		BaseURL:         cfg.API.BaseURL,
		HTTPTimeout:     cfg.API.Timeout,
		LockTimeout:     cfg.Storage.LockTimeout,
		CSVFallback:     cfg.Catalog.CSVFallback,
		CSVCacheDir:     cfg.Catalog.CSVCacheDir,
		CSVURL:          cfg.Catalog.CSVURL,
		LenientMetadata: cfg.Storage.LenientMetadata,
	}
}
