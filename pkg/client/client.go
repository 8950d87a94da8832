// Package client is the high-level Mobility Database client: provider
// discovery, dataset download with change detection, local caching and
// metadata tracking.
//
// All operations are synchronous. A Client is not safe for concurrent
// use from multiple goroutines; callers wanting parallelism run
// independent Client instances, which stay consistent with each other
// through the shared metadata file (see pkg/metadata).
package client

import (
	"context"
	"sort"
	"time"

	"github.com/bdamokos/mobility-db-api/internal/logger"
	"github.com/bdamokos/mobility-db-api/pkg/catalog"
	"github.com/bdamokos/mobility-db-api/pkg/metadata"
)

// DefaultDataDir is where datasets land when no directory is
// configured.
const DefaultDataDir = "mobility_datasets"

// Options configures a Client.
type Options struct {
	// DataDir is the managed dataset directory. Empty means
	// DefaultDataDir relative to the working directory.
	DataDir string

	// RefreshToken authenticates against the catalog API. Without it
	// the client can still operate on the CSV catalog fallback and on
	// already-downloaded data.
	RefreshToken string

	// BaseURL overrides the catalog API endpoint, mainly for tests.
	BaseURL string

	// HTTPTimeout bounds every catalog and download request.
	HTTPTimeout time.Duration

	// LockTimeout bounds metadata lock acquisition.
	LockTimeout time.Duration

	// CSVFallback enables the published CSV catalog as a provider
	// source when the API is unavailable.
	CSVFallback bool

	// CSVCacheDir is where the CSV fallback caches its download.
	CSVCacheDir string

	// CSVURL overrides the CSV catalog location, mainly for tests.
	CSVURL string

	// LenientMetadata makes metadata read paths treat a corrupt index
	// file as empty instead of failing. Off by default: automated
	// contexts should notice corruption rather than silently re-download.
	LenientMetadata bool
}

// ProviderInfo combines a provider's catalog entry with its locally
// downloaded dataset, when one exists.
type ProviderInfo struct {
	catalog.Provider

	// Downloaded is the stored record for this provider's most recent
	// local dataset; nil when nothing has been downloaded.
	Downloaded *metadata.DatasetRecord `json:"downloaded_dataset,omitempty"`
}

// Client ties the catalog, the dataset store and the download pipeline
// together.
type Client struct {
	catalog *catalog.Client
	store   *metadata.Store
	dataDir string
}

// New creates a client managing opts.DataDir, creating the directory
// and loading any existing metadata index.
func New(ctx context.Context, opts Options) (*Client, error) {
	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = DefaultDataDir
	}

	store, err := metadata.NewStore(ctx, dataDir, metadata.StoreOptions{
		LockTimeout: opts.LockTimeout,
		Lenient:     opts.LenientMetadata,
	})
	if err != nil {
		return nil, err
	}

	cat := catalog.NewClient(catalog.Options{
		BaseURL:      opts.BaseURL,
		RefreshToken: opts.RefreshToken,
		Timeout:      opts.HTTPTimeout,
		CSVFallback:  opts.CSVFallback,
		CSVCacheDir:  opts.CSVCacheDir,
		CSVURL:       opts.CSVURL,
	})

	logger.Info("Initialized client with data directory: %s", store.Dir())
	return &Client{catalog: cat, store: store, dataDir: store.Dir()}, nil
}

// DataDir returns the managed dataset directory.
func (c *Client) DataDir() string {
	return c.dataDir
}

// Store exposes the metadata store, mainly for tests and tooling.
func (c *Client) Store() *metadata.Store {
	return c.store
}

// Catalog exposes the catalog client.
func (c *Client) Catalog() *catalog.Client {
	return c.catalog
}

// ReloadMetadata re-reads the metadata index from disk. With force
// false the read is skipped when the file is unchanged. It returns
// whether a reload happened.
func (c *Client) ReloadMetadata(ctx context.Context, force bool) (bool, error) {
	return c.store.Reload(ctx, force)
}

// EnsureMetadataCurrent reloads the index iff another process changed
// it since this client last synced.
func (c *Client) EnsureMetadataCurrent(ctx context.Context) (bool, error) {
	return c.store.EnsureCurrent(ctx)
}

// GetProvidersByCountry searches catalog providers by two-letter
// country code.
func (c *Client) GetProvidersByCountry(ctx context.Context, countryCode string) ([]catalog.Provider, error) {
	return c.catalog.GetProvidersByCountry(ctx, countryCode)
}

// GetProvidersByName searches catalog providers by partial name.
func (c *Client) GetProvidersByName(ctx context.Context, name string) ([]catalog.Provider, error) {
	return c.catalog.GetProvidersByName(ctx, name)
}

// GetProviderInfo returns a provider's catalog entry together with its
// downloaded dataset, if any. A provider unknown to both the catalog
// and the local store yields nil, not an error.
func (c *Client) GetProviderInfo(ctx context.Context, providerID string) (*ProviderInfo, error) {
	provider, err := c.catalog.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}

	downloaded := c.latestRecordFor(ctx, providerID)
	if provider == nil && downloaded == nil {
		return nil, nil
	}

	info := &ProviderInfo{Downloaded: downloaded}
	if provider != nil {
		info.Provider = *provider
	} else {
		// Known only locally (e.g. external GTFS): synthesize the
		// catalog-shaped part from the stored record.
		info.Provider = catalog.Provider{ID: providerID, Name: downloaded.ProviderName}
	}
	return info, nil
}

// ListDownloadedDatasets returns every live dataset tracked in the
// managed directory, sorted by key. Records whose directory has
// disappeared are filtered out rather than deleted.
func (c *Client) ListDownloadedDatasets(ctx context.Context) ([]metadata.DatasetRecord, error) {
	if _, err := c.store.EnsureCurrent(ctx); err != nil {
		return nil, err
	}

	records := c.store.Records()
	out := make([]metadata.DatasetRecord, 0, len(records))
	for _, key := range metadata.SortedKeys(records) {
		if rec := records[key]; rec.Live() {
			out = append(out, rec)
		}
	}
	return out, nil
}

// latestRecordFor returns the most recently downloaded live record for
// a provider, or nil.
func (c *Client) latestRecordFor(ctx context.Context, providerID string) *metadata.DatasetRecord {
	if _, err := c.store.EnsureCurrent(ctx); err != nil {
		logger.Warn("Could not refresh metadata: %v", err)
	}

	var matches []metadata.DatasetRecord
	for _, rec := range c.store.Records() {
		if rec.ProviderID == providerID && rec.Live() {
			matches = append(matches, rec)
		}
	}
	if len(matches) == 0 {
		return nil
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].DownloadDate.Time().After(matches[j].DownloadDate.Time())
	})
	return &matches[0]
}
