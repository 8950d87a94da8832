package catalog

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bdamokos/mobility-db-api/internal/logger"
	"github.com/bdamokos/mobility-db-api/pkg/gtfs"
)

// DefaultCatalogCSVURL is the published CSV export of the Mobility
// Database catalog. It requires no authentication.
const DefaultCatalogCSVURL = "https://share.mobilitydata.org/catalogs-csv"

const csvCacheFileName = "mobility_catalog.csv"

// catalogRow mirrors the CSV catalog's column names. Columns not
// listed here are ignored.
type catalogRow struct {
	MdbSourceID       string `csv:"mdb_source_id"`
	DataType          string `csv:"data_type"`
	Provider          string `csv:"provider"`
	CountryCode       string `csv:"location.country_code"`
	DirectDownloadURL string `csv:"urls.direct_download"`
	LatestURL         string `csv:"urls.latest"`
	Status            string `csv:"status"`
	Features          string `csv:"features"`
	RedirectID        string `csv:"redirect.id"`
}

// CSVCatalog serves provider lookups from the published CSV catalog.
// The file is downloaded once, cached on disk and parsed lazily; CSV
// entries carry no hashes, so datasets found through it always take
// the content-probe path for change detection.
type CSVCatalog struct {
	url        string
	cachePath  string
	httpClient *http.Client
	providers  []Provider
	loaded     bool
}

// NewCSVCatalog builds a CSV catalog caching under cacheDir (the OS
// temp dir when empty).
func NewCSVCatalog(cacheDir, catalogURL string, httpClient *http.Client) *CSVCatalog {
	if cacheDir == "" {
		cacheDir = os.TempDir()
	}
	if catalogURL == "" {
		catalogURL = DefaultCatalogCSVURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &CSVCatalog{
		url:        catalogURL,
		cachePath:  filepath.Join(cacheDir, csvCacheFileName),
		httpClient: httpClient,
	}
}

// Providers returns every active GTFS provider in the catalog,
// downloading and parsing the CSV on first use. forceReload bypasses
// both the parsed cache and the on-disk file.
func (c *CSVCatalog) Providers(ctx context.Context, forceReload bool) ([]Provider, error) {
	if c.loaded && !forceReload {
		return c.providers, nil
	}

	if err := c.download(ctx, forceReload); err != nil {
		return nil, err
	}

	file, err := os.Open(c.cachePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cached catalog CSV: %w", err)
	}
	defer file.Close()

	rows, err := gtfs.DecodeAll[catalogRow](file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog CSV: %w", err)
	}

	providers := make([]Provider, 0, len(rows))
	for _, row := range rows {
		if row.DataType != "gtfs" {
			continue
		}
		if row.Status == "inactive" || row.Status == "deprecated" {
			continue
		}
		if row.RedirectID != "" {
			// Redirected entries point at another row; skip them.
			continue
		}
		providers = append(providers, csvProvider(row))
	}

	c.providers = providers
	c.loaded = true
	logger.Debug("Loaded %d providers from CSV catalog", len(providers))
	return providers, nil
}

// Provider looks up one provider by catalog ID. Nil when absent.
func (c *CSVCatalog) Provider(ctx context.Context, providerID string) (*Provider, error) {
	providers, err := c.Providers(ctx, false)
	if err != nil {
		return nil, err
	}
	for i := range providers {
		if providers[i].ID == providerID {
			return &providers[i], nil
		}
	}
	return nil, nil
}

// ProvidersByCountry filters by two-letter country code.
func (c *CSVCatalog) ProvidersByCountry(ctx context.Context, countryCode string) ([]Provider, error) {
	providers, err := c.Providers(ctx, false)
	if err != nil {
		return nil, err
	}
	var matches []Provider
	for _, p := range providers {
		if strings.EqualFold(p.CountryCode, countryCode) {
			matches = append(matches, p)
		}
	}
	return matches, nil
}

// ProvidersByName filters by case-insensitive partial name match.
func (c *CSVCatalog) ProvidersByName(ctx context.Context, name string) ([]Provider, error) {
	providers, err := c.Providers(ctx, false)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(name)
	var matches []Provider
	for _, p := range providers {
		if strings.Contains(strings.ToLower(p.Name), needle) {
			matches = append(matches, p)
		}
	}
	return matches, nil
}

func (c *CSVCatalog) download(ctx context.Context, force bool) error {
	if !force {
		if _, err := os.Stat(c.cachePath); err == nil {
			return nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to build catalog CSV request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("catalog CSV: %w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog CSV: %w: status %d", ErrFetchFailed, resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return fmt.Errorf("catalog CSV: %w: %v", ErrFetchFailed, err)
	}
	if err := os.MkdirAll(filepath.Dir(c.cachePath), 0o755); err != nil {
		return fmt.Errorf("failed to create catalog cache directory: %w", err)
	}
	if err := os.WriteFile(c.cachePath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to cache catalog CSV: %w", err)
	}
	return nil
}

// csvProvider adapts one CSV row to the Provider shape the client
// expects from the REST API. The synthesized dataset ID is
// timestamp-based because the CSV has no version identifiers.
func csvProvider(row catalogRow) Provider {
	p := Provider{
		ID:          row.MdbSourceID,
		Name:        row.Provider,
		CountryCode: row.CountryCode,
		Status:      row.Status,
		Features:    row.Features,
		SourceInfo:  SourceInfo{ProducerURL: row.DirectDownloadURL},
	}
	if p.Name == "" {
		p.Name = "Unknown Provider"
	}
	if row.LatestURL != "" {
		p.LatestDataset = &LatestDataset{
			ID:        "csv_" + time.Now().Format("20060102150405"),
			HostedURL: row.LatestURL,
		}
	}
	return p
}
