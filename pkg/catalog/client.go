package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bdamokos/mobility-db-api/internal/logger"
)

// DefaultBaseURL is the production Mobility Database API.
const DefaultBaseURL = "https://api.mobilitydatabase.org/v1"

const defaultHTTPTimeout = 60 * time.Second

// maxAuthRetries bounds how many times a request is retried with a
// refreshed access token after a 401. A bounded loop, not recursion:
// a catalog that keeps rejecting fresh tokens must not recurse forever.
const maxAuthRetries = 1

// Options configures a Client.
type Options struct {
	// BaseURL overrides the API endpoint. Empty means DefaultBaseURL.
	BaseURL string

	// RefreshToken authenticates against the token endpoint. When
	// empty the client cannot use the REST API and relies entirely on
	// the CSV fallback, if enabled.
	RefreshToken string

	// Timeout bounds each HTTP request. Zero means 60s.
	Timeout time.Duration

	// CSVFallback enables the published CSV catalog as a fallback
	// provider source when the API is unreachable or unauthenticated.
	CSVFallback bool

	// CSVCacheDir is where the fallback caches the downloaded CSV.
	// Empty means the OS temp directory.
	CSVCacheDir string

	// CSVURL overrides the CSV catalog location, mainly for tests.
	CSVURL string

	// HTTPClient overrides the underlying client, mainly for tests.
	HTTPClient *http.Client
}

// Client looks up providers in the Mobility Database catalog and
// fetches raw dataset bytes. It is safe for use from a single
// goroutine; clients wanting parallelism create independent instances.
type Client struct {
	baseURL      string
	refreshToken string
	accessToken  string
	httpClient   *http.Client
	csv          *CSVCatalog
	usingCSV     bool
}

// NewClient builds a catalog client from options.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	c := &Client{
		baseURL:      opts.BaseURL,
		refreshToken: opts.RefreshToken,
		httpClient:   httpClient,
	}
	if opts.CSVFallback {
		c.csv = NewCSVCatalog(opts.CSVCacheDir, opts.CSVURL, httpClient)
	}
	return c
}

// UsingCSV reports whether the client has fallen back to the CSV
// catalog for provider lookups.
func (c *Client) UsingCSV() bool {
	return c.usingCSV
}

// Authenticate exchanges the refresh token for an access token.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.refreshToken == "" {
		return fmt.Errorf("no refresh token configured")
	}

	body, err := json.Marshal(map[string]string{"refresh_token": c.refreshToken})
	if err != nil {
		return fmt.Errorf("failed to encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tokens", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("token request: %w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token request: %w: status %d", ErrFetchFailed, resp.StatusCode)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return fmt.Errorf("token response contained no access token")
	}

	c.accessToken = tokenResp.AccessToken
	logger.Debug("Obtained new access token")
	return nil
}

// GetProvider returns one provider by catalog ID, or nil when the
// catalog has no such provider.
func (c *Client) GetProvider(ctx context.Context, providerID string) (*Provider, error) {
	if c.usingCSV {
		return c.csv.Provider(ctx, providerID)
	}

	var provider Provider
	found, err := c.getJSON(ctx, "/gtfs_feeds/"+url.PathEscape(providerID), nil, &provider)
	if err != nil {
		return c.fallback(ctx, err, func(ctx context.Context) (*Provider, error) {
			return c.csv.Provider(ctx, providerID)
		})
	}
	if !found {
		return nil, nil
	}
	if provider.ID == "" {
		return nil, fmt.Errorf("catalog returned provider without an id")
	}
	return &provider, nil
}

// GetProvidersByCountry searches providers by two-letter country code.
func (c *Client) GetProvidersByCountry(ctx context.Context, countryCode string) ([]Provider, error) {
	if c.usingCSV {
		return c.csv.ProvidersByCountry(ctx, countryCode)
	}

	var providers []Provider
	query := url.Values{"country_code": {countryCode}}
	_, err := c.getJSON(ctx, "/gtfs_feeds", query, &providers)
	if err != nil {
		return c.fallbackList(ctx, err, func(ctx context.Context) ([]Provider, error) {
			return c.csv.ProvidersByCountry(ctx, countryCode)
		})
	}
	return providers, nil
}

// GetProvidersByName searches providers by case-insensitive partial
// name match.
func (c *Client) GetProvidersByName(ctx context.Context, name string) ([]Provider, error) {
	if c.usingCSV {
		return c.csv.ProvidersByName(ctx, name)
	}

	var providers []Provider
	query := url.Values{"provider": {name}}
	_, err := c.getJSON(ctx, "/gtfs_feeds", query, &providers)
	if err != nil {
		return c.fallbackList(ctx, err, func(ctx context.Context) ([]Provider, error) {
			return c.csv.ProvidersByName(ctx, name)
		})
	}
	return providers, nil
}

// FetchURL downloads raw bytes from an arbitrary URL. When authorized
// is true the request carries the bearer token (hosted catalog
// snapshots); direct producer downloads go out bare, matching what a
// browser hitting the publisher's URL would send. Any non-200 response
// or transport failure is ErrFetchFailed.
func (c *Client) FetchURL(ctx context.Context, rawURL string, authorized bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	if authorized && c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w: %v", rawURL, ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: %w: status %d", rawURL, ErrFetchFailed, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w: %v", rawURL, ErrFetchFailed, err)
	}
	return data, nil
}

// getJSON performs an authorized GET and decodes the JSON response.
// found is false for a 404. A 401 refreshes the token and retries up
// to maxAuthRetries times.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) (found bool, err error) {
	if c.accessToken == "" {
		if err := c.Authenticate(ctx); err != nil {
			return false, err
		}
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return false, fmt.Errorf("failed to build catalog request: %w", err)
		}
		if query != nil {
			req.URL.RawQuery = query.Encode()
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.accessToken)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return false, fmt.Errorf("catalog request %s: %w: %v", path, ErrFetchFailed, err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			err = json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			if err != nil {
				return false, fmt.Errorf("failed to decode catalog response: %w", err)
			}
			return true, nil
		case http.StatusNotFound:
			resp.Body.Close()
			return false, nil
		case http.StatusUnauthorized:
			resp.Body.Close()
			if attempt >= maxAuthRetries {
				return false, fmt.Errorf("catalog request %s: %w: unauthorized after token refresh", path, ErrFetchFailed)
			}
			logger.Debug("Access token rejected, refreshing")
			if err := c.Authenticate(ctx); err != nil {
				return false, err
			}
		default:
			resp.Body.Close()
			return false, fmt.Errorf("catalog request %s: %w: status %d", path, ErrFetchFailed, resp.StatusCode)
		}
	}
}

// fallback switches the client into CSV mode after an API failure, if
// the fallback is enabled, and re-runs the lookup there.
func (c *Client) fallback(ctx context.Context, apiErr error, lookup func(context.Context) (*Provider, error)) (*Provider, error) {
	if c.csv == nil {
		return nil, apiErr
	}
	logger.Warn("Catalog API unavailable (%v), falling back to CSV catalog", apiErr)
	c.usingCSV = true
	return lookup(ctx)
}

func (c *Client) fallbackList(ctx context.Context, apiErr error, lookup func(context.Context) ([]Provider, error)) ([]Provider, error) {
	if c.csv == nil {
		return nil, apiErr
	}
	logger.Warn("Catalog API unavailable (%v), falling back to CSV catalog", apiErr)
	c.usingCSV = true
	return lookup(ctx)
}
