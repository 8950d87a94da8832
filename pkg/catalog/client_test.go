package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// newAPIServer builds a test server handling the token endpoint and a
// single gtfs_feeds provider.
func newAPIServer(t *testing.T, provider Provider) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/tokens", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": "test-access"})
	})
	mux.HandleFunc("/gtfs_feeds/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/gtfs_feeds/"+provider.ID {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(provider)
	})
	mux.HandleFunc("/gtfs_feeds", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode([]Provider{provider})
	})
	return httptest.NewServer(mux)
}

func testProvider() Provider {
	return Provider{
		ID:   "mdb-990",
		Name: "BKK",
		SourceInfo: SourceInfo{
			ProducerURL: "https://bkk.hu/gtfs.zip",
		},
		LatestDataset: &LatestDataset{
			ID:        "mdb-990-202403",
			HostedURL: "https://files.mobilitydatabase.org/mdb-990.zip",
			Hash:      "deadbeef",
		},
	}
}

func TestAuthenticate(t *testing.T) {
	srv := newAPIServer(t, testProvider())
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL, RefreshToken: "refresh"})
	if err := client.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
}

func TestAuthenticate_NoToken(t *testing.T) {
	client := NewClient(Options{BaseURL: "http://localhost:0"})
	if err := client.Authenticate(context.Background()); err == nil {
		t.Fatal("expected error without refresh token")
	}
}

func TestGetProvider(t *testing.T) {
	want := testProvider()
	srv := newAPIServer(t, want)
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL, RefreshToken: "refresh"})
	got, err := client.GetProvider(context.Background(), want.ID)
	if err != nil {
		t.Fatalf("GetProvider failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected a provider")
	}
	if got.ID != want.ID || got.Name != want.Name {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if got.LatestDataset == nil || got.LatestDataset.Hash != "deadbeef" {
		t.Errorf("latest dataset not decoded: %+v", got.LatestDataset)
	}
}

func TestGetProvider_NotFound(t *testing.T) {
	srv := newAPIServer(t, testProvider())
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL, RefreshToken: "refresh"})
	got, err := client.GetProvider(context.Background(), "mdb-missing")
	if err != nil {
		t.Fatalf("a 404 must not be an error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil provider, got %+v", got)
	}
}

func TestGetJSON_RefreshesExpiredToken(t *testing.T) {
	provider := testProvider()
	var tokenCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/tokens", func(w http.ResponseWriter, r *http.Request) {
		token := "fresh"
		if tokenCalls.Add(1) == 1 {
			token = "stale"
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": token})
	})
	mux.HandleFunc("/gtfs_feeds/", func(w http.ResponseWriter, r *http.Request) {
		// Only the second token is accepted, forcing one refresh cycle.
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(provider)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL, RefreshToken: "refresh"})
	got, err := client.GetProvider(context.Background(), provider.ID)
	if err != nil {
		t.Fatalf("GetProvider should recover from one 401: %v", err)
	}
	if got == nil || got.ID != provider.ID {
		t.Fatalf("unexpected provider %+v", got)
	}
	if tokenCalls.Load() != 2 {
		t.Errorf("expected exactly 2 token requests, got %d", tokenCalls.Load())
	}
}

func TestGetJSON_GivesUpAfterRetry(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tokens", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": "rejected"})
	})
	mux.HandleFunc("/gtfs_feeds/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL, RefreshToken: "refresh"})
	_, err := client.GetProvider(context.Background(), "mdb-990")
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed after bounded retries, got %v", err)
	}
}

func TestGetProvidersByCountry(t *testing.T) {
	srv := newAPIServer(t, testProvider())
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL, RefreshToken: "refresh"})
	providers, err := client.GetProvidersByCountry(context.Background(), "HU")
	if err != nil {
		t.Fatalf("GetProvidersByCountry failed: %v", err)
	}
	if len(providers) != 1 || providers[0].ID != "mdb-990" {
		t.Errorf("unexpected result %+v", providers)
	}
}

func TestFetchURL(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte("zip-bytes"))
	}))
	defer srv.Close()

	client := NewClient(Options{})
	client.accessToken = "tok"

	data, err := client.FetchURL(context.Background(), srv.URL, true)
	if err != nil {
		t.Fatalf("FetchURL failed: %v", err)
	}
	if string(data) != "zip-bytes" {
		t.Errorf("unexpected body %q", data)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("authorized fetch should carry the bearer token, got %q", gotAuth)
	}

	// Direct producer downloads go out bare.
	if _, err := client.FetchURL(context.Background(), srv.URL, false); err != nil {
		t.Fatalf("FetchURL failed: %v", err)
	}
	if gotAuth != "" {
		t.Errorf("unauthorized fetch must not carry a token, got %q", gotAuth)
	}
}

func TestFetchURL_NonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(Options{})
	_, err := client.FetchURL(context.Background(), srv.URL, false)
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
}
