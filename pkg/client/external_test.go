package client

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bdamokos/mobility-db-api/pkg/metadata"
)

// writeZipFile drops a GTFS zip on disk for ExtractGTFS to consume.
func writeZipFile(t *testing.T, dir, name string, files map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, makeZip(t, files), 0o644); err != nil {
		t.Fatalf("failed to write zip: %v", err)
	}
	return path
}

func TestExtractGTFS_AssignsExternalProvider(t *testing.T) {
	f := newFakeCatalog(t)
	c := newTestClient(t, f)

	zipPath := writeZipFile(t, t.TempDir(), "feed.zip", map[string]string{
		"agency.txt": "agency_id,agency_name\n1,BKK\n2,MAV\n",
		"feed_info.txt": "feed_start_date,feed_end_date\n" +
			"20240101,20241231\n",
	})

	path, err := c.ExtractGTFS(context.Background(), zipPath, ExtractOptions{})
	if err != nil {
		t.Fatalf("ExtractGTFS failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(path, "agency.txt")); err != nil {
		t.Errorf("extracted feed incomplete: %v", err)
	}

	recs, err := c.ListDownloadedDatasets(context.Background())
	if err != nil {
		t.Fatalf("ListDownloadedDatasets failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.ProviderID != "ext-1" {
		t.Errorf("expected provider ext-1, got %s", rec.ProviderID)
	}
	if rec.ProviderName != "BKK, MAV" {
		t.Errorf("multi-agency name not joined: %q", rec.ProviderName)
	}
	if !rec.IsDirectSource {
		t.Error("external datasets are direct-sourced")
	}
	if rec.FeedStartDate != "20240101" {
		t.Errorf("feed validity not parsed: %+v", rec)
	}
}

func TestExtractGTFS_HonorsLockTimeout(t *testing.T) {
	f := newFakeCatalog(t)
	c, err := New(context.Background(), Options{
		DataDir:      t.TempDir(),
		BaseURL:      f.srv.URL,
		RefreshToken: "refresh",
		LockTimeout:  50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// Hold the counter lock so provider ID allocation has to wait; the
	// client's configured timeout, not the default, bounds the wait.
	counterPath := filepath.Join(c.dataDir, externalCounterFile)
	held, err := metadata.AcquireLock(context.Background(), counterPath, metadata.LockWrite, time.Second)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer held.Release()

	zipPath := writeZipFile(t, t.TempDir(), "feed.zip", map[string]string{
		"agency.txt": "agency_id,agency_name\n1,BKK\n",
	})

	start := time.Now()
	_, err = c.ExtractGTFS(context.Background(), zipPath, ExtractOptions{})
	if !errors.Is(err, metadata.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("configured timeout not honored, waited %v", elapsed)
	}
}

func TestExtractGTFS_DedupByContentHash(t *testing.T) {
	f := newFakeCatalog(t)
	c := newTestClient(t, f)

	zipPath := writeZipFile(t, t.TempDir(), "feed.zip", map[string]string{
		"agency.txt": "agency_id,agency_name\n1,BKK\n",
	})

	if _, err := c.ExtractGTFS(context.Background(), zipPath, ExtractOptions{}); err != nil {
		t.Fatalf("first ExtractGTFS failed: %v", err)
	}
	if _, err := c.ExtractGTFS(context.Background(), zipPath, ExtractOptions{}); err != nil {
		t.Fatalf("second ExtractGTFS failed: %v", err)
	}

	// Same bytes, same provider: no ext-2 is minted.
	for _, rec := range c.Store().Records() {
		if rec.ProviderID != "ext-1" {
			t.Errorf("re-extracting identical content minted %s", rec.ProviderID)
		}
	}
}

func TestExtractGTFS_DistinctFeedsGetDistinctProviders(t *testing.T) {
	f := newFakeCatalog(t)
	c := newTestClient(t, f)
	zipDir := t.TempDir()

	first := writeZipFile(t, zipDir, "a.zip", map[string]string{
		"agency.txt": "agency_id,agency_name\n1,BKK\n",
	})
	second := writeZipFile(t, zipDir, "b.zip", map[string]string{
		"agency.txt": "agency_id,agency_name\n1,De Lijn\n",
	})

	if _, err := c.ExtractGTFS(context.Background(), first, ExtractOptions{}); err != nil {
		t.Fatalf("first ExtractGTFS failed: %v", err)
	}
	if _, err := c.ExtractGTFS(context.Background(), second, ExtractOptions{}); err != nil {
		t.Fatalf("second ExtractGTFS failed: %v", err)
	}

	seen := make(map[string]string)
	for _, rec := range c.Store().Records() {
		seen[rec.ProviderID] = rec.ProviderName
	}
	if seen["ext-1"] != "BKK" || seen["ext-2"] != "De Lijn" {
		t.Errorf("unexpected provider assignment: %v", seen)
	}
}

func TestExtractGTFS_NoAgencyFile(t *testing.T) {
	f := newFakeCatalog(t)
	c := newTestClient(t, f)

	zipPath := writeZipFile(t, t.TempDir(), "feed.zip", map[string]string{
		"stops.txt": "stop_id,stop_lat,stop_lon\n1,47.5,19.0\n",
	})

	if _, err := c.ExtractGTFS(context.Background(), zipPath, ExtractOptions{}); err != nil {
		t.Fatalf("ExtractGTFS failed: %v", err)
	}

	recs, err := c.ListDownloadedDatasets(context.Background())
	if err != nil {
		t.Fatalf("ListDownloadedDatasets failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ProviderName != "Unknown Provider" {
		t.Errorf("expected Unknown Provider fallback, got %+v", recs)
	}
}

func TestExtractGTFS_ExplicitName(t *testing.T) {
	f := newFakeCatalog(t)
	c := newTestClient(t, f)

	zipPath := writeZipFile(t, t.TempDir(), "feed.zip", map[string]string{
		"agency.txt": "agency_id,agency_name\n1,BKK\n",
	})

	if _, err := c.ExtractGTFS(context.Background(), zipPath, ExtractOptions{ProviderName: "My Feed"}); err != nil {
		t.Fatalf("ExtractGTFS failed: %v", err)
	}

	recs, err := c.ListDownloadedDatasets(context.Background())
	if err != nil {
		t.Fatalf("ListDownloadedDatasets failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ProviderName != "My Feed" {
		t.Errorf("explicit name not honored: %+v", recs)
	}
}

func TestExtractGTFS_MissingFile(t *testing.T) {
	f := newFakeCatalog(t)
	c := newTestClient(t, f)

	if _, err := c.ExtractGTFS(context.Background(), filepath.Join(t.TempDir(), "nope.zip"), ExtractOptions{}); err == nil {
		t.Fatal("expected error for missing zip")
	}
}
