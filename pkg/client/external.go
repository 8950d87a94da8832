package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bdamokos/mobility-db-api/internal/logger"
	"github.com/bdamokos/mobility-db-api/pkg/gtfs"
	"github.com/bdamokos/mobility-db-api/pkg/metadata"
)

// externalCounterFile tracks the next ext-N provider ID within a data
// directory. It is shared by every process using the directory, so the
// read-increment-write runs under the same advisory lock mechanism as
// the metadata file.
const externalCounterFile = ".external_provider_counter"

// ExtractOptions tunes ExtractGTFS.
type ExtractOptions struct {
	// ProviderID reuses an existing provider instead of generating an
	// ext-N identifier. Set it to update a known external provider's
	// dataset in place.
	ProviderID string

	// ProviderName overrides the name otherwise read from agency.txt.
	ProviderName string

	// DownloadDir stores the dataset in a custom directory, as in
	// DownloadOptions.
	DownloadDir string
}

// ExtractGTFS registers a local GTFS zip that is not in the catalog.
//
// The file's content hash identifies it: re-extracting an unchanged
// zip reuses the provider identity assigned last time, and a changed
// zip for the same provider supersedes the previous dataset. Provider
// names come from agency.txt when not supplied; feeds with several
// agencies join the names with ", ".
func (c *Client) ExtractGTFS(ctx context.Context, zipPath string, opts ExtractOptions) (string, error) {
	fileHash, err := hashFile(zipPath)
	if err != nil {
		return "", err
	}

	if _, err := c.store.EnsureCurrent(ctx); err != nil {
		return "", err
	}

	providerID := opts.ProviderID
	if providerID == "" {
		providerID = c.findProviderByHash(fileHash, opts.ProviderName)
	}
	if providerID == "" {
		providerID, err = c.nextExternalProviderID(ctx)
		if err != nil {
			return "", err
		}
	}

	baseDir := c.dataDir
	if opts.DownloadDir != "" {
		baseDir = opts.DownloadDir
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	staging := filepath.Join(baseDir, ".extract-"+uuid.NewString())
	if err := extractZipFile(zipPath, staging); err != nil {
		os.RemoveAll(staging)
		return "", err
	}

	providerName := opts.ProviderName
	if providerName == "" {
		if names := gtfs.AgencyNames(staging); len(names) > 0 {
			providerName = strings.Join(names, ", ")
		} else {
			providerName = "Unknown Provider"
		}
	}

	providerDir := filepath.Join(baseDir, providerID+"_"+SanitizeProviderName(providerName))
	if err := os.MkdirAll(providerDir, 0o755); err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("failed to create provider directory: %w", err)
	}

	datasetID := "direct_" + time.Now().Format(datasetIDTimestamp)
	datasetDir := filepath.Join(providerDir, datasetID)
	if err := os.RemoveAll(datasetDir); err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("failed to clear dataset directory: %w", err)
	}
	if err := os.Rename(staging, datasetDir); err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("failed to publish extracted dataset: %w", err)
	}

	record := metadata.DatasetRecord{
		ProviderID:     providerID,
		ProviderName:   providerName,
		DatasetID:      datasetID,
		DownloadDate:   metadata.Timestamp(time.Now()),
		SourceURL:      zipPath,
		IsDirectSource: true,
		ContentHash:    fileHash,
		DownloadPath:   datasetDir,
	}
	record.FeedStartDate, record.FeedEndDate = gtfs.FeedValidity(datasetDir)

	// A new version supersedes the provider's previous dataset; when a
	// name was given it must match, so differently named datasets that
	// merely share a provider ID survive.
	var superseded []metadata.DatasetRecord
	for _, rec := range c.store.Records() {
		if rec.ProviderID != providerID || rec.Key() == record.Key() {
			continue
		}
		if opts.ProviderName != "" && rec.ProviderName != opts.ProviderName {
			continue
		}
		superseded = append(superseded, rec)
	}

	c.store.Put(record)
	for _, old := range superseded {
		c.store.Remove(old.Key())
	}

	if err := c.saveScoped(ctx, opts.DownloadDir); err != nil {
		os.RemoveAll(datasetDir)
		if _, reloadErr := c.store.Reload(ctx, true); reloadErr != nil {
			logger.Error("Failed to resync metadata after save failure: %v", reloadErr)
		}
		return "", err
	}

	for _, old := range superseded {
		if old.DownloadPath != datasetDir && old.Live() {
			logger.Info("Cleaning up old dataset at %s", old.DownloadPath)
			os.RemoveAll(old.DownloadPath)
			removeDirIfEmpty(filepath.Dir(old.DownloadPath))
		}
	}

	return datasetDir, nil
}

// findProviderByHash matches an external zip to a known provider by
// content hash, requiring the name to match too when one was given.
func (c *Client) findProviderByHash(fileHash, providerName string) string {
	for _, rec := range c.store.Records() {
		if rec.ContentHash != fileHash {
			continue
		}
		if providerName != "" && rec.ProviderName != providerName {
			continue
		}
		return rec.ProviderID
	}
	return ""
}

// nextExternalProviderID allocates the next ext-N identifier from the
// shared counter file under an exclusive lock.
func (c *Client) nextExternalProviderID(ctx context.Context) (string, error) {
	counterPath := filepath.Join(c.dataDir, externalCounterFile)

	lock, err := metadata.AcquireLock(ctx, counterPath, metadata.LockWrite, c.store.LockTimeout())
	if err != nil {
		return "", err
	}
	defer lock.Release()

	file, err := os.OpenFile(counterPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to open external provider counter: %w", err)
	}
	defer file.Close()

	data := make([]byte, 64)
	n, _ := file.ReadAt(data, 0)

	counter := 1
	if n > 0 {
		if parsed, err := strconv.Atoi(strings.TrimSpace(string(data[:n]))); err == nil {
			counter = parsed
		}
	}

	if err := file.Truncate(0); err != nil {
		return "", fmt.Errorf("failed to update external provider counter: %w", err)
	}
	if _, err := file.WriteAt([]byte(strconv.Itoa(counter+1)), 0); err != nil {
		return "", fmt.Errorf("failed to update external provider counter: %w", err)
	}

	return "ext-" + strconv.Itoa(counter), nil
}
