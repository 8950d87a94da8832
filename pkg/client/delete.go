package client

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/bdamokos/mobility-db-api/internal/logger"
	"github.com/bdamokos/mobility-db-api/pkg/metadata"
)

// DeleteDataset removes one downloaded dataset: its extracted
// directory and its metadata record. When datasetID is empty the
// provider's most recently downloaded dataset is chosen. It reports
// whether a matching dataset was found.
//
// The provider's container directory is removed afterwards only if it
// ended up completely empty; files the user placed there keep it
// alive.
func (c *Client) DeleteDataset(ctx context.Context, providerID, datasetID string) (bool, error) {
	if _, err := c.store.EnsureCurrent(ctx); err != nil {
		return false, err
	}

	var matches []metadata.DatasetRecord
	for _, rec := range c.store.Records() {
		if rec.ProviderID == providerID && (datasetID == "" || rec.DatasetID == datasetID) {
			matches = append(matches, rec)
		}
	}
	if len(matches) == 0 {
		logger.Warn("No matching dataset found for provider %s", providerID)
		return false, nil
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].DownloadDate.Time().After(matches[j].DownloadDate.Time())
	})
	target := matches[0]

	if err := c.deleteRecords(ctx, []metadata.DatasetRecord{target}); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteProviderDatasets removes every dataset tracked for a provider.
// It reports whether anything was deleted.
func (c *Client) DeleteProviderDatasets(ctx context.Context, providerID string) (bool, error) {
	if _, err := c.store.EnsureCurrent(ctx); err != nil {
		return false, err
	}

	var matches []metadata.DatasetRecord
	for _, rec := range c.store.Records() {
		if rec.ProviderID == providerID {
			matches = append(matches, rec)
		}
	}
	if len(matches) == 0 {
		return false, nil
	}
	if err := c.deleteRecords(ctx, matches); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteAllDatasets removes every dataset tracked in the client's data
// directory. Deleting from an empty store is a no-op. Files and
// directories the system did not create are preserved.
func (c *Client) DeleteAllDatasets(ctx context.Context) error {
	if _, err := c.store.EnsureCurrent(ctx); err != nil {
		return err
	}

	records := c.store.Records()
	if len(records) == 0 {
		return nil
	}

	all := make([]metadata.DatasetRecord, 0, len(records))
	for _, key := range metadata.SortedKeys(records) {
		all = append(all, records[key])
	}
	return c.deleteRecords(ctx, all)
}

// deleteRecords removes the given datasets' directories and records,
// commits the removals, then prunes any provider directories left
// completely empty.
func (c *Client) deleteRecords(ctx context.Context, records []metadata.DatasetRecord) error {
	providerDirs := make(map[string]struct{})

	for _, rec := range records {
		if rec.Live() {
			if err := os.RemoveAll(rec.DownloadPath); err != nil {
				return err
			}
			logger.Info("Deleted dataset directory: %s", rec.DownloadPath)
		}
		providerDirs[filepath.Dir(rec.DownloadPath)] = struct{}{}
		c.store.Remove(rec.Key())
	}

	if err := c.store.Save(ctx, ""); err != nil {
		return err
	}

	for dir := range providerDirs {
		removeDirIfEmpty(dir)
	}
	return nil
}
