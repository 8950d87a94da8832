// Package metadata implements the on-disk dataset index shared by every
// client instance that manages the same data directory.
//
// Each managed directory owns one datasets_metadata.json file mapping
// "{provider_id}_{dataset_id}" keys to DatasetRecord entries. Multiple
// processes read and write the same file; writers serialize through an
// advisory file lock and merge with the on-disk state before writing,
// so two processes downloading different datasets never erase each
// other's records.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// MetadataFileName is the index file created in every managed directory.
const MetadataFileName = "datasets_metadata.json"

// Timestamp is a time.Time that round-trips the ISO-8601 strings found
// in existing metadata files. It accepts both zoned (RFC 3339) and
// naive timestamps on read and always writes RFC 3339.
type Timestamp time.Time

const naiveLayout = "2006-01-02T15:04:05"

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Time(t).Format(time.RFC3339))), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("invalid timestamp %s", s)
	}
	s = s[1 : len(s)-1]
	if parsed, err := time.Parse(time.RFC3339, s); err == nil {
		*t = Timestamp(parsed)
		return nil
	}
	parsed, err := time.Parse(naiveLayout, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	*t = Timestamp(parsed)
	return nil
}

// Time returns the underlying time.Time.
func (t Timestamp) Time() time.Time {
	return time.Time(t)
}

// DatasetRecord is one persisted entry per downloaded dataset.
//
// ContentHash is always populated with the SHA-256 of the raw downloaded
// bytes. APIProvidedHash is only set for catalog-hosted downloads and,
// when present, is authoritative for change detection.
type DatasetRecord struct {
	// ProviderID is the stable catalog identifier of the provider.
	ProviderID string `json:"provider_id"`

	// ProviderName is a display string. It is derived data and carries
	// no identity: two records may share a name but never a key.
	ProviderName string `json:"provider_name"`

	// DatasetID is unique per version at a provider. Catalog-hosted
	// datasets carry the catalog's ID; direct and external sources get
	// a locally generated timestamp-based ID.
	DatasetID string `json:"dataset_id"`

	// DownloadDate records when the dataset was fetched.
	DownloadDate Timestamp `json:"download_date"`

	// SourceURL is where the raw bytes came from.
	SourceURL string `json:"source_url"`

	// IsDirectSource is true when the dataset was fetched from the
	// producer's own URL rather than a catalog-hosted snapshot.
	IsDirectSource bool `json:"is_direct_source"`

	// APIProvidedHash is the hash advertised by the catalog, if any.
	APIProvidedHash string `json:"api_provided_hash"`

	// ContentHash is the SHA-256 hex digest of the downloaded archive.
	ContentHash string `json:"file_hash"`

	// DownloadPath is the directory holding the extracted dataset.
	DownloadPath string `json:"download_path"`

	// FeedStartDate and FeedEndDate are validity dates parsed from
	// feed_info.txt, in GTFS YYYYMMDD form. Empty when the feed does
	// not declare them.
	FeedStartDate string `json:"feed_start_date"`
	FeedEndDate   string `json:"feed_end_date"`
}

// MarshalJSON writes the optional fields as explicit nulls instead of
// empty strings, matching the schema index files written by other
// tooling use. Unmarshalling accepts either form: a null leaves the
// string field at its zero value.
func (r DatasetRecord) MarshalJSON() ([]byte, error) {
	type alias DatasetRecord
	aux := struct {
		alias
		APIProvidedHash *string `json:"api_provided_hash"`
		FeedStartDate   *string `json:"feed_start_date"`
		FeedEndDate     *string `json:"feed_end_date"`
	}{alias: alias(r)}
	if r.APIProvidedHash != "" {
		aux.APIProvidedHash = &r.APIProvidedHash
	}
	if r.FeedStartDate != "" {
		aux.FeedStartDate = &r.FeedStartDate
	}
	if r.FeedEndDate != "" {
		aux.FeedEndDate = &r.FeedEndDate
	}
	return json.Marshal(aux)
}

// Key returns the composite key identifying this record within a store.
func (r DatasetRecord) Key() string {
	return Key(r.ProviderID, r.DatasetID)
}

// Key builds the composite "{provider_id}_{dataset_id}" store key.
func Key(providerID, datasetID string) string {
	return providerID + "_" + datasetID
}

// Live reports whether the record's download path still exists as a
// directory. Records whose directory has disappeared are filtered from
// listings instead of being purged.
func (r DatasetRecord) Live() bool {
	info, err := os.Stat(r.DownloadPath)
	return err == nil && info.IsDir()
}
