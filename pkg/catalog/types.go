// Package catalog talks to the Mobility Database: the authenticated
// REST API when a refresh token is available, falling back to the
// published CSV catalog otherwise. Responses are validated into small
// tagged structs at this boundary; nothing map-shaped escapes.
package catalog

import "errors"

// ErrFetchFailed indicates a network failure or a non-success HTTP
// status while fetching bytes. It is retryable; callers abort the
// surrounding dataset operation and report "no result".
var ErrFetchFailed = errors.New("fetch failed")

// SourceInfo describes where a provider publishes its own feed.
type SourceInfo struct {
	// ProducerURL is the publisher's direct download URL, when one is
	// known. Direct downloads carry no authoritative hash.
	ProducerURL string `json:"producer_url,omitempty"`
}

// LatestDataset describes the newest catalog-hosted snapshot of a
// provider's feed.
type LatestDataset struct {
	// ID is the catalog's identifier for this dataset version.
	ID string `json:"id"`

	// HostedURL is the catalog's mirrored download location.
	HostedURL string `json:"hosted_url,omitempty"`

	// Hash is the catalog-advertised content hash. Optional; when
	// present it is authoritative for change detection.
	Hash string `json:"hash,omitempty"`
}

// Provider is one catalog entry for a GTFS publisher.
type Provider struct {
	// ID is the stable catalog identifier (e.g. "mdb-123", "tld-5862").
	ID string `json:"id"`

	// Name is the provider's display name.
	Name string `json:"provider"`

	// SourceInfo holds the producer's own URLs.
	SourceInfo SourceInfo `json:"source_info"`

	// LatestDataset is the newest hosted snapshot; nil when the
	// catalog has none for this provider.
	LatestDataset *LatestDataset `json:"latest_dataset,omitempty"`

	// CountryCode, Status and Features are only populated from the
	// CSV catalog; the REST API shapes them differently and the
	// client does not depend on them.
	CountryCode string `json:"country,omitempty"`
	Status      string `json:"status,omitempty"`
	Features    string `json:"features,omitempty"`
}
