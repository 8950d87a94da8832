// Package gtfs reads the handful of GTFS files the client needs to
// describe an extracted dataset: feed validity dates, agency names and
// the stop bounding box. It is introspection only; it does not build a
// full feed model.
package gtfs

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jszwec/csvutil"
)

// feedInfoRow maps the feed_info.txt columns we care about. Extra
// columns in the file are ignored by the decoder.
type feedInfoRow struct {
	FeedStartDate string `csv:"feed_start_date"`
	FeedEndDate   string `csv:"feed_end_date"`
}

type agencyRow struct {
	AgencyName string `csv:"agency_name"`
}

// stopRow keeps coordinates as strings so rows with blank or malformed
// values can be skipped instead of failing the whole file.
type stopRow struct {
	StopLat string `csv:"stop_lat"`
	StopLon string `csv:"stop_lon"`
}

// BoundingBox is the min/max extent of a feed's stop coordinates.
type BoundingBox struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
}

// FeedValidity returns the feed_start_date and feed_end_date declared
// in feed_info.txt, as GTFS YYYYMMDD strings. A missing or unreadable
// file is not an error; both values come back empty.
func FeedValidity(datasetDir string) (start, end string) {
	rows, err := decodeFile[feedInfoRow](filepath.Join(datasetDir, "feed_info.txt"))
	if err != nil || len(rows) == 0 {
		return "", ""
	}
	return rows[0].FeedStartDate, rows[0].FeedEndDate
}

// AgencyNames returns every agency_name found in agency.txt. A feed may
// declare several agencies. Missing or unreadable files yield nil.
func AgencyNames(datasetDir string) []string {
	rows, err := decodeFile[agencyRow](filepath.Join(datasetDir, "agency.txt"))
	if err != nil {
		return nil
	}
	var names []string
	for _, row := range rows {
		if row.AgencyName != "" {
			names = append(names, row.AgencyName)
		}
	}
	return names
}

// CalculateBoundingBox computes the extent of the valid stop
// coordinates in stops.txt. Rows with blank, malformed or out-of-range
// coordinates are skipped. ok is false when stops.txt is missing,
// unreadable, or holds no usable coordinates.
func CalculateBoundingBox(datasetDir string) (box BoundingBox, ok bool) {
	rows, err := decodeFile[stopRow](filepath.Join(datasetDir, "stops.txt"))
	if err != nil {
		return BoundingBox{}, false
	}

	for _, row := range rows {
		lat, errLat := strconv.ParseFloat(strings.TrimSpace(row.StopLat), 64)
		lon, errLon := strconv.ParseFloat(strings.TrimSpace(row.StopLon), 64)
		if errLat != nil || errLon != nil {
			continue
		}
		if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			continue
		}
		if !ok {
			box = BoundingBox{MinLat: lat, MaxLat: lat, MinLon: lon, MaxLon: lon}
			ok = true
			continue
		}
		box.MinLat = min(box.MinLat, lat)
		box.MaxLat = max(box.MaxLat, lat)
		box.MinLon = min(box.MinLon, lon)
		box.MaxLon = max(box.MaxLon, lon)
	}
	return box, ok
}

// decodeFile decodes a whole header-indexed CSV file into rows of T.
// Unknown columns are ignored; an empty file yields no rows.
func decodeFile[T any](path string) ([]T, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return DecodeAll[T](file)
}

// DecodeAll decodes header-indexed CSV content from r into rows of T.
func DecodeAll[T any](r io.Reader) ([]T, error) {
	decoder, err := csvutil.NewDecoder(csv.NewReader(r))
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to create CSV decoder: %w", err)
	}

	var rows []T
	if err := decoder.Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode CSV data: %w", err)
	}
	return rows, nil
}
