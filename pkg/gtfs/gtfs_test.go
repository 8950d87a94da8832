package gtfs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFeedFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

func TestFeedValidity(t *testing.T) {
	dir := t.TempDir()
	writeFeedFile(t, dir, "feed_info.txt",
		"feed_publisher_name,feed_lang,feed_start_date,feed_end_date\n"+
			"BKK,hu,20240101,20241231\n")

	start, end := FeedValidity(dir)
	if start != "20240101" || end != "20241231" {
		t.Errorf("got (%q, %q), want (20240101, 20241231)", start, end)
	}
}

func TestFeedValidity_MissingFile(t *testing.T) {
	start, end := FeedValidity(t.TempDir())
	if start != "" || end != "" {
		t.Errorf("missing feed_info.txt should yield empty dates, got (%q, %q)", start, end)
	}
}

func TestFeedValidity_MissingColumns(t *testing.T) {
	dir := t.TempDir()
	writeFeedFile(t, dir, "feed_info.txt",
		"feed_publisher_name,feed_lang\nBKK,hu\n")

	start, end := FeedValidity(dir)
	if start != "" || end != "" {
		t.Errorf("absent date columns should yield empty dates, got (%q, %q)", start, end)
	}
}

func TestAgencyNames(t *testing.T) {
	dir := t.TempDir()
	writeFeedFile(t, dir, "agency.txt",
		"agency_id,agency_name,agency_url,agency_timezone\n"+
			"1,BKK,https://bkk.hu,Europe/Budapest\n"+
			"2,MAV,https://mav.hu,Europe/Budapest\n")

	names := AgencyNames(dir)
	if strings.Join(names, ",") != "BKK,MAV" {
		t.Errorf("got %v, want [BKK MAV]", names)
	}
}

func TestAgencyNames_MissingFile(t *testing.T) {
	if names := AgencyNames(t.TempDir()); names != nil {
		t.Errorf("expected nil for missing agency.txt, got %v", names)
	}
}

func TestCalculateBoundingBox(t *testing.T) {
	dir := t.TempDir()
	writeFeedFile(t, dir, "stops.txt",
		"stop_id,stop_name,stop_lat,stop_lon\n"+
			"1,A,47.4979,19.0402\n"+
			"2,B,47.5316,21.6273\n"+
			"3,C,46.2530,20.1414\n")

	box, ok := CalculateBoundingBox(dir)
	if !ok {
		t.Fatal("expected a bounding box")
	}
	if box.MinLat != 46.2530 || box.MaxLat != 47.5316 {
		t.Errorf("latitude extent wrong: %+v", box)
	}
	if box.MinLon != 19.0402 || box.MaxLon != 21.6273 {
		t.Errorf("longitude extent wrong: %+v", box)
	}
}

func TestCalculateBoundingBox_SkipsBadRows(t *testing.T) {
	dir := t.TempDir()
	writeFeedFile(t, dir, "stops.txt",
		"stop_id,stop_lat,stop_lon\n"+
			"1,47.5,19.0\n"+
			"2,,\n"+
			"3,not-a-number,19.1\n"+
			"4,95.0,19.2\n"+ // out of range
			"5,47.6,191.0\n") // out of range

	box, ok := CalculateBoundingBox(dir)
	if !ok {
		t.Fatal("expected a bounding box from the one valid row")
	}
	if box.MinLat != 47.5 || box.MaxLat != 47.5 || box.MinLon != 19.0 || box.MaxLon != 19.0 {
		t.Errorf("bad rows leaked into the box: %+v", box)
	}
}

func TestCalculateBoundingBox_NoUsableStops(t *testing.T) {
	dir := t.TempDir()
	writeFeedFile(t, dir, "stops.txt", "stop_id,stop_lat,stop_lon\n1,,\n")

	if _, ok := CalculateBoundingBox(dir); ok {
		t.Error("expected ok=false with no usable coordinates")
	}

	if _, ok := CalculateBoundingBox(t.TempDir()); ok {
		t.Error("expected ok=false for missing stops.txt")
	}
}

func TestDecodeAll_EmptyInput(t *testing.T) {
	rows, err := DecodeAll[agencyRow](strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty input should not fail: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no rows, got %d", len(rows))
	}
}
