package client

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// hashBytes returns the SHA-256 hex digest of data. This is the
// content hash stored for every dataset: it is computed over the raw
// downloaded archive bytes, before extraction.
func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// hashFile returns the SHA-256 hex digest of a file's content,
// streaming so large archives are not held in memory twice.
func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// extractZip unpacks a GTFS archive into destDir, creating it if
// needed. Entries escaping destDir are rejected. Any failure is
// reported as ErrExtractionFailed; the caller removes destDir.
func extractZip(data []byte, destDir string) error {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	return extractEntries(reader.File, destDir)
}

// extractZipFile unpacks an archive already on disk, used for external
// GTFS zips supplied by the caller.
func extractZipFile(zipPath, destDir string) error {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	defer reader.Close()
	return extractEntries(reader.File, destDir)
}

func extractEntries(entries []*zip.File, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create extraction directory: %w", err)
	}

	for _, entry := range entries {
		target, err := safeJoin(destDir, entry.Name)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrExtractionFailed, err)
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("%w: %v", ErrExtractionFailed, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrExtractionFailed, err)
		}
		if err := extractEntry(entry, target); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(entry *zip.File, target string) error {
	src, err := entry.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	return nil
}

// safeJoin joins an archive entry name onto destDir, rejecting names
// that would escape it (zip-slip).
func safeJoin(destDir, name string) (string, error) {
	target := filepath.Join(destDir, name)
	rel, err := filepath.Rel(destDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes extraction directory", name)
	}
	return target, nil
}

// dirSize sums the size of all regular files under path.
func dirSize(path string) int64 {
	var total int64
	filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// removeDirIfEmpty removes a directory only when it holds nothing at
// all. A file the user placed there keeps the directory alive; so does
// another dataset version.
func removeDirIfEmpty(dir string) {
	// os.Remove refuses to delete non-empty directories, which is
	// exactly the directory-safety rule.
	os.Remove(dir)
}
