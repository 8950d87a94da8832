package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bdamokos/mobility-db-api/internal/logger"
)

// DefaultLockTimeout bounds how long store operations wait for the
// metadata file lock before failing with ErrLockTimeout.
const DefaultLockTimeout = 5 * time.Second

// Fingerprint is a cheap proxy for a metadata file's content, used to
// detect whether another process wrote the file since the last sync
// without re-reading it.
type Fingerprint struct {
	Size    int64
	ModTime time.Time
}

// StoreOptions tunes a Store.
type StoreOptions struct {
	// LockTimeout bounds lock acquisition. Zero means DefaultLockTimeout.
	LockTimeout time.Duration

	// Lenient makes read paths treat an unparsable metadata file as
	// empty instead of failing with ErrCorruptMetadata. The save path
	// is always lenient when merging, regardless of this setting:
	// losing the ability to save is worse than losing stale duplicate
	// detection.
	Lenient bool
}

// Store is the authoritative bridge between the in-memory record
// mapping and one directory's datasets_metadata.json file.
//
// Each Store is owned by a single client instance. Several stores (in
// the same or different processes) may target the same directory; they
// reconcile through EnsureCurrent before trusted reads and through the
// merge performed by Save on every write. In-memory access is guarded
// by a mutex, cross-process access by the advisory file lock.
type Store struct {
	dir         string
	path        string
	lockTimeout time.Duration
	lenient     bool

	mu      sync.Mutex
	records map[string]DatasetRecord
	deleted map[string]struct{}
	fp      Fingerprint
}

// NewStore creates the directory if needed and loads any existing
// metadata file. A missing file is an empty store, not an error.
func NewStore(ctx context.Context, dir string, opts StoreOptions) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}

	s := &Store{
		dir:         dir,
		path:        filepath.Join(dir, MetadataFileName),
		lockTimeout: opts.LockTimeout,
		lenient:     opts.Lenient,
		records:     make(map[string]DatasetRecord),
		deleted:     make(map[string]struct{}),
	}

	if _, err := s.Reload(ctx, true); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the managed directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the metadata file path.
func (s *Store) Path() string {
	return s.path
}

// LockTimeout returns the configured bound on lock acquisition. Other
// per-directory artifacts guarded by the same lock mechanism share it.
func (s *Store) LockTimeout() time.Duration {
	return s.lockTimeout
}

// Get returns the record for a composite key.
func (s *Store) Get(key string) (DatasetRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return rec, ok
}

// Records returns a copy of the in-memory mapping. Callers that must
// observe other processes' recent writes call EnsureCurrent first.
func (s *Store) Records() map[string]DatasetRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]DatasetRecord, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

// Put stages a record in memory. It becomes visible to other processes
// only after Save.
func (s *Store) Put(rec DatasetRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rec.Key()
	s.records[key] = rec
	delete(s.deleted, key)
}

// Remove stages removal of a key. The removal is applied to the shared
// file on the next Save; without the staged tombstone a merge would
// resurrect the record from disk.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; ok {
		delete(s.records, key)
		s.deleted[key] = struct{}{}
	}
}

// HasChanged reports whether the metadata file on disk differs from the
// state this store last synced, by comparing size and mtime only.
func (s *Store) HasChanged() bool {
	s.mu.Lock()
	fp := s.fp
	s.mu.Unlock()

	current, ok := fingerprintOf(s.path)
	if !ok {
		// Missing file: changed only if we previously synced content.
		return fp != Fingerprint{}
	}
	return current != fp
}

// EnsureCurrent reloads from disk iff the fingerprint shows another
// process wrote the file. It returns whether a reload occurred.
func (s *Store) EnsureCurrent(ctx context.Context) (bool, error) {
	if !s.HasChanged() {
		return false, nil
	}
	return s.Reload(ctx, true)
}

// Reload re-reads the metadata file under a shared lock, replacing the
// in-memory mapping and any staged removals. When force is false the
// read is skipped if the fingerprint is unchanged.
//
// A missing or empty file yields an empty mapping. An unparsable file
// fails with ErrCorruptMetadata unless the store is lenient.
func (s *Store) Reload(ctx context.Context, force bool) (bool, error) {
	if !force && !s.HasChanged() {
		return false, nil
	}

	lock, err := AcquireLock(ctx, s.path, LockRead, s.lockTimeout)
	if err != nil {
		return false, err
	}
	defer lock.Release()

	records, fp, err := readPath(s.path)
	if err != nil {
		if s.lenient && errors.Is(err, ErrCorruptMetadata) {
			logger.Warn("Treating corrupt metadata file %s as empty", s.path)
			records, fp = make(map[string]DatasetRecord), Fingerprint{}
		} else {
			return false, err
		}
	}

	s.mu.Lock()
	s.records = records
	s.deleted = make(map[string]struct{})
	s.fp = fp
	s.mu.Unlock()

	logger.Debug("Reloaded %d metadata records from %s", len(records), s.path)
	return true, nil
}

// Save persists this store's records under an exclusive lock, merging
// with whatever is currently on disk so that concurrent writers
// targeting different keys both survive. Writers racing on the same
// key resolve to whichever commits last under the lock.
//
// When scopeDir is empty the store's own directory and metadata file
// are used. When given, the write targets scopeDir's metadata file and
// only records whose download path lies inside scopeDir are written;
// records already in that file stay untouched unless this store staged
// a change for their key.
//
// The file is written atomically (temp file in the same directory,
// fsync, rename), so a concurrent reader never observes a partial
// write. Corrupt disk state encountered during the merge is treated as
// empty rather than failing the save.
func (s *Store) Save(ctx context.Context, scopeDir string) error {
	targetDir := scopeDir
	if targetDir == "" {
		targetDir = s.dir
	}
	targetPath := filepath.Join(targetDir, MetadataFileName)

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory for metadata: %w", err)
	}

	lock, err := AcquireLock(ctx, targetPath, LockWrite, s.lockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	merged, _, err := readPath(targetPath)
	if err != nil {
		logger.Warn("Merging over unreadable metadata at %s: %v", targetPath, err)
		merged = make(map[string]DatasetRecord)
	}

	s.mu.Lock()
	for key := range s.deleted {
		delete(merged, key)
	}
	for key, rec := range s.records {
		if pathWithin(targetDir, rec.DownloadPath) {
			merged[key] = rec
		}
	}
	s.mu.Unlock()

	fp, err := writeRecordsAtomic(targetDir, targetPath, merged)
	if err != nil {
		return err
	}

	if targetPath == s.path {
		s.mu.Lock()
		s.records = merged
		s.deleted = make(map[string]struct{})
		s.fp = fp
		s.mu.Unlock()
	}

	logger.Debug("Saved %d metadata records to %s", len(merged), targetPath)
	return nil
}

// readPath reads the metadata file fresh by path. Callers hold the
// guarding lock, so the content and fingerprint describe the same
// version of the file even though writers replace it by rename. A
// missing file is an empty mapping.
func readPath(path string) (map[string]DatasetRecord, Fingerprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]DatasetRecord), Fingerprint{}, nil
		}
		return nil, Fingerprint{}, fmt.Errorf("failed to read metadata file: %w", err)
	}

	fp, _ := fingerprintOf(path)

	records, err := decodeRecords(data)
	if err != nil {
		return nil, Fingerprint{}, err
	}
	return records, fp, nil
}

func decodeRecords(data []byte) (map[string]DatasetRecord, error) {
	records := make(map[string]DatasetRecord)
	if len(strings.TrimSpace(string(data))) == 0 {
		// An empty file means no records yet.
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	return records, nil
}

func writeRecordsAtomic(dir, path string, records map[string]DatasetRecord) (Fingerprint, error) {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return Fingerprint{}, fmt.Errorf("failed to encode metadata: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".datasets_metadata-*.json")
	if err != nil {
		return Fingerprint{}, fmt.Errorf("failed to create temp metadata file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Fingerprint{}, fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Fingerprint{}, fmt.Errorf("failed to sync metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Fingerprint{}, fmt.Errorf("failed to close temp metadata file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return Fingerprint{}, fmt.Errorf("failed to replace metadata file: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("failed to stat metadata file: %w", err)
	}
	return Fingerprint{Size: info.Size(), ModTime: info.ModTime()}, nil
}

// LoadFile reads a metadata file without going through a Store. A
// missing file yields an empty mapping; an unparsable one fails with
// ErrCorruptMetadata.
func LoadFile(path string) (map[string]DatasetRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]DatasetRecord), nil
		}
		return nil, fmt.Errorf("failed to read metadata file: %w", err)
	}
	return decodeRecords(data)
}

// SortedKeys returns the mapping's keys in stable order. Listings and
// tests use it to make output deterministic.
func SortedKeys(records map[string]DatasetRecord) []string {
	keys := make([]string, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func fingerprintOf(path string) (Fingerprint, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return Fingerprint{}, false
	}
	return Fingerprint{Size: info.Size(), ModTime: info.ModTime()}, true
}

// pathWithin reports whether path is inside dir (or equal to it).
func pathWithin(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
