package metadata

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireLock_UsesSidecarArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), MetadataFileName)

	lock, err := AcquireLock(context.Background(), path, LockRead, time.Second)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(path + lockSuffix); err != nil {
		t.Errorf("expected lock artifact to exist: %v", err)
	}
	// Locking, read mode included, must not create the metadata file:
	// only a save does that.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected metadata file to stay absent, stat err = %v", err)
	}
}

func TestAcquireLock_SharedReadersCoexist(t *testing.T) {
	path := filepath.Join(t.TempDir(), MetadataFileName)

	first, err := AcquireLock(context.Background(), path, LockRead, time.Second)
	if err != nil {
		t.Fatalf("first read lock failed: %v", err)
	}
	defer first.Release()

	second, err := AcquireLock(context.Background(), path, LockRead, time.Second)
	if err != nil {
		t.Fatalf("second read lock should coexist with first: %v", err)
	}
	second.Release()
}

func TestAcquireLock_WriteExcludesWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), MetadataFileName)

	held, err := AcquireLock(context.Background(), path, LockWrite, time.Second)
	if err != nil {
		t.Fatalf("write lock failed: %v", err)
	}
	defer held.Release()

	_, err = AcquireLock(context.Background(), path, LockWrite, 50*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}

func TestAcquireLock_WriteExcludesRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), MetadataFileName)

	held, err := AcquireLock(context.Background(), path, LockWrite, time.Second)
	if err != nil {
		t.Fatalf("write lock failed: %v", err)
	}
	defer held.Release()

	_, err = AcquireLock(context.Background(), path, LockRead, 50*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}

func TestAcquireLock_ReleaseUnblocksWaiter(t *testing.T) {
	path := filepath.Join(t.TempDir(), MetadataFileName)

	held, err := AcquireLock(context.Background(), path, LockWrite, time.Second)
	if err != nil {
		t.Fatalf("write lock failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		lock, err := AcquireLock(context.Background(), path, LockWrite, 2*time.Second)
		if err == nil {
			lock.Release()
		}
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	held.Release()

	if err := <-done; err != nil {
		t.Fatalf("waiter should acquire after release: %v", err)
	}
}

func TestAcquireLock_ContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), MetadataFileName)

	held, err := AcquireLock(context.Background(), path, LockWrite, time.Second)
	if err != nil {
		t.Fatalf("write lock failed: %v", err)
	}
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err = AcquireLock(ctx, path, LockWrite, 10*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), MetadataFileName)

	lock, err := AcquireLock(context.Background(), path, LockWrite, time.Second)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("first release failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
}
