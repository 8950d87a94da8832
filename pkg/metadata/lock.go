package metadata

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// LockMode selects shared or exclusive locking.
type LockMode int

const (
	// LockRead is a shared lock: any number of readers may hold it
	// concurrently, but it excludes writers.
	LockRead LockMode = iota

	// LockWrite is an exclusive lock: it excludes all other readers
	// and writers.
	LockWrite
)

const lockRetryInterval = 10 * time.Millisecond

// lockSuffix is appended to the protected path to form the sidecar
// artifact the flock is actually taken on.
const lockSuffix = ".lock"

// FileLock is a held advisory lock guarding a metadata file.
//
// Locks are not re-entrant: a goroutine that acquires a second lock on
// the same file while holding an exclusive one blocks until the timeout
// expires. Callers release on every exit path, typically via defer.
type FileLock struct {
	file *os.File
}

// AcquireLock obtains an advisory flock guarding path. The flock is
// taken on a sidecar artifact (path + ".lock"), never on path itself:
// writers replace the protected file by rename, and a flock held on a
// renamed-away inode no longer excludes writers that open the path
// afterwards. The artifact is created as needed; the protected file is
// left untouched.
//
// AcquireLock polls in non-blocking mode until the lock is obtained,
// the context is cancelled, or timeout elapses, in which case it fails
// with ErrLockTimeout.
//
// The lock is advisory: it coordinates cooperating clients (threads or
// processes on the same machine), it does not stop unrelated programs
// from touching the file.
func AcquireLock(ctx context.Context, path string, mode LockMode, timeout time.Duration) (*FileLock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path+lockSuffix, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	op := unix.LOCK_SH
	if mode == LockWrite {
		op = unix.LOCK_EX
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(file.Fd()), op|unix.LOCK_NB)
		if err == nil {
			return &FileLock{file: file}, nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			file.Close()
			return nil, fmt.Errorf("failed to lock %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			file.Close()
			return nil, fmt.Errorf("%s: %w", path, ErrLockTimeout)
		}
		select {
		case <-ctx.Done():
			file.Close()
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// Release drops the lock and closes the descriptor. Safe to call once;
// the usual pattern is defer lock.Release() right after acquisition.
func (l *FileLock) Release() error {
	if l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	return closeErr
}
