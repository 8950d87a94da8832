package metadata

import "errors"

var (
	// ErrLockTimeout indicates the metadata lock could not be acquired
	// within the configured timeout. The operation did not run and can
	// be retried.
	ErrLockTimeout = errors.New("metadata lock timeout")

	// ErrCorruptMetadata indicates the on-disk metadata file could not
	// be parsed. Read paths surface it; the save path treats corrupt
	// disk state as empty so a writer can always recover the file.
	ErrCorruptMetadata = errors.New("corrupt metadata file")
)
