package client

import "errors"

// ErrExtractionFailed indicates a downloaded archive could not be
// unpacked. The operation aborts and partial temp state is removed;
// nothing is committed to metadata.
var ErrExtractionFailed = errors.New("dataset extraction failed")
