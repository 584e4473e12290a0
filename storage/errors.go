package storage

import "github.com/ivmfnal/kbstorage/kbf"

// Re-exported so collaborators never need to import kbf directly just to
// compare errors.
var (
	ErrNotFound              = kbf.ErrNotFound
	ErrInvalidArgument       = kbf.ErrInvalidArgument
	ErrFileSizeLimitExceeded = kbf.ErrFileSizeLimitExceeded
	ErrCorruptFile           = kbf.ErrCorruptFile
)
