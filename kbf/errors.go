package kbf

import "errors"

// Sentinel errors surfaced by a KBFile. Callers should compare with
// errors.Is, since most paths wrap these with extra context.
var (
	// ErrNotFound is returned when a key is absent from a file's directory.
	ErrNotFound = errors.New("kbf: key not found")

	// ErrInvalidArgument is returned by AddBlob for oversized keys/blobs,
	// zero-size blobs, or a store offset past MaxOffset. A nil key passed to
	// a lookup is not rejected with it; the lookup reports ErrNotFound.
	ErrInvalidArgument = errors.New("kbf: invalid argument")

	// ErrFileSizeLimitExceeded is returned when growing the directory
	// region would push directory_offset past MAX_FILE_SIZE.
	ErrFileSizeLimitExceeded = errors.New("kbf: file size limit exceeded")

	// ErrCorruptFile is returned when a file fails to parse as a KBF
	// container: bad signature, data_offset mismatch, or a truncated
	// directory entry.
	ErrCorruptFile = errors.New("kbf: corrupt file")

	// ErrClosed is returned by any operation on a KBFile after Close.
	ErrClosed = errors.New("kbf: file is closed")
)
