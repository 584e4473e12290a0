// Package kbf implements the KBF container format: a single-file,
// random-access, append-with-gap-reuse blob store with a fixed header, a
// data region that may contain gaps, and a trailing variable-width
// directory.
//
// A KBFile is not safe for concurrent use by multiple goroutines; callers
// that need that (package storage) serialize access with their own lock.
package kbf

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"iter"
	"log"
	"os"
	"path/filepath"
	"sort"
)

// Meta describes a stored blob without fetching its bytes.
type Meta struct {
	Size uint64
}

type entry struct {
	offset uint64
	size   uint64
}

// KBFile is one open KBF container.
type KBFile struct {
	name string
	path string
	f    *os.File

	directory map[string]entry

	dataOffset      uint64
	directoryOffset uint64
	freeSpace       uint64
	fileSize        uint64

	closed bool

	logger      *log.Logger
	maxFileSize uint64
}

// Option configures a KBFile at Create/Open time.
type Option func(*KBFile)

// WithLogger attaches a logger used for non-fatal diagnostics (directory
// growth, compaction reclaim). A nil logger (the default) discards them.
func WithLogger(l *log.Logger) Option {
	return func(f *KBFile) { f.logger = l }
}

// WithMaxFileSize overrides MaxFileSize for this container. Storage
// managers that want small containers (for testing rollover, or to bound
// worst-case compaction time) can set this below the 1 GiB default; it
// must still be large enough to hold HEADER_SIZE + PAGE_SIZE.
func WithMaxFileSize(n uint64) Option {
	return func(f *KBFile) { f.maxFileSize = n }
}

func (f *KBFile) logf(format string, args ...any) {
	if f.logger != nil {
		f.logger.Printf(format, args...)
	}
}

// Name returns the container's logical name (derived from the path if not
// given explicitly at Create).
func (f *KBFile) Name() string { return f.name }

// Size returns the extent of the data region in use (free_space -
// data_offset). Gaps left by deleted or replaced blobs are counted; the
// directory is not.
func (f *KBFile) Size() uint64 { return f.freeSpace - f.dataOffset }

func nameFromPath(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

// Create makes a brand new, empty KBF container at path. It fails if path
// already exists.
func Create(path string, name string, opts ...Option) (*KBFile, error) {
	fh, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("kbf: create %s: %w", path, err)
	}

	if name == "" {
		name = nameFromPath(path)
	}

	f := &KBFile{
		name:        name,
		path:        path,
		f:           fh,
		directory:   map[string]entry{},
		dataOffset:  HeaderSize,
		maxFileSize: MaxFileSize,
	}
	for _, opt := range opts {
		opt(f)
	}

	f.directoryOffset = f.dataOffset + PageSize
	f.freeSpace = f.dataOffset

	if err := f.writeHeader(); err != nil {
		fh.Close()
		os.Remove(path)
		return nil, err
	}
	if err := f.writeDirectory(); err != nil {
		fh.Close()
		os.Remove(path)
		return nil, err
	}

	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, fmt.Errorf("kbf: stat %s: %w", path, err)
	}
	f.fileSize = uint64(info.Size())

	return f, nil
}

// Open opens an existing KBF container for reading and writing.
func Open(path string, opts ...Option) (*KBFile, error) {
	fh, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("kbf: open %s: %w", path, err)
	}

	f := &KBFile{
		name:        nameFromPath(path),
		path:        path,
		f:           fh,
		directory:   map[string]entry{},
		maxFileSize: MaxFileSize,
	}
	for _, opt := range opts {
		opt(f)
	}

	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, fmt.Errorf("kbf: stat %s: %w", path, err)
	}
	f.fileSize = uint64(info.Size())

	if err := f.readHeader(); err != nil {
		fh.Close()
		return nil, err
	}
	if f.dataOffset != HeaderSize {
		fh.Close()
		return nil, fmt.Errorf("%w: data_offset %d != header size %d", ErrCorruptFile, f.dataOffset, HeaderSize)
	}
	if err := f.readDirectory(); err != nil {
		fh.Close()
		return nil, err
	}

	return f, nil
}

// Close releases the underlying file handle. Subsequent operations fail
// with ErrClosed.
func (f *KBFile) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	f.directory = nil
	if err := f.f.Close(); err != nil {
		return fmt.Errorf("kbf: close %s: %w", f.path, err)
	}
	return nil
}

func (f *KBFile) checkOpen() error {
	if f.closed {
		return ErrClosed
	}
	return nil
}

func (f *KBFile) writeHeader() error {
	if _, err := f.f.WriteAt(encodeHeader(header{
		dataOffset:      f.dataOffset,
		directoryOffset: f.directoryOffset,
	}), 0); err != nil {
		return fmt.Errorf("kbf: write header: %w", err)
	}
	return nil
}

func (f *KBFile) readHeader() error {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(io.NewSectionReader(f.f, 0, HeaderSize), buf); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	h, err := decodeHeader(buf)
	if err != nil {
		return err
	}
	f.dataOffset = h.dataOffset
	f.directoryOffset = h.directoryOffset
	return nil
}

// writeDirectory rewrites the entire directory region from directoryOffset
// to end of file and truncates there. Used on Create, Delete and whenever
// the directory region grows.
func (f *KBFile) writeDirectory() error {
	keys := make([]string, 0, len(f.directory))
	for k := range f.directory {
		keys = append(keys, k)
	}
	// Stable, deterministic ordering so repeated rewrites of an unchanged
	// directory are byte-identical.
	sort.Strings(keys)

	off := f.directoryOffset
	for _, k := range keys {
		e := f.directory[k]
		buf := encodeDirectoryEntry(directoryEntry{key: []byte(k), offset: e.offset, size: e.size})
		if _, err := f.f.WriteAt(buf, int64(off)); err != nil {
			return fmt.Errorf("kbf: write directory: %w", err)
		}
		off += uint64(len(buf))
	}
	if err := f.f.Truncate(int64(off)); err != nil {
		return fmt.Errorf("kbf: truncate: %w", err)
	}
	f.fileSize = off
	return nil
}

// appendDirectoryEntry appends a single entry at the current end of file
// without rewriting the rest of the directory, then truncates there.
func (f *KBFile) appendDirectoryEntry(key []byte, e entry) error {
	buf := encodeDirectoryEntry(directoryEntry{key: key, offset: e.offset, size: e.size})
	end := int64(f.fileSize)
	if _, err := f.f.WriteAt(buf, end); err != nil {
		return fmt.Errorf("kbf: append directory entry: %w", err)
	}
	newEnd := end + int64(len(buf))
	if err := f.f.Truncate(newEnd); err != nil {
		return fmt.Errorf("kbf: truncate: %w", err)
	}
	f.fileSize = uint64(newEnd)
	return nil
}

func (f *KBFile) readDirectory() error {
	if f.directoryOffset > f.fileSize {
		return fmt.Errorf("%w: directory_offset %d past end of file (%d bytes)", ErrCorruptFile, f.directoryOffset, f.fileSize)
	}
	dirLen := int64(f.fileSize - f.directoryOffset)
	sr := io.NewSectionReader(f.f, int64(f.directoryOffset), dirLen)
	data, err := io.ReadAll(sr)
	if err != nil {
		return fmt.Errorf("%w: reading directory: %v", ErrCorruptFile, err)
	}

	f.directory = map[string]entry{}
	f.freeSpace = f.dataOffset

	i := 0
	for i < len(data) {
		de, consumed, err := decodeDirectoryEntry(data[i:])
		if err != nil {
			return err
		}
		f.directory[string(de.key)] = entry{offset: de.offset, size: de.size}
		if end := de.offset + de.size; end > f.freeSpace {
			f.freeSpace = end
		}
		i += consumed
	}
	return nil
}

// Get returns the stored blob for key.
func (f *KBFile) Get(key []byte) ([]byte, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	e, ok := f.directory[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	buf := make([]byte, e.size)
	if _, err := f.f.ReadAt(buf, int64(e.offset)); err != nil {
		return nil, fmt.Errorf("kbf: read blob: %w", err)
	}
	return buf, nil
}

// SizeOf returns the stored byte length for key.
func (f *KBFile) SizeOf(key []byte) (uint64, error) {
	if err := f.checkOpen(); err != nil {
		return 0, err
	}
	e, ok := f.directory[string(key)]
	if !ok {
		return 0, ErrNotFound
	}
	return e.size, nil
}

// Meta returns size metadata for key.
func (f *KBFile) Meta(key []byte) (Meta, error) {
	size, err := f.SizeOf(key)
	if err != nil {
		return Meta{}, err
	}
	return Meta{Size: size}, nil
}

// Contains reports whether key is present.
func (f *KBFile) Contains(key []byte) bool {
	if f.closed {
		return false
	}
	_, ok := f.directory[string(key)]
	return ok
}

// Keys iterates over every key in the directory, in no particular order.
func (f *KBFile) Keys() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for k := range f.directory {
			if !yield([]byte(k)) {
				return
			}
		}
	}
}

func randomHexKey() ([]byte, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("kbf: generating random key: %w", err)
	}
	out := make([]byte, hex.EncodedLen(len(raw)))
	hex.Encode(out, raw)
	return out, nil
}

// AddBlob stores blob under key, replacing any existing entry for the same
// key in this file. If key is nil, a random 16-hex-digit key is generated.
// It returns the key actually used.
func (f *KBFile) AddBlob(key, blob []byte) ([]byte, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}

	if key != nil && uint64(len(key)) > MaxKeySize {
		return nil, fmt.Errorf("%w: key too long (%d > %d)", ErrInvalidArgument, len(key), MaxKeySize)
	}
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: zero-size blob", ErrInvalidArgument)
	}
	if uint64(len(blob)) > MaxBlobSize {
		return nil, fmt.Errorf("%w: blob too long (%d > %d)", ErrInvalidArgument, len(blob), MaxBlobSize)
	}

	if key == nil {
		var err error
		for {
			key, err = randomHexKey()
			if err != nil {
				return nil, err
			}
			if _, exists := f.directory[string(key)]; !exists {
				break
			}
		}
	}

	if _, exists := f.directory[string(key)]; exists {
		if err := f.deleteLocked(key); err != nil {
			return nil, err
		}
	}

	blobLen := uint64(len(blob))

	// Recompute free_space from the remaining directory entries.
	type offsetEntry struct {
		offset, size uint64
	}
	sorted := make([]offsetEntry, 0, len(f.directory))
	for _, e := range f.directory {
		sorted = append(sorted, offsetEntry{e.offset, e.size})
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].offset < sorted[j].offset })

	if len(sorted) > 0 {
		last := sorted[len(sorted)-1]
		f.freeSpace = last.offset + last.size
	} else {
		f.freeSpace = f.dataOffset
	}

	storeAt := f.freeSpace
	gapFound := false
	for i := 0; i+1 < len(sorted); i++ {
		cur, next := sorted[i], sorted[i+1]
		if next.offset >= cur.offset+cur.size+blobLen {
			storeAt = cur.offset + cur.size
			gapFound = true
			break
		}
	}

	if !gapFound {
		available := f.directoryOffset - f.freeSpace
		newDirOffset := f.directoryOffset
		for available < blobLen {
			newDirOffset += PageSize
			available += PageSize
		}
		if newDirOffset > f.maxFileSize {
			return nil, ErrFileSizeLimitExceeded
		}
		if newDirOffset > f.directoryOffset {
			f.directoryOffset = newDirOffset
			f.logf("kbf: %s: growing directory region to offset %d", f.name, newDirOffset)
			if err := f.writeDirectory(); err != nil {
				return nil, err
			}
			if err := f.writeHeader(); err != nil {
				return nil, err
			}
		}
	}

	if storeAt > MaxOffset {
		return nil, fmt.Errorf("%w: offset too large (%d > %d)", ErrInvalidArgument, storeAt, MaxOffset)
	}

	if _, err := f.f.WriteAt(blob, int64(storeAt)); err != nil {
		return nil, fmt.Errorf("kbf: write blob: %w", err)
	}
	f.freeSpace = storeAt + blobLen

	if err := f.appendDirectoryEntry(key, entry{offset: storeAt, size: blobLen}); err != nil {
		return nil, err
	}
	f.directory[string(key)] = entry{offset: storeAt, size: blobLen}

	return key, nil
}

// Delete removes key from the directory. It does not reclaim the blob's
// byte range until Compact runs.
func (f *KBFile) Delete(key []byte) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	if _, ok := f.directory[string(key)]; !ok {
		return ErrNotFound
	}
	return f.deleteLocked(key)
}

func (f *KBFile) deleteLocked(key []byte) error {
	delete(f.directory, string(key))
	return f.writeDirectory()
}

// Reclaimable returns the number of gap bytes Compact would recover: the
// difference between free_space and the sum of live blob sizes.
func (f *KBFile) Reclaimable() (uint64, error) {
	if err := f.checkOpen(); err != nil {
		return 0, err
	}
	var live uint64
	for _, e := range f.directory {
		live += e.size
	}
	used := f.freeSpace - f.dataOffset
	if used < live {
		return 0, nil
	}
	return used - live, nil
}

// Compact rewrites all live blobs contiguously starting at data_offset,
// in stable offset order, and shrinks the directory region accordingly.
func (f *KBFile) Compact() error {
	if err := f.checkOpen(); err != nil {
		return err
	}

	type liveBlob struct {
		key          string
		offset, size uint64
	}
	blobs := make([]liveBlob, 0, len(f.directory))
	for k, e := range f.directory {
		blobs = append(blobs, liveBlob{k, e.offset, e.size})
	}
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].offset < blobs[j].offset })

	newDirectory := make(map[string]entry, len(blobs))
	writeOff := f.dataOffset

	for _, b := range blobs {
		if b.offset > writeOff {
			buf := make([]byte, b.size)
			if _, err := f.f.ReadAt(buf, int64(b.offset)); err != nil {
				return fmt.Errorf("kbf: compact read: %w", err)
			}
			if _, err := f.f.WriteAt(buf, int64(writeOff)); err != nil {
				return fmt.Errorf("kbf: compact write: %w", err)
			}
		}
		newDirectory[b.key] = entry{offset: writeOff, size: b.size}
		writeOff += b.size
	}

	f.logf("kbf: %s: compacting, reclaiming %d bytes", f.name, f.freeSpace-writeOff)

	f.directoryOffset = nextPageOffset(writeOff)
	f.directory = newDirectory
	f.freeSpace = writeOff

	if err := f.writeHeader(); err != nil {
		return err
	}
	return f.writeDirectory()
}

func nextPageOffset(n uint64) uint64 {
	return ((n + PageSize - 1) / PageSize) * PageSize
}
