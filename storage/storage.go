// Package storage implements the multi-file storage manager: discovery of
// existing KBF containers under a root directory, a global key→container
// index, routing of writes to a "current" container, and rollover to a
// fresh container on capacity exhaustion.
package storage

import (
	"errors"
	"fmt"
	"iter"
	"log"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ivmfnal/kbstorage/kbf"
)

// Storage is a directory of KBF containers addressed by a single global
// key space. Not safe for concurrent use by multiple processes rooted at
// the same directory — callers must own a root exclusively; safe for
// concurrent goroutines within one process via mu.
type Storage struct {
	mu sync.Mutex

	root string

	files   map[string]*kbf.KBFile // container name -> open file
	keyMap  map[string]string      // key -> owning container name
	current *kbf.KBFile

	members *membership
	logger  *log.Logger

	containerMaxFileSize uint64 // 0 means kbf's default (1 GiB)
}

// Option configures a Storage at construction time.
type Option func(*Storage)

// WithLogger attaches a logger for non-fatal diagnostics (rollover events).
func WithLogger(l *log.Logger) Option {
	return func(s *Storage) { s.logger = l }
}

// WithContainerMaxFileSize caps every container this Storage creates or
// opens at n bytes instead of kbf's 1 GiB default. Small values force more
// frequent rollover; useful for bounding container size in production as
// well as for exercising rollover in tests.
func WithContainerMaxFileSize(n uint64) Option {
	return func(s *Storage) { s.containerMaxFileSize = n }
}

func (s *Storage) containerOpts() []kbf.Option {
	opts := []kbf.Option{kbf.WithLogger(s.logger)}
	if s.containerMaxFileSize > 0 {
		opts = append(opts, kbf.WithMaxFileSize(s.containerMaxFileSize))
	}
	return opts
}

func (s *Storage) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// Open discovers every container under root (root/*/*/*.kbf), opens it,
// and builds the global key index. If no containers exist, it creates one.
func Open(root string, opts ...Option) (*Storage, error) {
	s := &Storage{
		root:   root,
		files:  map[string]*kbf.KBFile{},
		keyMap: map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.discover(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) discover() error {
	matches, err := filepath.Glob(filepath.Join(s.root, "*", "*", "*.kbf"))
	if err != nil {
		return fmt.Errorf("storage: scanning %s: %w", s.root, err)
	}

	s.files = map[string]*kbf.KBFile{}
	s.keyMap = map[string]string{}

	var allKeys [][]byte

	for _, path := range matches {
		f, err := kbf.Open(path, s.containerOpts()...)
		if err != nil {
			return fmt.Errorf("storage: opening %s: %w", path, err)
		}
		s.files[f.Name()] = f
		for k := range f.Keys() {
			keyCopy := append([]byte(nil), k...)
			s.keyMap[string(k)] = f.Name()
			allKeys = append(allKeys, keyCopy)
		}
	}

	s.members = newMembership(uint(len(allKeys)))
	s.members.rebuild(allKeys)

	if len(s.files) == 0 {
		nf, err := s.newFileLocked()
		if err != nil {
			return err
		}
		s.current = nf
		return nil
	}

	s.current = smallestFile(s.files)
	return nil
}

func smallestFile(files map[string]*kbf.KBFile) *kbf.KBFile {
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)

	var best *kbf.KBFile
	for _, n := range names {
		f := files[n]
		if best == nil || f.Size() < best.Size() {
			best = f
		}
	}
	return best
}

// Reload discards all in-memory state and re-scans the root directory.
func (s *Storage) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.files {
		f.Close()
	}
	return s.discover()
}

// Keys iterates every key across every container.
func (s *Storage) Keys() iter.Seq[[]byte] {
	s.mu.Lock()
	keys := make([][]byte, 0, len(s.keyMap))
	for k := range s.keyMap {
		keys = append(keys, []byte(k))
	}
	s.mu.Unlock()

	return func(yield func([]byte) bool) {
		for _, k := range keys {
			if !yield(k) {
				return
			}
		}
	}
}

// Get returns the blob stored under key.
func (s *Storage) Get(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.ownerLocked(key)
	if err != nil {
		return nil, err
	}
	return f.Get(key)
}

// Meta returns size metadata for key.
func (s *Storage) Meta(key []byte) (kbf.Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.ownerLocked(key)
	if err != nil {
		return kbf.Meta{}, err
	}
	return f.Meta(key)
}

// Contains reports whether key exists anywhere in the storage.
func (s *Storage) Contains(key []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.members != nil && !s.members.maybeContains(key) {
		return false
	}
	_, ok := s.keyMap[string(key)]
	return ok
}

func (s *Storage) ownerLocked(key []byte) (*kbf.KBFile, error) {
	if s.members != nil && !s.members.maybeContains(key) {
		return nil, kbf.ErrNotFound
	}
	name, ok := s.keyMap[string(key)]
	if !ok {
		return nil, kbf.ErrNotFound
	}
	f, ok := s.files[name]
	if !ok {
		return nil, fmt.Errorf("storage: key_map points at unknown container %q", name)
	}
	return f, nil
}

// AddBlob stores blob under key, routed to the current container, rolling
// over to a fresh container and retrying once if the current one is full.
// If key is already present globally under a different container, the old
// entry is deleted first so no key is ever live in two containers at once.
func (s *Storage) AddBlob(key, blob []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key != nil {
		if owner, ok := s.keyMap[string(key)]; ok && owner != s.current.Name() {
			if f, ok := s.files[owner]; ok {
				if err := f.Delete(key); err != nil && !errors.Is(err, kbf.ErrNotFound) {
					return nil, err
				}
			}
			delete(s.keyMap, string(key))
		}
	}

	storedKey, err := s.current.AddBlob(key, blob)
	if errors.Is(err, kbf.ErrFileSizeLimitExceeded) {
		s.logf("storage: container %s full, rolling over", s.current.Name())
		nf, ferr := s.newFileLocked()
		if ferr != nil {
			return nil, ferr
		}
		s.current = nf
		storedKey, err = s.current.AddBlob(key, blob)
	}
	if err != nil {
		return nil, err
	}

	s.keyMap[string(storedKey)] = s.current.Name()
	if s.members != nil {
		s.members.add(storedKey)
	}
	return storedKey, nil
}

// BulkGet fetches many keys in input order, yielding (key, blob) pairs and
// silently skipping keys that fail with NotFound, as lru.Cache.Blobs does.
// Unlike Cache.Blobs, which yields its cached hits before its misses,
// BulkGet always yields in input order.
func (s *Storage) BulkGet(keys [][]byte) iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		for _, k := range keys {
			blob, err := s.Get(k)
			if errors.Is(err, kbf.ErrNotFound) {
				continue
			}
			if err != nil {
				return
			}
			if !yield(k, blob) {
				return
			}
		}
	}
}

// newFileLocked creates a fresh container with a unique random name under
// the fan-out directory structure. Caller must hold s.mu.
func (s *Storage) newFileLocked() (*kbf.KBFile, error) {
	var name string
	for {
		candidate, err := randomContainerName()
		if err != nil {
			return nil, err
		}
		if _, exists := s.files[candidate]; !exists {
			name = candidate
			break
		}
	}

	if err := ensureFanOutDir(s.root, name); err != nil {
		return nil, fmt.Errorf("storage: creating fan-out dir for %s: %w", name, err)
	}
	path, err := fanOutPath(s.root, name)
	if err != nil {
		return nil, err
	}

	f, err := kbf.Create(path, name, s.containerOpts()...)
	if err != nil {
		return nil, err
	}
	s.files[name] = f
	return f, nil
}

// Close releases every open container's file handle.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
