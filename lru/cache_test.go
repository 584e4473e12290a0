package lru

import (
	"fmt"
	"iter"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ivmfnal/kbstorage/kbf"
)

// fakeSource is an in-memory Source for cache tests, independent of the
// on-disk kbf/storage engines.
type fakeSource struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	gets    int
	reloads int
}

func newFakeSource() *fakeSource {
	return &fakeSource{blobs: map[string][]byte{}}
}

func (s *fakeSource) Get(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	v, ok := s.blobs[string(key)]
	if !ok {
		return nil, kbf.ErrNotFound
	}
	return v, nil
}

func (s *fakeSource) AddBlob(key, blob []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == nil {
		key = []byte(fmt.Sprintf("generated-%d", len(s.blobs)))
	}
	s.blobs[string(key)] = blob
	return key, nil
}

func (s *fakeSource) Keys() iter.Seq[[]byte] {
	s.mu.Lock()
	keys := make([][]byte, 0, len(s.blobs))
	for k := range s.blobs {
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

func (s *fakeSource) Meta(key []byte) (kbf.Meta, error) {
	blob, err := s.Get(key)
	if err != nil {
		return kbf.Meta{}, err
	}
	return kbf.Meta{Size: uint64(len(blob))}, nil
}

func (s *fakeSource) Reload() error {
	s.mu.Lock()
	s.reloads++
	s.mu.Unlock()
	return nil
}

// Property 8: capacity 3, accesses a,b,c,a,d -> surviving keys {c,a,d}, b evicted.
func TestLRUPromotionAndEviction(t *testing.T) {
	src := newFakeSource()
	for _, k := range []string{"a", "b", "c", "d"} {
		_, err := src.AddBlob([]byte(k), []byte(k+"-value"))
		require.NoError(t, err)
	}

	c := New(src, 3)

	for _, k := range []string{"a", "b", "c", "a", "d"} {
		_, err := c.Get([]byte(k))
		require.NoError(t, err)
	}

	require.Equal(t, 3, c.Len())

	_, hasA := c.index["a"]
	_, hasB := c.index["b"]
	_, hasC := c.index["c"]
	_, hasD := c.index["d"]

	require.True(t, hasA)
	require.False(t, hasB, "b should have been evicted")
	require.True(t, hasC)
	require.True(t, hasD)
}

func TestGetPromotesAndServesFromCacheOnHit(t *testing.T) {
	src := newFakeSource()
	_, err := src.AddBlob([]byte("k"), []byte("v"))
	require.NoError(t, err)

	c := New(src, 10)

	_, err = c.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, 1, src.gets)

	_, err = c.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, 1, src.gets, "second get should be served from cache, not the source")
}

func TestAddBlobCachesResult(t *testing.T) {
	src := newFakeSource()
	c := New(src, 10)

	key, err := c.AddBlob([]byte("k"), []byte("v"))
	require.NoError(t, err)
	require.Equal(t, "k", string(key))

	got, err := c.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v", string(got))
	require.Equal(t, 0, src.gets, "value should have come from cache, not a source fetch")
}

func TestBlobsOrderAndSkipOnMiss(t *testing.T) {
	src := newFakeSource()
	for _, k := range []string{"a", "b", "c"} {
		_, err := src.AddBlob([]byte(k), []byte(k+"-value"))
		require.NoError(t, err)
	}

	c := New(src, 10)
	// Warm "b" into the cache so it's a hit while "a" and "c" are misses.
	_, err := c.Get([]byte("b"))
	require.NoError(t, err)

	var gotKeys []string
	for k, v := range c.Blobs([][]byte{[]byte("a"), []byte("missing"), []byte("b"), []byte("c")}) {
		gotKeys = append(gotKeys, string(k)+"="+string(v))
	}

	require.Equal(t, []string{"b=b-value", "a=a-value", "c=c-value"}, gotKeys)
}

func TestReloadClearsCache(t *testing.T) {
	src := newFakeSource()
	_, err := src.AddBlob([]byte("k"), []byte("v"))
	require.NoError(t, err)

	c := New(src, 10)
	_, err = c.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	require.NoError(t, c.Reload())
	require.Equal(t, 0, c.Len())
	require.Equal(t, 1, src.reloads)
}
