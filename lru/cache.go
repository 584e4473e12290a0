// Package lru implements a thread-safe, read-through LRU cache that fronts
// any "data source" satisfying the Source interface — typically a
// storage.Storage, but any value with the same shape works, including
// another Cache.
package lru

import (
	"container/list"
	"errors"
	"iter"
	"sync"

	"github.com/ivmfnal/kbstorage/kbf"
)

// Source is the duck-typed shape storage.Storage and Cache itself expose:
// get/put/enumerate/describe/reload. The cache wraps any value satisfying
// it. kbf.KBFile has no Reload method and does not satisfy it.
type Source interface {
	Get(key []byte) ([]byte, error)
	AddBlob(key, blob []byte) ([]byte, error)
	Keys() iter.Seq[[]byte]
	Meta(key []byte) (kbf.Meta, error)
	Reload() error
}

type cacheEntry struct {
	key  string
	blob []byte
}

// Cache is a bounded, MRU-ordered read-through cache. Zero value is not
// usable; construct with New.
type Cache struct {
	mu       sync.Mutex
	source   Source
	capacity int

	index map[string]*list.Element // key -> node in order (front = MRU)
	order *list.List
}

// New wraps source with a cache holding at most capacity entries. A
// capacity below 1 is treated as 1.
func New(source Source, capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		source:   source,
		capacity: capacity,
		index:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// promoteLocked moves key's node to the front of the order list. Caller
// must hold c.mu.
func (c *Cache) promoteLocked(key string) {
	if el, ok := c.index[key]; ok {
		c.order.MoveToFront(el)
	}
}

// insertLocked adds or overwrites key's cached blob at the front, evicting
// from the back until capacity is respected. Caller must hold c.mu.
func (c *Cache) insertLocked(key string, blob []byte) {
	if el, ok := c.index[key]; ok {
		el.Value.(*cacheEntry).blob = blob
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&cacheEntry{key: key, blob: blob})
	c.index[key] = el

	for c.order.Len() > c.capacity {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.order.Remove(back)
		delete(c.index, back.Value.(*cacheEntry).key)
	}
}

// Get returns the blob for key, fetching from the source on a miss.
func (c *Cache) Get(key []byte) ([]byte, error) {
	c.mu.Lock()
	if el, ok := c.index[string(key)]; ok {
		c.order.MoveToFront(el)
		blob := el.Value.(*cacheEntry).blob
		c.mu.Unlock()
		return blob, nil
	}
	c.mu.Unlock()

	blob, err := c.source.Get(key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.insertLocked(string(key), blob)
	c.mu.Unlock()

	return blob, nil
}

// AddBlob forwards to the source and caches the stored key/blob pair.
func (c *Cache) AddBlob(key, blob []byte) ([]byte, error) {
	storedKey, err := c.source.AddBlob(key, blob)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.insertLocked(string(storedKey), blob)
	c.mu.Unlock()

	return storedKey, nil
}

// Meta returns size metadata for key, delegating to the source (metadata
// isn't cached, since the blob bytes themselves are the cached resource).
func (c *Cache) Meta(key []byte) (kbf.Meta, error) {
	return c.source.Meta(key)
}

// Keys enumerates every key known to the source.
func (c *Cache) Keys() iter.Seq[[]byte] {
	return c.source.Keys()
}

// Reload drops all cached entries and reloads the underlying source.
func (c *Cache) Reload() error {
	c.mu.Lock()
	c.index = make(map[string]*list.Element)
	c.order = list.New()
	c.mu.Unlock()

	return c.source.Reload()
}

// Blobs yields (key, blob) pairs for keys: already-cached hits first, in
// input order, then fetched misses in input order. Keys that fail with
// NotFound are silently skipped. Every yielded key is promoted to MRU.
func (c *Cache) Blobs(keys [][]byte) iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		var hitKeys [][]byte
		var hitBlobs [][]byte
		var misses [][]byte

		c.mu.Lock()
		for _, k := range keys {
			if el, ok := c.index[string(k)]; ok {
				hitKeys = append(hitKeys, k)
				hitBlobs = append(hitBlobs, el.Value.(*cacheEntry).blob)
			} else {
				misses = append(misses, k)
			}
		}
		c.mu.Unlock()

		for i, k := range hitKeys {
			c.mu.Lock()
			c.promoteLocked(string(k))
			c.mu.Unlock()
			if !yield(k, hitBlobs[i]) {
				return
			}
		}

		for _, k := range misses {
			blob, err := c.Get(k)
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

// Len reports the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
