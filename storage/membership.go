package storage

import "github.com/bits-and-blooms/bloom/v3"

// membership is a whole-storage Bloom filter giving a fast "key definitely
// absent" check ahead of the mutex-protected keyMap lookup, covering every
// container a Storage holds.
type membership struct {
	filter *bloom.BloomFilter
}

// newMembership sizes the filter for n expected keys at a 1% false-positive
// rate.
func newMembership(n uint) *membership {
	if n < 1000 {
		n = 1000
	}
	return &membership{filter: bloom.NewWithEstimates(n, 0.01)}
}

func (m *membership) add(key []byte) {
	m.filter.Add(key)
}

// maybeContains returns false only when key is certainly absent; true means
// "might be present" and callers must still consult keyMap.
func (m *membership) maybeContains(key []byte) bool {
	return m.filter.Test(key)
}

// rebuild replaces the filter's contents with exactly the given keys, used
// after Open/Reload when the live key set is known up front. Bloom filters
// don't support removal, so a rebuild is the only way a key leaves the
// filter.
func (m *membership) rebuild(keys [][]byte) {
	m.filter = bloom.NewWithEstimates(uint(max(len(keys), 1000)), 0.01)
	for _, k := range keys {
		m.filter.Add(k)
	}
}
