package cache

import (
	"fmt"

	"github.com/mikispag/dns-over-https-forwarder/cache/internal/store"
)

// MemoryBackend is the default in-process Backend: a bounded LRU/MFA store
// keyed on the raw byte blobs the cache hands it, with no notion of TTLs of
// its own (expiry is entirely a property of the stored blob's content).
type MemoryBackend struct {
	s *store.BoundedStore
}

// NewMemoryBackend constructs a Backend backed by a fixed-size LRU/MFA store.
// evictMetrics enables the recently-evicted-miss bookkeeping at the cost of
// doubling the metrics memory footprint.
func NewMemoryBackend(size int, evictMetrics bool) (*MemoryBackend, error) {
	s, err := store.New(size, evictMetrics)
	if err != nil {
		return nil, fmt.Errorf("cache: new memory backend: %w", err)
	}
	return &MemoryBackend{s: s}, nil
}

// Get implements Backend.
func (b *MemoryBackend) Get(key string) ([]byte, bool) {
	return b.s.Get(key)
}

// Set implements Backend.
func (b *MemoryBackend) Set(key string, value []byte) error {
	b.s.Put(key, value)
	return nil
}

// ExpireAt implements Backend by decoding the stored entry and returning its
// hard expiry.
func (b *MemoryBackend) ExpireAt(key string) (int64, bool) {
	v, ok := b.s.Get(key)
	if !ok {
		return 0, false
	}
	e, err := decodeEntry(v)
	if err != nil {
		return 0, false
	}
	return e.Expiry, true
}

// Delete implements Backend.
func (b *MemoryBackend) Delete(key string) error {
	b.s.Delete(key)
	return nil
}

// Metrics exposes the underlying store's hit/miss counters, useful for the
// stats collector's debug dump.
func (b *MemoryBackend) Metrics() store.CacheMetrics {
	return b.s.Metrics()
}
