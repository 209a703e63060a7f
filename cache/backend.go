// Package cache implements the merge-on-write, depth-1-CNAME-chasing DNS
// answer cache: the "fast path" the dispatcher always starts a few
// milliseconds ahead of the upstream providers.
package cache

import (
	"encoding/json"
	"fmt"
)

// Backend is the pluggable storage contract the cache is built on. A value
// stored under a key is an opaque blob (a JSON-encoded CacheEntry); Backend
// implementations never need to understand DNS.
//
// The default Backend is an in-process bounded store (see NewMemoryBackend).
// A remote KV-backed implementation is a drop-in replacement: nothing above
// this interface depends on the storage being local.
type Backend interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte) error
	ExpireAt(key string) (int64, bool)
	Delete(key string) error
}

// entry is the value stored under a cache key: the surviving records plus
// the entry's hard expiry.
type entry struct {
	Records []record `json:"records"`
	Expiry  int64    `json:"expiry"`
}

type record struct {
	Type   uint16 `json:"type"`
	Expiry int64  `json:"expiry"`
	Data   string `json:"data"`
}

func decodeEntry(b []byte) (entry, error) {
	var e entry
	if err := json.Unmarshal(b, &e); err != nil {
		return entry{}, fmt.Errorf("cache: decode entry: %w", err)
	}
	return e, nil
}

func encodeEntry(e entry) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("cache: encode entry: %w", err)
	}
	return b, nil
}

func dnsKey(name string) string {
	return "dns:" + name
}
