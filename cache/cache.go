package cache

import (
	"time"

	"github.com/mikispag/dns-over-https-forwarder/dnsanswer"
)

// hardExpiryCeiling bounds how far in the future a cache entry's hard expiry
// can be pushed, regardless of how long-lived the underlying records are.
const hardExpiryCeiling = 24 * time.Hour

// Cache is the merge-on-write, depth-1-CNAME-chasing DNS answer cache.
// It never blocks on I/O longer than its Backend does, and a Backend error
// is always treated as a cache miss rather than surfaced to the caller: a
// cache outage degrades to upstreams-only, it never produces a SERVFAIL by
// itself.
type Cache struct {
	backend Backend
	now     func() time.Time
}

// New constructs a Cache over the given Backend.
func New(backend Backend) *Cache {
	return &Cache{backend: backend, now: time.Now}
}

// WithClock overrides the cache's notion of the current time, for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Resolve answers a query purely from the cache. It reports false if the
// name isn't cached at all, or every cached record for it has expired.
// ANY queries are never served from the cache; they are answered by
// upstreams only.
func (c *Cache) Resolve(name string, qtype uint16) (*dnsanswer.Answer, bool) {
	if qtype == dnsanswer.TypeANY {
		return nil, false
	}
	rrs, found := c.lookup(name, qtype, true)
	if !found || len(rrs) == 0 {
		return nil, false
	}
	return &dnsanswer.Answer{
		Status:     0,
		RD:         true,
		RA:         true,
		Question:   []dnsanswer.Question{{Name: name, Type: qtype}},
		Answer:     rrs,
		NameClient: "Cache",
	}, true
}

// lookup filters the cached records for name by type (or CNAME, or
// everything for an ANY query) and, when chase is set, follows exactly one
// level of CNAME indirection. found reports whether name had a cache entry
// at all, independent of whether any record in it matched qtype.
func (c *Cache) lookup(name string, qtype uint16, chase bool) (rrs []dnsanswer.RR, found bool) {
	raw, ok := c.backend.Get(dnsKey(name))
	if !ok {
		return nil, false
	}
	e, err := decodeEntry(raw)
	if err != nil {
		return nil, false
	}

	now := c.now().Unix()
	if e.Expiry <= now {
		_ = c.backend.Delete(dnsKey(name))
		return nil, false
	}
	var cnames []string
	for _, r := range e.Records {
		if r.Expiry <= now {
			continue
		}
		if qtype != dnsanswer.TypeANY && r.Type != qtype && r.Type != dnsanswer.CNAMEType {
			continue
		}
		rrs = append(rrs, dnsanswer.RR{
			Name: name,
			Type: r.Type,
			TTL:  uint32(r.Expiry - now),
			Data: r.Data,
		})
		if r.Type == dnsanswer.CNAMEType {
			cnames = append(cnames, r.Data)
		}
	}
	if chase {
		for _, cname := range cnames {
			sub, ok := c.lookup(cname, qtype, false)
			if ok {
				rrs = append(rrs, sub...)
			}
		}
	}
	return rrs, true
}

// Store merges a freshly-resolved answer into the cache: each record's
// expiry is the max of any existing expiry and now+TTL, expired records are
// dropped, and the entry's own hard expiry is the sooner of 24h from now or
// the furthest-out surviving record.
func (c *Cache) Store(a *dnsanswer.Answer) {
	name := a.QuestionName()
	if name == "" || len(a.Answer) == 0 {
		return
	}
	key := dnsKey(name)
	now := c.now().Unix()

	type mergeKey struct {
		typ  uint16
		data string
	}
	merger := make(map[mergeKey]int64)

	if raw, ok := c.backend.Get(key); ok {
		if old, err := decodeEntry(raw); err == nil {
			for _, r := range old.Records {
				merger[mergeKey{r.Type, r.Data}] = r.Expiry
			}
		}
	}

	for _, rr := range a.Answer {
		if rr.Name != name {
			continue
		}
		mk := mergeKey{rr.Type, rr.Data}
		expiry := now + int64(rr.TTL)
		if merger[mk] < expiry {
			merger[mk] = expiry
		}
	}

	var records []record
	var maxExpiry int64
	for mk, expiry := range merger {
		if expiry <= now {
			continue
		}
		records = append(records, record{Type: mk.typ, Expiry: expiry, Data: mk.data})
		if expiry > maxExpiry {
			maxExpiry = expiry
		}
	}

	if len(records) == 0 {
		_ = c.backend.Delete(key)
		return
	}

	hardExpiry := now + int64(hardExpiryCeiling.Seconds())
	if maxExpiry < hardExpiry {
		hardExpiry = maxExpiry
	}

	encoded, err := encodeEntry(entry{Records: records, Expiry: hardExpiry})
	if err != nil {
		return
	}
	_ = c.backend.Set(key, encoded)
}
