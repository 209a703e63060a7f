package cache

import "testing"

func TestMemoryBackendRoundTrip(t *testing.T) {
	b, err := NewMemoryBackend(8, false)
	if err != nil {
		t.Fatalf("NewMemoryBackend: %v", err)
	}

	e := entry{Records: []record{{Type: 1, Expiry: 1700000300, Data: "1.2.3.4"}}, Expiry: 1700000300}
	encoded, err := encodeEntry(e)
	if err != nil {
		t.Fatalf("encodeEntry: %v", err)
	}
	if err := b.Set("dns:example.com.", encoded); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := b.Get("dns:example.com.")
	if !ok {
		t.Fatalf("Get: miss, want hit")
	}
	decoded, err := decodeEntry(got)
	if err != nil {
		t.Fatalf("decodeEntry: %v", err)
	}
	if decoded.Expiry != e.Expiry || len(decoded.Records) != len(e.Records) || decoded.Records[0] != e.Records[0] {
		t.Fatalf("round-tripped entry = %+v, want %+v", decoded, e)
	}

	if expiry, ok := b.ExpireAt("dns:example.com."); !ok || expiry != e.Expiry {
		t.Fatalf("ExpireAt = (%d,%t), want (%d,true)", expiry, ok, e.Expiry)
	}

	if err := b.Delete("dns:example.com."); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := b.Get("dns:example.com."); ok {
		t.Fatalf("Get after Delete: hit, want miss")
	}
}

func TestMemoryBackendMissingKey(t *testing.T) {
	b, err := NewMemoryBackend(8, false)
	if err != nil {
		t.Fatalf("NewMemoryBackend: %v", err)
	}
	if _, ok := b.Get("dns:nowhere."); ok {
		t.Fatalf("Get: hit, want miss")
	}
	if _, ok := b.ExpireAt("dns:nowhere."); ok {
		t.Fatalf("ExpireAt: hit, want miss")
	}
}
