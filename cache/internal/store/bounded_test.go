package store

import "testing"

func TestBoundedStore(t *testing.T) {
	tests := []struct {
		name        string
		ops         func(t *testing.T, c *BoundedStore)
		wantMetrics CacheMetrics
	}{
		{
			name: "miss then hit via LRU",
			ops: func(t *testing.T, c *BoundedStore) {
				c.Put("a", []byte("1"))
				if _, ok := c.Get("missing"); ok {
					t.Fatalf("Get(missing) = hit, want miss")
				}
				if v, ok := c.Get("a"); !ok || string(v) != "1" {
					t.Fatalf("Get(a) = (%q,%t), want (1,true)", v, ok)
				}
			},
			wantMetrics: CacheMetrics{MissMFA: 2, MissLRU: 1, HitLRU: 1, Miss: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(4, true)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			tt.ops(t, c)
			if got := c.Metrics(); got != tt.wantMetrics {
				t.Errorf("Metrics() = %+v, want %+v", got, tt.wantMetrics)
			}
		})
	}
}

func TestBoundedStoreDelete(t *testing.T) {
	c, err := New(4, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	if !c.Delete("a") {
		t.Fatalf("Delete(a) = false, want true")
	}
	if c.Delete("a") {
		t.Fatalf("Delete(a) twice = true, want false")
	}
	if _, ok := c.Get("a"); ok {
		t.Fatalf("Get(a) after Delete: hit, want miss")
	}
	if v, ok := c.Get("b"); !ok || string(v) != "2" {
		t.Fatalf("Get(b) after unrelated Delete: (%q,%t), want (2,true)", v, ok)
	}
	if got, want := c.Len(), 1; got != want {
		t.Fatalf("Len() = %d, want %d", got, want)
	}
}

func TestBoundedStoreNilReceiver(t *testing.T) {
	var c *BoundedStore
	if _, ok := c.Get("x"); ok {
		t.Fatalf("nil BoundedStore.Get = hit, want miss")
	}
	c.Put("x", []byte("1"))
	if c.Delete("x") {
		t.Fatalf("nil BoundedStore.Delete = true, want false")
	}
	if got := c.Len(); got != 0 {
		t.Fatalf("nil BoundedStore.Len() = %d, want 0", got)
	}
}

func TestBoundedStoreCapTooSmall(t *testing.T) {
	if _, err := New(1, false); err == nil {
		t.Fatalf("New(1, false) = nil error, want error")
	}
	if _, err := New(0, false); err == nil {
		t.Fatalf("New(0, false) = nil error, want error")
	}
}
