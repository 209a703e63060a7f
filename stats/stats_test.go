package stats

import (
	"testing"
	"time"
)

func TestAverageLatencyDefaultsForUnknownProvider(t *testing.T) {
	c := New(nil)
	if got := c.AverageLatency("nope"); got != defaultLatency {
		t.Fatalf("AverageLatency(unknown) = %v, want %v", got, defaultLatency)
	}
}

func TestOnSuccessAppliesMovingAverageFormula(t *testing.T) {
	c := New(nil)

	// First sample starts from defaultLatency (1s): 0.9*1s + 0.1*100ms = 910ms.
	c.OnSuccess("cloudflare", 100*time.Millisecond)
	want := time.Duration(0.9*float64(time.Second) + 0.1*float64(100*time.Millisecond))
	if got := c.AverageLatency("cloudflare"); got != want {
		t.Fatalf("AverageLatency after first sample = %v, want %v", got, want)
	}

	// Second sample folds in from the new average.
	old := want
	c.OnSuccess("cloudflare", 50*time.Millisecond)
	want = time.Duration(0.9*float64(old) + 0.1*float64(50*time.Millisecond))
	if got := c.AverageLatency("cloudflare"); got != want {
		t.Fatalf("AverageLatency after second sample = %v, want %v", got, want)
	}
}

func TestOnSuccessClampsElapsedToOneSecond(t *testing.T) {
	c := New(nil)
	c.OnSuccess("google", 5*time.Second)
	want := time.Duration(0.9*float64(time.Second) + 0.1*float64(time.Second))
	if got := c.AverageLatency("google"); got != want {
		t.Fatalf("AverageLatency with clamped elapsed = %v, want %v", got, want)
	}
}

func TestOnTimeoutResetsAverageToZero(t *testing.T) {
	c := New(nil)
	c.OnSuccess("cloudflare", 100*time.Millisecond)
	c.OnTimeout("cloudflare")
	if got := c.AverageLatency("cloudflare"); got != 0 {
		t.Fatalf("AverageLatency after timeout = %v, want 0", got)
	}
}

func TestSnapshotReflectsCounters(t *testing.T) {
	c := New(nil)
	c.OnAttempt("cloudflare")
	c.OnAttempt("cloudflare")
	c.OnFastest("cloudflare")
	c.OnAttempt("google")
	c.OnTimeout("google")

	snap := c.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot len = %d, want 2", len(snap))
	}
	// Sorted by name: cloudflare, google.
	if snap[0].Name != "cloudflare" || snap[0].Attempts != 2 || snap[0].Wins != 1 {
		t.Fatalf("snap[0] = %+v, want cloudflare/2 attempts/1 win", snap[0])
	}
	if snap[1].Name != "google" || snap[1].Timeouts != 1 {
		t.Fatalf("snap[1] = %+v, want google/1 timeout", snap[1])
	}
}

func TestNilCollectorMethodsAreNoop(t *testing.T) {
	var c *Collector
	c.OnAttempt("x")
	c.OnSuccess("x", time.Millisecond)
	c.OnTimeout("x")
	c.OnFastest("x")
	if got := c.AverageLatency("x"); got != defaultLatency {
		t.Fatalf("nil Collector AverageLatency = %v, want %v", got, defaultLatency)
	}
	if got := c.Snapshot(); got != nil {
		t.Fatalf("nil Collector Snapshot = %v, want nil", got)
	}
}
