// Package stats tracks per-provider request counters and a moving-average
// latency the racing dispatcher uses to order which upstream to start
// first, and exposes both as Prometheus metrics for the debug mux.
package stats

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// defaultLatency is the assumed latency for a provider that hasn't
// completed a request yet. Elapsed times are clamped to 1s, so no moving
// average exceeds it: untested providers sort after, or tied with, every
// measured one in the race order.
const defaultLatency = time.Second

// movingAverageWeight is how much weight the previous average retains on
// each update: next = weight*old + (1-weight)*min(1s, elapsed).
const movingAverageWeight = 0.9

// Collector is safe for concurrent use. A nil *Collector is valid and
// turns every method into a no-op, so wiring it is optional.
type Collector struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	attempts   map[string]uint64
	wins       map[string]uint64
	timeouts   map[string]uint64
	avgLatency map[string]time.Duration

	promAttempts *prometheus.CounterVec
	promWins     *prometheus.CounterVec
	promTimeouts *prometheus.CounterVec
	promLatency  *prometheus.GaugeVec
}

// New constructs a Collector and registers its metrics with reg. Passing a
// nil registry is fine; the Prometheus series are simply never exposed.
func New(reg *prometheus.Registry) *Collector {
	c := &Collector{
		registry:   reg,
		attempts:   make(map[string]uint64),
		wins:       make(map[string]uint64),
		timeouts:   make(map[string]uint64),
		avgLatency: make(map[string]time.Duration),
		promAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dohfwd_provider_attempts_total",
			Help: "Number of times a provider was raced for a query.",
		}, []string{"provider"}),
		promWins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dohfwd_provider_wins_total",
			Help: "Number of times a provider's answer won the race.",
		}, []string{"provider"}),
		promTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dohfwd_provider_timeouts_total",
			Help: "Number of times a provider failed to answer before the race deadline.",
		}, []string{"provider"}),
		promLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dohfwd_provider_latency_seconds",
			Help: "Moving-average successful response latency per provider.",
		}, []string{"provider"}),
	}
	if reg != nil {
		reg.MustRegister(c.promAttempts, c.promWins, c.promTimeouts, c.promLatency)
	}
	return c
}

// OnAttempt records that a provider was started for a query.
func (c *Collector) OnAttempt(name string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts[name]++
	c.promAttempts.WithLabelValues(name).Inc()
}

// OnSuccess records a successful response and updates the moving average.
func (c *Collector) OnSuccess(name string, elapsed time.Duration) {
	if c == nil {
		return
	}
	if elapsed > time.Second {
		elapsed = time.Second
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.avgLatency[name]
	if !ok {
		old = defaultLatency
	}
	next := time.Duration(movingAverageWeight*float64(old) + (1-movingAverageWeight)*float64(elapsed))
	c.avgLatency[name] = next
	c.promLatency.WithLabelValues(name).Set(next.Seconds())
}

// OnTimeout records that a provider failed to answer before the race
// deadline, resetting its moving average back to zero.
func (c *Collector) OnTimeout(name string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.avgLatency[name] = 0
	c.timeouts[name]++
	c.promTimeouts.WithLabelValues(name).Inc()
	c.promLatency.WithLabelValues(name).Set(0)
}

// OnFastest records that name's answer won a race.
func (c *Collector) OnFastest(name string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wins[name]++
	c.promWins.WithLabelValues(name).Inc()
}

// AverageLatency returns the current moving average for name, or
// defaultLatency if nothing has been recorded for it yet (including when c
// is nil).
func (c *Collector) AverageLatency(name string) time.Duration {
	if c == nil {
		return defaultLatency
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.avgLatency[name]; ok {
		return v
	}
	return defaultLatency
}

// ProviderSnapshot is one provider's counters, for the debug JSON dump.
type ProviderSnapshot struct {
	Name             string  `json:"name"`
	Attempts         uint64  `json:"attempts"`
	Wins             uint64  `json:"wins"`
	Timeouts         uint64  `json:"timeouts"`
	AverageLatencyMS float64 `json:"average_latency_ms"`
}

// Snapshot returns a point-in-time copy of every provider's counters seen
// so far, sorted by name.
func (c *Collector) Snapshot() []ProviderSnapshot {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{})
	for name := range c.attempts {
		seen[name] = struct{}{}
	}
	for name := range c.avgLatency {
		seen[name] = struct{}{}
	}
	out := make([]ProviderSnapshot, 0, len(seen))
	for name := range seen {
		out = append(out, ProviderSnapshot{
			Name:             name,
			Attempts:         c.attempts[name],
			Wins:             c.wins[name],
			Timeouts:         c.timeouts[name],
			AverageLatencyMS: float64(c.avgLatency[name]) / float64(time.Millisecond),
		})
	}
	sortSnapshots(out)
	return out
}

func sortSnapshots(s []ProviderSnapshot) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].Name < s[j-1].Name; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
