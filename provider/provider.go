// Package provider maintains a warm pool of DoH connections to a single
// upstream (cloudflare, google, ...) and offers a provider-level Resolve
// with intra-provider retry across that pool.
package provider

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/mikispag/dns-over-https-forwarder/dnsanswer"
	"github.com/mikispag/dns-over-https-forwarder/dnserror"
	"github.com/mikispag/dns-over-https-forwarder/doh"
)

// Config describes one upstream DoH endpoint.
type Config struct {
	Name string
	Host string
	Path string
	IPv4 []string
	IPv6 []string
	// RefusesANY is set for providers (cloudflare) that reject qtype=255
	// requests outright rather than answering them.
	RefusesANY bool
}

// Cloudflare and Google are the two built-in provider configurations.
var (
	Cloudflare = Config{
		Name:       "cloudflare",
		Host:       "cloudflare-dns.com",
		Path:       "/dns-query",
		IPv4:       []string{"1.0.0.1", "1.1.1.1"},
		IPv6:       []string{"2606:4700:4700::1111", "2606:4700:4700::1001"},
		RefusesANY: true,
	}
	Google = Config{
		Name: "google",
		Host: "dns.google",
		Path: "/resolve",
		IPv4: []string{"8.8.4.4", "8.8.8.8"},
		IPv6: []string{"2001:4860:4860::8844", "2001:4860:4860::8888"},
	}
)

const (
	// minWarmConnections is the floor the supervisor loop tries to keep the
	// live connection set at.
	minWarmConnections = 2
	// attemptTimeout bounds a single connection's resolve attempt within a
	// provider-level Resolve call.
	attemptTimeout = 300 * time.Millisecond
	// deadConnectionBackoff is added on top of the jitter when a connection
	// exits having never served a single successful request.
	deadConnectionBackoff = 1 * time.Second
	// noConnectionsRetryWait is how long Resolve waits before re-checking
	// for a connection to appear, when the pool is momentarily empty.
	noConnectionsRetryWait = 1 * time.Second
)

// staggerDelays are the Happy-Eyeballs-style intra-provider retry delays:
// if no result has arrived yet, launch another untried connection.
var staggerDelays = []time.Duration{200 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second}

func jitter() time.Duration {
	return time.Duration(rand.Float64() * float64(time.Second))
}

// dialFunc matches doh.DialIP's signature, overridable in tests.
type dialFunc func(ctx context.Context, name, ip, host, path string) (*doh.Connection, error)

// Client owns the warm connection pool for a single provider.
type Client struct {
	cfg Config
	dial dialFunc

	mu          sync.Mutex
	connections map[*doh.Connection]struct{}
}

// New constructs a Client for cfg. It does not dial anything until Run is
// called.
func New(cfg Config) *Client {
	return &Client{
		cfg:         cfg,
		dial:        doh.DialIP,
		connections: make(map[*doh.Connection]struct{}),
	}
}

// Name returns the provider's name, as tagged on NameClient.
func (c *Client) Name() string { return c.cfg.Name }

// RefusesANY reports whether this provider declines ANY (qtype=255)
// queries outright.
func (c *Client) RefusesANY() bool { return c.cfg.RefusesANY }

func (c *Client) addConnection(conn *doh.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connections[conn] = struct{}{}
}

func (c *Client) removeConnection(conn *doh.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.connections, conn)
}

func (c *Client) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.connections)
}

// liveConnections returns a snapshot of the current connection set.
func (c *Client) liveConnections() []*doh.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*doh.Connection, 0, len(c.connections))
	for conn := range c.connections {
		out = append(out, conn)
	}
	return out
}

// pickUntried returns a random live connection not already present in
// tried, or nil if every live connection has been tried (or there are none).
func (c *Client) pickUntried(tried map[*doh.Connection]bool) *doh.Connection {
	candidates := c.liveConnections()
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	for _, conn := range candidates {
		if !tried[conn] {
			return conn
		}
	}
	return nil
}

// Run dials and supervises the warm pool until ctx is cancelled. It cycles
// through ipv6+ipv4 addresses, keeps at least minWarmConnections live, and
// redials promptly on disconnect (with extra jittered backoff for a
// connection that never completed a single successful request).
func (c *Client) Run(ctx context.Context) {
	addrs := append(append([]string{}, c.cfg.IPv6...), c.cfg.IPv4...)
	if len(addrs) == 0 {
		return
	}
	idx := 0
	dead := make(chan *doh.Connection, 8)

	watch := func(conn *doh.Connection) {
		go func() {
			<-conn.Done()
			select {
			case dead <- conn:
			case <-ctx.Done():
			}
		}()
	}

	ensure := func() {
		for c.count() < minWarmConnections {
			ip := addrs[idx%len(addrs)]
			idx++
			conn, err := c.dial(ctx, c.cfg.Name, ip, c.cfg.Host, c.cfg.Path)
			if err != nil {
				select {
				case <-time.After(jitter()):
				case <-ctx.Done():
					return
				}
				continue
			}
			c.addConnection(conn)
			watch(conn)
		}
	}

	ensure()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for _, conn := range c.liveConnections() {
				conn.Close()
			}
			return
		case conn := <-dead:
			_, successes := conn.Stats()
			c.removeConnection(conn)
			if successes == 0 {
				select {
				case <-time.After(deadConnectionBackoff + jitter()):
				case <-ctx.Done():
					return
				}
			}
			ensure()
		case <-ticker.C:
			ensure()
		}
	}
}

type attemptResult struct {
	answer *dnsanswer.Answer
	err    error
}

// Resolve races this provider's warm connections for name/qtype, staggering
// additional attempts at 200ms, 1s, 2s and 4s if no result has arrived yet.
// The first success wins; it does not wait for or cancel the others.
func (c *Client) Resolve(ctx context.Context, name string, qtype uint16, do bool) (*dnsanswer.Answer, error) {
	if qtype == dnsanswer.TypeANY && c.cfg.RefusesANY {
		return nil, fmt.Errorf("provider %s: %w: refuses ANY queries", c.cfg.Name, dnserror.WontResolve)
	}

	results := make(chan attemptResult, len(staggerDelays)+1)
	tried := make(map[*doh.Connection]bool)
	pending := 0

	launch := func() bool {
		conn := c.pickUntried(tried)
		if conn == nil {
			return false
		}
		tried[conn] = true
		pending++
		go func(conn *doh.Connection) {
			attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
			defer cancel()
			a, err := conn.Resolve(attemptCtx, name, qtype, do)
			results <- attemptResult{a, err}
		}(conn)
		return true
	}

	var lastErr error
	launch()
	delayIdx := 0
	for {
		var nextStagger <-chan time.Time
		if delayIdx < len(staggerDelays) {
			nextStagger = time.After(staggerDelays[delayIdx])
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("provider %s: %w", c.cfg.Name, dnserror.WontResolve)
		case r := <-results:
			pending--
			if r.err == nil {
				return r.answer, nil
			}
			lastErr = r.err
			if pending == 0 && !launch() {
				select {
				case <-time.After(noConnectionsRetryWait):
				case <-ctx.Done():
					return nil, fmt.Errorf("provider %s: %w: %v", c.cfg.Name, dnserror.WontResolve, lastErr)
				}
				launch()
			}
		case <-nextStagger:
			delayIdx++
			launch()
		}
	}
}
