// Package doh implements a single long-lived DNS-over-HTTPS (JSON variant)
// connection: one TLS+HTTP/2 session to one upstream IP, with admission
// control and a self-extending deadline, driven by hand rather than through
// net/http's pooled transport so the provider package can keep exactly the
// connections it wants warm.
package doh

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/mikispag/dns-over-https-forwarder/dnsanswer"
	"github.com/mikispag/dns-over-https-forwarder/dnserror"
)

// State is a Connection's position in its dial -> serve -> drain -> exit
// lifecycle.
type State int

const (
	StateConnected State = iota
	StateDraining
	StateExited
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

const (
	// maxInFlight bounds the number of concurrent streams a single
	// Connection will admit.
	maxInFlight = 3
	// requestDeadline is how far out a Resolve call tightens the
	// connection's deadline while it's in flight.
	requestDeadline = 2 * time.Second
	// extendDeadline is how far a successful response pushes the deadline
	// back out when other streams are still active.
	extendDeadline = 10 * time.Second
	// maxServedRequests is the soft cap after which a successful response
	// no longer extends the deadline: the connection keeps serving, but the
	// deadline each request tightens stands, so it naturally cycles out.
	maxServedRequests = 100
)

// Connection is one TLS+HTTP/2 session to a single DoH upstream IP.
type Connection struct {
	name string // provider name, used to tag NameClient and in errors
	addr string // ip:port dialed
	host string // SNI / :authority
	path string // URL path, e.g. "/dns-query"

	cc *http2.ClientConn

	mu        sync.Mutex
	state     State
	deadline  time.Time // zero means no deadline
	attempted int
	successes int
	served    int

	sem     chan struct{} // admission control, capacity maxInFlight
	resetCh chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// defaultTLSConfig matches the TLS posture named1's NameConnection sets up:
// TLS 1.2+, ALPN h2, AEAD-GCM ciphers, certificate validation required.
func defaultTLSConfig(host string) *tls.Config {
	return &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"h2"},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		},
	}
}

// DialIP opens a new Connection to ip:443, presenting host as the TLS SNI
// and HTTP/2 :authority, for DoH GET requests against path.
func DialIP(ctx context.Context, name, ip, host, path string) (*Connection, error) {
	return Dial(ctx, name, net.JoinHostPort(ip, "443"), host, path, defaultTLSConfig(host))
}

// Dial opens a new Connection to addr using the given TLS configuration.
// Exposed separately from DialIP so tests can point it at a local HTTP/2
// test server with a non-standard port and a test CA.
func Dial(ctx context.Context, name, addr, host, path string, tlsConfig *tls.Config) (*Connection, error) {
	dialer := &net.Dialer{}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("doh: dial %s %s: %w", name, addr, err)
	}
	tlsConn := tls.Client(raw, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("doh: tls handshake %s %s: %w", name, addr, err)
	}

	tr := &http2.Transport{}
	cc, err := tr.NewClientConn(tlsConn)
	if err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("doh: http2 handshake %s %s: %w", name, addr, err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		name:    name,
		addr:    addr,
		host:    host,
		path:    path,
		cc:      cc,
		state:   StateConnected,
		sem:     make(chan struct{}, maxInFlight),
		resetCh: make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.watchdog(connCtx)
	return c, nil
}

// watchdog tears the connection down once its deadline elapses. A deadline
// of zero means no watchdog timer is currently armed.
func (c *Connection) watchdog(ctx context.Context) {
	defer close(c.done)
	for {
		c.mu.Lock()
		d := c.deadline
		c.mu.Unlock()

		if d.IsZero() {
			select {
			case <-ctx.Done():
				return
			case <-c.resetCh:
				continue
			}
		}

		wait := time.Until(d)
		if wait <= 0 {
			c.teardown(dnserror.Timeout)
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			continue
		case <-c.resetCh:
			timer.Stop()
			continue
		}
	}
}

func (c *Connection) notifyDeadlineChanged() {
	select {
	case c.resetCh <- struct{}{}:
	default:
	}
}

func (c *Connection) teardown(reason error) {
	c.mu.Lock()
	if c.state == StateExited {
		c.mu.Unlock()
		return
	}
	c.state = StateExited
	c.mu.Unlock()
	c.cc.Close()
	c.cancel()
}

// Close shuts the connection down immediately.
func (c *Connection) Close() error {
	c.teardown(dnserror.ConnectionGone)
	<-c.done
	return nil
}

// Alive reports whether the connection can still accept new requests.
func (c *Connection) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.cc.CanTakeNewRequest()
}

// Stats returns the number of requests attempted and successfully answered
// over the lifetime of the connection.
func (c *Connection) Stats() (attempted, successes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempted, c.successes
}

// Done returns a channel that closes once the connection has exited,
// letting a supervising provider learn about disconnects promptly instead
// of polling Alive.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Resolve issues a single DoH JSON GET for name/qtype over this connection.
func (c *Connection) Resolve(ctx context.Context, name string, qtype uint16, do bool) (*dnsanswer.Answer, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, fmt.Errorf("doh: %s %s: %w", c.name, c.addr, dnserror.ConnectionGone)
	}
	c.attempted++
	tightened := time.Now().Add(requestDeadline)
	if c.deadline.IsZero() || tightened.Before(c.deadline) {
		c.deadline = tightened
		c.notifyDeadlineChanged()
	}
	c.mu.Unlock()

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.sem }()

	req, err := c.buildRequest(ctx, name, qtype, do)
	if err != nil {
		return nil, err
	}

	resp, err := c.cc.RoundTrip(req)
	if err != nil {
		c.mu.Lock()
		c.state = StateDraining
		c.mu.Unlock()
		return nil, fmt.Errorf("doh: %s %s: %w: %v", c.name, c.addr, dnserror.ConnectionGone, err)
	}
	defer resp.Body.Close()

	answer, err := decodeResponse(resp, c.name)
	if err != nil {
		return nil, fmt.Errorf("doh: %s %s: %w", c.name, c.addr, err)
	}

	c.mu.Lock()
	c.successes++
	c.served++
	switch {
	case c.served >= maxServedRequests:
		// Past the soft cap: keep serving, but leave the deadline where the
		// request tightened it so the connection naturally cycles out.
	case len(c.sem) > 1:
		// Other streams (besides this one, whose token we still hold until
		// Resolve returns) are still in flight: give the connection more rope.
		c.deadline = c.deadline.Add(extendDeadline)
	default:
		// Idle and under the cap: no deadline until the next request
		// tightens it again.
		c.deadline = time.Time{}
	}
	c.notifyDeadlineChanged()
	c.mu.Unlock()

	return answer, nil
}

func (c *Connection) buildRequest(ctx context.Context, name string, qtype uint16, do bool) (*http.Request, error) {
	q := url.Values{}
	q.Set("name", name)
	q.Set("type", strconv.Itoa(int(qtype)))
	if do {
		q.Set("do", "1")
	}
	u := url.URL{
		Scheme:   "https",
		Host:     c.host,
		Path:     c.path,
		RawQuery: q.Encode(),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("doh: build request for %q: %w", name, err)
	}
	req.Header.Set("accept", "application/dns-json")
	return req, nil
}

func decodeResponse(resp *http.Response, nameClient string) (*dnsanswer.Answer, error) {
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %w", resp.StatusCode, dnserror.BadHTTP)
	}
	ctype := resp.Header.Get("content-type")
	if !strings.Contains(ctype, "json") && !strings.Contains(ctype, "javascript") {
		return nil, fmt.Errorf("non-json content-type %q: %w", ctype, dnserror.BadHTTP)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	var answer dnsanswer.Answer
	if err := json.Unmarshal(body, &answer); err != nil {
		return nil, fmt.Errorf("decode json: %w: %v", dnserror.BadHTTP, err)
	}
	answer.NameClient = nameClient
	return &answer, nil
}
