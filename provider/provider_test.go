package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/http2"

	"github.com/mikispag/dns-over-https-forwarder/dnsanswer"
	"github.com/mikispag/dns-over-https-forwarder/dnserror"
	"github.com/mikispag/dns-over-https-forwarder/doh"
)

func newH2TestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	ts := httptest.NewUnstartedServer(handler)
	if err := http2.ConfigureServer(ts.Config, &http2.Server{}); err != nil {
		t.Fatalf("ConfigureServer: %v", err)
	}
	ts.TLS = ts.Config.TLSConfig
	ts.StartTLS()
	t.Cleanup(ts.Close)
	return ts
}

// fakeDialer maps the synthetic "IPs" a test Config uses directly onto
// httptest server addresses, so Client.Run/Resolve can be exercised without
// touching the network.
type fakeDialer struct {
	mu      sync.Mutex
	servers map[string]*httptest.Server
}

func (f *fakeDialer) dial(ctx context.Context, name, ip, host, path string) (*doh.Connection, error) {
	f.mu.Lock()
	ts, ok := f.servers[ip]
	f.mu.Unlock()
	if !ok {
		return nil, errors.New("no server registered for " + ip)
	}
	addr := strings.TrimPrefix(ts.URL, "https://")
	tlsConfig := ts.Client().Transport.(*http.Transport).TLSClientConfig.Clone()
	tlsConfig.NextProtos = []string{"h2"}
	return doh.Dial(ctx, name, addr, host, path, tlsConfig)
}

func jsonHandler(answer dnsanswer.Answer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/dns-json")
		json.NewEncoder(w).Encode(answer)
	}
}

func TestResolveReturnsFirstSuccess(t *testing.T) {
	ts := newH2TestServer(t, jsonHandler(dnsanswer.Answer{
		Question: []dnsanswer.Question{{Name: "example.com.", Type: 1}},
		Answer:   []dnsanswer.RR{{Name: "example.com.", Type: 1, TTL: 60, Data: "9.9.9.9"}},
	}))
	fd := &fakeDialer{servers: map[string]*httptest.Server{"ip-a": ts}}

	cfg := Config{Name: "test", Host: "example.test", Path: "/dns-query", IPv4: []string{"ip-a"}}
	c := New(cfg)
	c.dial = fd.dial

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go c.Run(ctx)

	// Give Run a moment to establish the warm connection.
	time.Sleep(50 * time.Millisecond)

	got, err := c.Resolve(context.Background(), "example.com.", 1, false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.NameClient != "test" {
		t.Fatalf("NameClient = %q, want %q", got.NameClient, "test")
	}
}

func TestResolveCloudflareRefusesANY(t *testing.T) {
	c := New(Cloudflare)
	_, err := c.Resolve(context.Background(), "example.com.", dnsanswer.TypeANY, false)
	if !errors.Is(err, dnserror.WontResolve) {
		t.Fatalf("Resolve ANY on cloudflare: err = %v, want wrapping dnserror.WontResolve", err)
	}
}

func TestResolveNoConnectionsTimesOut(t *testing.T) {
	c := New(Config{Name: "empty", Host: "example.test", Path: "/dns-query", IPv4: []string{"ip-a"}})
	c.dial = (&fakeDialer{servers: map[string]*httptest.Server{}}).dial

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.Resolve(ctx, "example.com.", 1, false)
	if err == nil {
		t.Fatalf("Resolve: nil error, want an error when no connections ever appear")
	}
}

func TestRunMaintainsWarmPoolFloor(t *testing.T) {
	tsA := newH2TestServer(t, jsonHandler(dnsanswer.Answer{}))
	tsB := newH2TestServer(t, jsonHandler(dnsanswer.Answer{}))
	fd := &fakeDialer{servers: map[string]*httptest.Server{"ip-a": tsA, "ip-b": tsB}}

	cfg := Config{Name: "test", Host: "example.test", Path: "/dns-query", IPv4: []string{"ip-a", "ip-b"}}
	c := New(cfg)
	c.dial = fd.dial

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go c.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	if got := c.count(); got < minWarmConnections {
		t.Fatalf("count() = %d, want >= %d", got, minWarmConnections)
	}
}

func TestPickUntried(t *testing.T) {
	c := New(Config{Name: "test"})
	connA := &doh.Connection{}
	connB := &doh.Connection{}
	c.connections[connA] = struct{}{}
	c.connections[connB] = struct{}{}

	tried := map[*doh.Connection]bool{connA: true}
	got := c.pickUntried(tried)
	if got != connB {
		t.Fatalf("pickUntried = %p, want %p (the only untried connection)", got, connB)
	}

	tried[connB] = true
	if got := c.pickUntried(tried); got != nil {
		t.Fatalf("pickUntried with everything tried = %v, want nil", got)
	}
}
