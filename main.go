package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"path"
	"runtime/debug"

	gologme "github.com/gologme/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mikispag/dns-over-https-forwarder/cache"
	"github.com/mikispag/dns-over-https-forwarder/dispatcher"
	"github.com/mikispag/dns-over-https-forwarder/provider"
	"github.com/mikispag/dns-over-https-forwarder/stats"
	"github.com/mikispag/dns-over-https-forwarder/supervisor"
	"github.com/mikispag/dns-over-https-forwarder/udpserver"
)

// defaultCacheSize is the number of distinct names (one entry per name,
// holding every cached record type) the in-process cache holds before it
// starts evicting.
const defaultCacheSize = 65536

var (
	debugLog     = flag.Bool("d", false, "print debug log messages")
	logPath      = flag.String("l", "", "log file path")
	cacheSize    = flag.Int("cache-size", defaultCacheSize, "number of entries the in-process cache holds")
	evictMetrics = flag.Bool("em", false, "collect metrics on cache evictions")
	addr4        = flag.String("a4", ":53", "`address:port` to listen on for IPv4 UDP queries")
	addr6        = flag.String("a6", "[::]:53", "`address:port` to listen on for IPv6 UDP queries")
	disableIPv6  = flag.Bool("no-ipv6", false, "do not bind the IPv6 listener")
	ppr          = flag.Int("pprof", 0, "port to use for pprof and debug/metrics endpoints. If set to 0 (default), it will not be started.")
)

func main() {
	flag.Parse()

	if *debugLog {
		gologme.EnableLevel("debug")
	}
	if *logPath != "" {
		lf, err := os.OpenFile(*logPath, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0640)
		if err != nil {
			gologme.Errorf("Unable to open log file for writing: %s", err)
		} else {
			gologme.SetOutput(io.MultiWriter(lf, os.Stdout))
		}
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		gologme.Infof("%s v%s", path.Base(bi.Path), bi.Main.Version)
	}

	backend, err := cache.NewMemoryBackend(*cacheSize, *evictMetrics)
	if err != nil {
		gologme.Fatalf("building cache: %s", err)
	}
	c := cache.New(backend)

	registry := prometheus.NewRegistry()
	collector := stats.New(registry)

	providers := []*provider.Client{
		provider.New(provider.Cloudflare),
		provider.New(provider.Google),
	}

	disp := dispatcher.New(c, providers, collector)
	srv := udpserver.New(disp)

	super := supervisor.New()
	for _, p := range providers {
		p := p
		super.Add("provider:"+p.Name(), func(ctx context.Context) error {
			p.Run(ctx)
			return ctx.Err()
		})
	}
	super.Add("udp4", func(ctx context.Context) error {
		return srv.ListenAndServe(ctx, "udp4", *addr4)
	})
	if !*disableIPv6 {
		super.Add("udp6", func(ctx context.Context) error {
			return srv.ListenAndServe(ctx, "udp6", *addr6)
		})
	}

	if *ppr != 0 {
		go serveDebugMux(*ppr, registry, collector)
	}

	if *disableIPv6 {
		gologme.Infof("dns-over-https-forwarder listening on %s (udp4)", *addr4)
	} else {
		gologme.Infof("dns-over-https-forwarder listening on %s (udp4) and %s (udp6)", *addr4, *addr6)
	}
	if err := super.Run(context.Background()); err != nil && err != context.Canceled {
		gologme.Fatal(err)
	}
}

// serveDebugMux exposes pprof, Prometheus metrics and a plain-JSON stats
// snapshot on loopback, mirroring the teacher's pprof-on-a-side-port idiom.
func serveDebugMux(port int, registry *prometheus.Registry, collector *stats.Collector) {
	mux := http.NewServeMux()
	mux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(collector.Snapshot()); err != nil {
			gologme.Warnf("debug/stats: %s", err)
		}
	})
	gologme.Errorf("pprof server: %s", http.ListenAndServe(fmt.Sprintf("localhost:%d", port), mux))
}
