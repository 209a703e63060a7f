// Package dispatcher implements the racing fan-out: a single downstream
// query is sent to the cache and every eligible provider with staggered,
// Happy-Eyeballs-style starts; the first successful answer wins, and every
// late arrival is still handed to the cache by a background task.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mikispag/dns-over-https-forwarder/cache"
	"github.com/mikispag/dns-over-https-forwarder/dnsanswer"
	"github.com/mikispag/dns-over-https-forwarder/dnserror"
	"github.com/mikispag/dns-over-https-forwarder/provider"
	"github.com/mikispag/dns-over-https-forwarder/stats"
)

// cacheResolverName tags the cache's own entries in the race, matching
// dnsanswer.Answer.NameClient's "Cache" convention.
const cacheResolverName = "Cache"

const (
	// cacheStagger and providerStagger are the Happy-Eyeballs-style waits
	// between starting successive resolvers in the race.
	cacheStagger    = 5 * time.Millisecond
	providerStagger = 100 * time.Millisecond

	// normalRaceDeadline and anyRaceDeadline bound the whole race.
	normalRaceDeadline = 950 * time.Millisecond
	anyRaceDeadline    = 5 * time.Second

	// cacherDrainTimeout bounds how long the background cacher task waits
	// for late-arriving results after a winner has already been returned.
	cacherDrainTimeout = 10 * time.Second
)

// Resolver is anything the dispatcher can race: the cache and every
// provider.Client both satisfy it.
type Resolver interface {
	Name() string
	Resolve(ctx context.Context, name string, qtype uint16, do bool) (*dnsanswer.Answer, error)
}

// cacheResolver adapts cache.Cache's synchronous (*Answer, bool) lookup to
// the Resolver interface the race loop drives everything else through.
type cacheResolver struct {
	c *cache.Cache
}

func (r cacheResolver) Name() string { return cacheResolverName }

func (r cacheResolver) Resolve(_ context.Context, name string, qtype uint16, _ bool) (*dnsanswer.Answer, error) {
	a, ok := r.c.Resolve(name, qtype)
	if !ok {
		return nil, fmt.Errorf("cache: %w", dnserror.WontResolve)
	}
	return a, nil
}

// providerResolver is the subset of provider.Client the dispatcher needs:
// split out as an interface (rather than depending on *provider.Client
// directly) so the race/stagger logic can be tested without a real warm
// connection pool.
type providerResolver interface {
	Resolver
	RefusesANY() bool
}

// Dispatcher owns the cache and provider set for one forwarder instance.
type Dispatcher struct {
	cache     *cache.Cache
	cacheRes  cacheResolver
	providers []providerResolver
	stats     *stats.Collector
}

// New constructs a Dispatcher. st may be nil; every Collector method is a
// no-op on a nil receiver.
func New(c *cache.Cache, providers []*provider.Client, st *stats.Collector) *Dispatcher {
	ps := make([]providerResolver, len(providers))
	for i, p := range providers {
		ps[i] = p
	}
	return &Dispatcher{
		cache:     c,
		cacheRes:  cacheResolver{c: c},
		providers: ps,
		stats:     st,
	}
}

// raceResult is one resolver's outcome, carried on the race mailbox.
type raceResult struct {
	resolver string
	answer   *dnsanswer.Answer
	err      error
}

// Resolve races the cache and every eligible provider for name/qtype and
// returns the first successful answer. Late arrivals are drained into the
// cache by a background task that outlives this call.
func (d *Dispatcher) Resolve(ctx context.Context, name string, qtype uint16, do bool) (*dnsanswer.Answer, error) {
	resolvers := d.buildResolverList(qtype)
	if len(resolvers) == 0 {
		return nil, fmt.Errorf("dispatcher: %s: %w: no eligible resolver", name, dnserror.WontResolve)
	}

	deadline := normalRaceDeadline
	if qtype == dnsanswer.TypeANY {
		deadline = anyRaceDeadline
	}
	raceCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	mailbox := make(chan raceResult, len(resolvers))
	var wg sync.WaitGroup

	launch := func(r Resolver) <-chan struct{} {
		done := make(chan struct{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(done)
			d.stats.OnAttempt(r.Name())
			start := time.Now()
			answer, err := r.Resolve(raceCtx, name, qtype, do)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, dnserror.Timeout) {
					d.stats.OnTimeout(r.Name())
				}
			} else {
				d.stats.OnSuccess(r.Name(), time.Since(start))
			}
			select {
			case mailbox <- raceResult{resolver: r.Name(), answer: answer, err: err}:
			case <-ctx.Done():
			}
		}()
		return done
	}

	go func() {
		for i, r := range resolvers {
			done := launch(r)
			if i == len(resolvers)-1 {
				return
			}
			stagger := providerStagger
			if r.Name() == cacheResolverName {
				stagger = cacheStagger
			}
			select {
			case <-done:
			case <-time.After(stagger):
			case <-raceCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(mailbox)
	}()

	// Only the overall race deadline (raceCtx.Done()) turns into a SERVFAIL;
	// a mailbox drained of in-progress workers before that deadline just
	// means there's nothing left to wait on but the deadline itself.
	live := mailbox
	for {
		select {
		case res, ok := <-live:
			if !ok {
				live = nil
				continue
			}
			if res.err == nil {
				d.stats.OnFastest(res.resolver)
				go d.drain(res.resolver, res.answer, mailbox)
				return res.answer, nil
			}
		case <-raceCtx.Done():
			return nil, fmt.Errorf("dispatcher: %s: %w", name, dnserror.Timeout)
		}
	}
}

// buildResolverList orders the cache and providers ascending by moving
// average latency (cache always goes first when eligible, since it has no
// meaningful latency of its own) and filters out anything that can't serve
// an ANY query.
func (d *Dispatcher) buildResolverList(qtype uint16) []Resolver {
	var resolvers []Resolver
	if qtype != dnsanswer.TypeANY {
		resolvers = append(resolvers, d.cacheRes)
	}

	ordered := append([]providerResolver(nil), d.providers...)
	sort.Slice(ordered, func(i, j int) bool {
		return d.stats.AverageLatency(ordered[i].Name()) < d.stats.AverageLatency(ordered[j].Name())
	})
	for _, p := range ordered {
		if qtype == dnsanswer.TypeANY && p.RefusesANY() {
			continue
		}
		resolvers = append(resolvers, p)
	}
	return resolvers
}

// drain reads the remainder of the race mailbox for up to cacherDrainTimeout
// and stores every successful, non-cache answer. It runs in its own
// goroutine, independent of the race's own (now-cancelled) context.
func (d *Dispatcher) drain(winnerFrom string, winner *dnsanswer.Answer, mailbox <-chan raceResult) {
	if winnerFrom != cacheResolverName {
		d.cache.Store(winner)
	}
	timeout := time.NewTimer(cacherDrainTimeout)
	defer timeout.Stop()
	for {
		select {
		case res, ok := <-mailbox:
			if !ok {
				return
			}
			if res.err == nil && res.resolver != cacheResolverName {
				d.cache.Store(res.answer)
			}
		case <-timeout.C:
			return
		}
	}
}
