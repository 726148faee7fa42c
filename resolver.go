// SPDX-License-Identifier: GPL-3.0-or-later

package udphandle

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/bassosimone/runtimex"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Resolver turns a host and port into [Candidate] addresses.
//
// Implementations must invoke callback exactly once, on the event loop
// goroutine, and must return the error returned by callback to the loop.
// Candidates are ordered by preference.
type Resolver interface {
	Resolve(host, port string, family Family, callback func([]Candidate, error) error)
}

// LookupFunc maps a host name to IP addresses.
//
// The network is "ip", "ip4", or "ip6". The [*net.Resolver.LookupNetIP]
// method and the [*DNSLookup.LookupNetIP] method have this signature.
type LookupFunc func(ctx context.Context, network, host string) ([]netip.Addr, error)

// resolveCacheSize is the number of (network, host) entries we cache.
const resolveCacheSize = 128

// resolveCacheKey is the key of the lookup cache.
type resolveCacheKey struct {
	network string
	host    string
}

// resolveCacheEntry is a cached lookup result.
type resolveCacheEntry struct {
	addrs   []netip.Addr
	expires time.Time
}

// NewLoopResolver returns a new [*LoopResolver].
//
// The cfg argument contains the common configuration.
//
// The loop argument is the [EventLoop] on which callbacks run.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewLoopResolver(cfg *Config, loop EventLoop, logger SLogger) *LoopResolver {
	return &LoopResolver{
		CacheTTL:      cfg.ResolveCacheTTL,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Lookup:        cfg.Lookup,
		Loop:          loop,
		Timeout:       cfg.ResolveTimeout,
		TimeNow:       cfg.TimeNow,
		cache:         runtimex.PanicOnError1(lru.New[resolveCacheKey, resolveCacheEntry](resolveCacheSize)),
	}
}

// LoopResolver is the default [Resolver].
//
// IP addresses and empty hosts (meaning the wildcard address) are answered
// without any lookup. Other hosts are looked up in a background goroutine
// and the result is posted back to the [EventLoop]. The callback always
// runs from a posted event, never from within Resolve.
//
// All fields are safe to modify after construction but before first use.
type LoopResolver struct {
	// CacheTTL is how long successful lookups are cached. Zero disables caching.
	//
	// Set by [NewLoopResolver] from [Config.ResolveCacheTTL].
	CacheTTL time.Duration

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewLoopResolver] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewLoopResolver] to the user-provided logger.
	Logger SLogger

	// Lookup maps host names to addresses.
	//
	// Set by [NewLoopResolver] from [Config.Lookup].
	Lookup LookupFunc

	// Loop is the [EventLoop] on which callbacks run.
	//
	// Set by [NewLoopResolver] to the user-provided loop.
	Loop EventLoop

	// Timeout bounds each lookup. Zero means no timeout.
	//
	// Set by [NewLoopResolver] from [Config.ResolveTimeout].
	Timeout time.Duration

	// TimeNow is the function to get the current time.
	//
	// Set by [NewLoopResolver] from [Config.TimeNow].
	TimeNow func() time.Time

	// cache is only accessed from the loop goroutine.
	cache *lru.Cache[resolveCacheKey, resolveCacheEntry]
}

var _ Resolver = &LoopResolver{}

// Resolve implements [Resolver].
func (r *LoopResolver) Resolve(host, port string, family Family, callback func([]Candidate, error) error) {
	t0 := r.TimeNow()
	r.logResolveStart(host, port, family, t0)

	done := func(addrs []netip.Addr, err error) error {
		candidates, err := r.candidates(host, port, family, addrs, err)
		r.logResolveDone(host, port, family, t0, candidates, err)
		return callback(candidates, err)
	}

	// 1. wildcard address
	if host == "" {
		addrs := []netip.Addr{netip.IPv4Unspecified(), netip.IPv6Unspecified()}
		r.Loop.Post(func() error { return done(addrs, nil) })
		return
	}

	// 2. IP address
	if addr, err := netip.ParseAddr(host); err == nil {
		r.Loop.Post(func() error { return done([]netip.Addr{addr}, nil) })
		return
	}

	// 3. cached lookup
	key := resolveCacheKey{network: family.network(), host: host}
	if entry, found := r.cache.Get(key); found && t0.Before(entry.expires) {
		r.Loop.Post(func() error { return done(entry.addrs, nil) })
		return
	}

	// 4. background lookup
	go func() {
		ctx := context.Background()
		if r.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.Timeout)
			defer cancel()
		}
		addrs, err := r.Lookup(ctx, key.network, host)
		r.Loop.Post(func() error {
			if err == nil && len(addrs) > 0 && r.CacheTTL > 0 {
				r.cache.Add(key, resolveCacheEntry{addrs: addrs, expires: r.TimeNow().Add(r.CacheTTL)})
			}
			return done(addrs, err)
		})
	}()
}

// candidates filters addrs by family and pairs them with the port.
func (r *LoopResolver) candidates(
	host, port string, family Family, addrs []netip.Addr, err error) ([]Candidate, error) {
	if err != nil {
		return nil, &ResolveError{Host: host, Port: port, Err: err}
	}
	portnum, err := parsePort(port)
	if err != nil {
		return nil, &ResolveError{Host: host, Port: port, Err: err}
	}
	var candidates []Candidate
	for _, addr := range addrs {
		addr = addr.Unmap()
		if !family.accepts(addr) {
			continue
		}
		candidates = append(candidates, newCandidate(netip.AddrPortFrom(addr, portnum)))
	}
	if len(candidates) <= 0 {
		return nil, &ResolveError{Host: host, Port: port}
	}
	return candidates, nil
}

func (r *LoopResolver) logResolveStart(host, port string, family Family, t0 time.Time) {
	r.Logger.Info(
		"resolveStart",
		slog.Int("family", int(family)),
		slog.String("host", host),
		slog.String("port", port),
		slog.Time("t", t0),
	)
}

func (r *LoopResolver) logResolveDone(
	host, port string, family Family, t0 time.Time, candidates []Candidate, err error) {
	addrs := make([]string, 0, len(candidates))
	for _, c := range candidates {
		addrs = append(addrs, c.Addr.String())
	}
	r.Logger.Info(
		"resolveDone",
		slog.Any("addrs", addrs),
		slog.Any("err", err),
		slog.String("errClass", r.ErrClassifier.Classify(err)),
		slog.Int("family", int(family)),
		slog.String("host", host),
		slog.String("port", port),
		slog.Time("t0", t0),
		slog.Time("t", r.TimeNow()),
	)
}
