// Package resolver resolves relay host names, with a small positive cache so
// a burst of new tunnels does not hammer the resolver with the same question.
package resolver

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/idna"
)

// Config tunes the resolver.
type Config struct {
	// Servers lists explicit DNS servers (host:port). Empty means the
	// system resolver, which keeps local names (printer.local and friends)
	// resolvable.
	Servers []string

	// Timeout bounds one lookup.
	Timeout time.Duration

	// TTL is how long a positive answer is reused.
	TTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout: 5 * time.Second,
		TTL:     5 * time.Minute,
	}
}

// sweepThreshold is the cache size past which expired entries are swept out
// on insert.
const sweepThreshold = 256

// Resolver answers host-to-IP questions.
type Resolver struct {
	cfg Config

	// lookup is built once: either the system resolver or a Go resolver
	// that rotates through the configured servers.
	lookup *net.Resolver

	// next seeds the server rotation so repeated lookups spread across the
	// configured servers instead of always hitting the first.
	next atomic.Uint32

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	ip      net.IP
	expires time.Time
}

// New creates a resolver.
func New(cfg Config) *Resolver {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}

	r := &Resolver{
		cfg:   cfg,
		cache: make(map[string]cacheEntry),
	}

	if len(cfg.Servers) == 0 {
		r.lookup = net.DefaultResolver
		return r
	}

	dialer := &net.Dialer{Timeout: cfg.Timeout}
	r.lookup = &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			// Start at the rotation point and fall through the rest, so a
			// dead first server does not stall every lookup.
			start := int(r.next.Add(1))
			var lastErr error
			for i := range cfg.Servers {
				server := cfg.Servers[(start+i)%len(cfg.Servers)]
				conn, err := dialer.DialContext(ctx, "udp", server)
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
	}
	return r
}

// Resolve resolves a host name to one IP address, preferring IPv4. Literal
// IPs pass through without a lookup; internationalised names are converted to
// their ASCII form first.
func (r *Resolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}

	if ip, ok := r.cached(host); ok {
		return ip, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	// Ask for the preferred family first and only fall back to the other,
	// rather than fetching everything and filtering.
	ips, err := r.lookup.LookupIP(ctx, "ip4", host)
	if err != nil || len(ips) == 0 {
		ips, err = r.lookup.LookupIP(ctx, "ip6", host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
		}
	}

	ip := ips[0]
	r.store(host, ip)
	return ip, nil
}

// cached returns a live cache entry. Expired entries are left for the sweep.
func (r *Resolver) cached(host string) (net.IP, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.cache[host]
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.ip, true
}

// store caches a positive answer, sweeping out expired entries once the cache
// has grown past the threshold.
func (r *Resolver) store(host string, ip net.IP) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.cache) >= sweepThreshold {
		for h, entry := range r.cache {
			if now.After(entry.expires) {
				delete(r.cache, h)
			}
		}
	}

	r.cache[host] = cacheEntry{ip: ip, expires: now.Add(r.cfg.TTL)}
}

// ClearCache drops all cached entries.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cacheEntry)
}

// CacheSize returns the number of cached entries, live or expired.
func (r *Resolver) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
