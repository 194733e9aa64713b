package server

import (
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxTrackedClients = 4096
	idleClientTTL     = 10 * time.Minute
)

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	limit   rate.Limit
	burst   int
	trusted []netip.Prefix
	now     func() time.Time

	mu      sync.Mutex
	buckets map[netip.Addr]*bucket
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// newClientLimiter allows rps requests per second per client with the
// given burst. X-Forwarded-For is only read from peers inside trusted.
func newClientLimiter(rps float64, burst int, trusted []netip.Prefix) *clientLimiter {
	return &clientLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		trusted: trusted,
		now:     time.Now,
		buckets: make(map[netip.Addr]*bucket),
	}
}

// middleware rejects clients over their budget with 429. A non-positive
// rate disables limiting; exempt paths are never limited.
func (l *clientLimiter) middleware(exempt pathSet) Middleware {
	return func(next http.Handler) http.Handler {
		if l.limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt.has(r) {
				next.ServeHTTP(w, r)
				return
			}
			if !l.allow(l.clientAddr(r)) {
				httpRateLimitedTotal.Inc()
				w.Header().Set("Retry-After", "1")
				RateLimited(w, "rate limit exceeded", r.URL.Path)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *clientLimiter) allow(addr netip.Addr) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[addr]
	if !ok {
		if len(l.buckets) >= maxTrackedClients {
			l.evictIdle(now)
		}
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[addr] = b
	}
	b.seen = now
	return b.limiter.AllowN(now, 1)
}

// evictIdle drops buckets unused for idleClientTTL. Caller holds l.mu.
func (l *clientLimiter) evictIdle(now time.Time) {
	cutoff := now.Add(-idleClientTTL)
	for addr, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, addr)
		}
	}
}

// clientAddr keys on the connection peer. When the peer is a trusted
// proxy, the right-most X-Forwarded-For hop outside the trusted set is
// the client.
func (l *clientLimiter) clientAddr(r *http.Request) netip.Addr {
	peer := remoteAddr(r.RemoteAddr)
	if !peer.IsValid() || !l.isTrusted(peer) {
		return peer
	}

	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			return peer
		}
		addr = addr.Unmap()
		if !l.isTrusted(addr) {
			return addr
		}
	}
	return peer
}

func (l *clientLimiter) isTrusted(addr netip.Addr) bool {
	for _, p := range l.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteAddr(raw string) netip.Addr {
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().Unmap()
	}
	addr, _ := netip.ParseAddr(raw)
	return addr.Unmap()
}
