// -------------------------------------------------------------------------------
// Rate Limiter - Per-IP Token Bucket Throttling
//
// Author: Alex Freidah
//
// Per-IP token bucket rate limiting for both listeners. The in-process limiter
// keeps one bucket per address with background cleanup of stale entries; the
// Redis limiter shares buckets across replicas. Requests exceeding the
// configured rate receive 429. When trusted_proxies is configured, only
// requests arriving from a trusted proxy CIDR have their X-Forwarded-For
// header inspected, and the rightmost untrusted entry is used as the client.
// -------------------------------------------------------------------------------

package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/afreidah/shortlinkd/internal/config"
	"github.com/afreidah/shortlinkd/internal/telemetry"
)

// Limiter decides whether a request from a client key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
	UpdateLimits(requestsPerSec float64, burst int)
	Close()
}

// NewLimiter returns the Redis limiter when an address is configured and the
// in-process limiter otherwise.
func NewLimiter(cfg config.RateLimitConfig) Limiter {
	if cfg.Redis.Addr != "" {
		return NewRedisRateLimiter(cfg)
	}
	return NewRateLimiter(cfg)
}

// -------------------------------------------------------------------------
// IN-PROCESS LIMITER
// -------------------------------------------------------------------------

// RateLimiter provides per-IP token-bucket rate limiting within one process.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*visitorLimiter
	rate     rate.Limit
	burst    int
	stop     chan struct{}
	once     sync.Once
}

type visitorLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates an in-process rate limiter.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[string]*visitorLimiter),
		rate:     rate.Limit(cfg.RequestsPerSec),
		burst:    cfg.Burst,
		stop:     make(chan struct{}),
	}

	// Background cleanup of stale entries every 3 minutes
	go func() {
		ticker := time.NewTicker(3 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.cleanup(10 * time.Minute)
			case <-rl.stop:
				return
			}
		}
	}()

	return rl
}

// Close stops the background cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

// UpdateLimits changes the rate and burst for new visitors. Existing per-IP
// limiters keep their old rates until they expire and are recreated.
func (rl *RateLimiter) UpdateLimits(requestsPerSec float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.rate = rate.Limit(requestsPerSec)
	rl.burst = burst
}

// Allow checks whether a request from the given key is allowed.
func (rl *RateLimiter) Allow(_ context.Context, key string) bool {
	rl.mu.Lock()
	v, ok := rl.limiters[key]
	if !ok {
		v = &visitorLimiter{
			limiter: rate.NewLimiter(rl.rate, rl.burst),
		}
		rl.limiters[key] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()

	return v.limiter.Allow()
}

// cleanup removes entries not seen within the given duration.
func (rl *RateLimiter) cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	for key, v := range rl.limiters {
		if v.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
		}
	}
}

// -------------------------------------------------------------------------
// MIDDLEWARE
// -------------------------------------------------------------------------

// RateLimit wraps handlers with per-IP limiting through l.
func RateLimit(l Limiter, trustedProxies []string) func(http.Handler) http.Handler {
	trusted := parsePrefixes(trustedProxies)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(r.Context(), extractIP(r, trusted)) {
				telemetry.RateLimitRejectionsTotal.Inc()
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractIP gets the client IP from the request. When trusted proxies are
// configured and the direct peer matches one, the rightmost untrusted IP in
// the X-Forwarded-For chain is used. Otherwise, RemoteAddr is used directly.
func extractIP(r *http.Request, trusted []netip.Prefix) string {
	peer := stripPort(r.RemoteAddr)

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" && len(trusted) > 0 && inPrefixes(peer, trusted) {
		return rightmostUntrusted(xff, trusted)
	}
	return peer
}

// rightmostUntrusted walks the XFF chain from right to left and returns the
// first IP that is not in the trusted set.
func rightmostUntrusted(xff string, trusted []netip.Prefix) string {
	parts := strings.Split(xff, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(parts[i])
		if ip == "" {
			continue
		}
		if !inPrefixes(ip, trusted) {
			return ip
		}
	}

	// All IPs in the chain are trusted; use the leftmost as a fallback
	return strings.TrimSpace(parts[0])
}

// inPrefixes reports whether ip falls within any of the prefixes.
func inPrefixes(ip string, prefixes []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// parsePrefixes parses CIDR strings, skipping any that fail to parse.
func parsePrefixes(cidrs []string) []netip.Prefix {
	var out []netip.Prefix
	for _, s := range cidrs {
		p, err := netip.ParsePrefix(strings.TrimSpace(s))
		if err != nil {
			slog.Warn("Ignoring invalid rate limit trusted proxy", "cidr", s, "error", err)
			continue
		}
		out = append(out, p.Masked())
	}
	return out
}

// stripPort removes the port from a host:port address.
func stripPort(addr string) string {
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return ap.Addr().WithZone("").Unmap().String()
	}
	return addr
}
