// Package ratelimit implements the distributed rate limiter: one
// fixed-window counter per principal (or client address,
// pre-authentication), N requests per one-minute window, backed by the
// shared ephemeral store so the limit holds across replicas. The count
// resets when the window expires; it does not refill gradually the way a
// token bucket does.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures the limiter.
type Config struct {
	RequestsPerMinute int
}

// Counter is the subset of internal/kv.Store the distributed bucket needs.
// Declared locally so Limiter can be tested against a fake counter instead
// of a real Redis connection.
type Counter interface {
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Limiter composes a distributed fixed-window counter in the shared
// ephemeral store with a per-replica golang.org/x/time/rate pre-check, so a
// request that is certain to be rejected locally never costs a Redis round
// trip (adapted from infrastructure/middleware/ratelimit.go's per-key
// limiter map).
type Limiter struct {
	store       Counter
	limit       int
	window      time.Duration
	localBurst  int
	localRate   rate.Limit

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// New builds a Limiter with a one-minute window.
func New(cfg Config, store Counter) *Limiter {
	limit := cfg.RequestsPerMinute
	if limit <= 0 {
		limit = 100
	}
	return &Limiter{
		store:      store,
		limit:      limit,
		window:     time.Minute,
		localBurst: limit,
		localRate:  rate.Limit(float64(limit) / time.Minute.Seconds()),
		local:      make(map[string]*rate.Limiter),
	}
}

// Allow reports whether a request identified by principal may proceed. It
// runs the cheap local check first; only a request that passes the local
// pre-check pays for the Redis round trip that is authoritative across
// replicas.
func (l *Limiter) Allow(ctx context.Context, principal string) (bool, error) {
	if !l.localLimiter(principal).Allow() {
		return false, nil
	}

	key := fmt.Sprintf("rate-limit:%s", principal)
	count, err := l.store.IncrWithExpiry(ctx, key, l.window)
	if err != nil {
		return false, fmt.Errorf("ratelimit: %w", err)
	}
	return count <= int64(l.limit), nil
}

func (l *Limiter) localLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.local[key]
	if !ok {
		lim = rate.NewLimiter(l.localRate, l.localBurst)
		l.local[key] = lim
	}
	return lim
}

// Cleanup discards all tracked local limiters once more than 10000 are
// tracked (and does nothing below that), bounding memory growth under a
// large number of distinct principals/IPs over the process lifetime.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.local) > 10000 {
		l.local = make(map[string]*rate.Limiter)
	}
}

// PrincipalFromRequest resolves the rate-limit key: authenticated
// principal if present, else client address.
func PrincipalFromRequest(authenticatedPrincipal, clientIP string) string {
	if authenticatedPrincipal != "" {
		return authenticatedPrincipal
	}
	if clientIP == "" {
		return "unknown"
	}
	return clientIP
}
