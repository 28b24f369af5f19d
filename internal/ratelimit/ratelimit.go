// Package ratelimit implements a per-user token bucket rate limiter on top of
// golang.org/x/time/rate. Buckets are created on first use; idle buckets are
// dropped by Prune.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jkaninda/scriptbox/internal/config"
)

// ErrRateLimited is returned when a user has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the limiter.
type Config struct {
	RequestsPerMinute int // 0 = unlimited.
	BurstSize         int // 0 = RequestsPerMinute.
}

// ConfigFrom maps the HTTP rate limit section.
func ConfigFrom(c config.RateLimitConfig) Config {
	return Config{RequestsPerMinute: c.RequestsPerMinute, BurstSize: c.BurstSize}
}

// Limiter holds one token bucket per user.
type Limiter struct {
	mu    sync.Mutex
	users map[string]*entry
	limit rate.Limit
	burst int
	now   func() time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a limiter. With RequestsPerMinute 0, Allow always succeeds.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		users: make(map[string]*entry),
		limit: rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst: burst,
		now:   time.Now,
	}
}

// Allow consumes one token from userID's bucket, or returns ErrRateLimited.
func (l *Limiter) Allow(userID string) error {
	if l == nil || l.limit <= 0 {
		return nil
	}

	l.mu.Lock()
	now := l.now()
	e, ok := l.users[userID]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.users[userID] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	if !e.limiter.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

// Prune drops buckets idle for longer than idle and returns how many were removed.
// A bucket idle that long has refilled, so dropping it loses nothing.
func (l *Limiter) Prune(idle time.Duration) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	removed := 0
	for id, e := range l.users {
		if e.lastSeen.Before(cutoff) {
			delete(l.users, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked users.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}
