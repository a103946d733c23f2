// Package ratelimit implements the per-connection token bucket: capacity
// equal to the configured rate, refilling continuously at that same rate
// per second. It is a thin wrapper around golang.org/x/time/rate rather
// than a hand-rolled bucket.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a per-connection or per-IP token bucket. It is safe for
// concurrent use.
type Limiter struct {
	rl *rate.Limiter
}

// New returns a Limiter whose capacity and refill rate both equal
// ratePerSecond: a burst of ratePerSecond tokens, restored continuously.
func New(ratePerSecond float64) *Limiter {
	return &Limiter{rl: rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond))}
}

// CanSend reports whether a token is available and, if so, consumes it. A
// false result consumes nothing.
func (l *Limiter) CanSend() bool {
	return l.rl.Allow()
}

// AuthAttemptTracker enforces the per-IP authentication lockout: 5
// failures within a 5 minute window blocks that IP for 5 minutes.
type AuthAttemptTracker struct {
	mu          sync.Mutex
	window      time.Duration
	blockFor    time.Duration
	maxFailures int
	failures    map[string][]time.Time
	blockedTil  map[string]time.Time
	now         func() time.Time
}

// NewAuthAttemptTracker returns a tracker with the default policy: 5
// failures in 5 minutes triggers a 5 minute block.
func NewAuthAttemptTracker() *AuthAttemptTracker {
	return &AuthAttemptTracker{
		window:      5 * time.Minute,
		blockFor:    5 * time.Minute,
		maxFailures: 5,
		failures:    make(map[string][]time.Time),
		blockedTil:  make(map[string]time.Time),
		now:         time.Now,
	}
}

// IsBlocked reports whether ip is currently locked out.
func (t *AuthAttemptTracker) IsBlocked(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	until, ok := t.blockedTil[ip]
	if !ok {
		return false
	}
	if t.now().After(until) {
		delete(t.blockedTil, ip)
		return false
	}
	return true
}

// RecordFailure records a failed authentication attempt from ip and blocks
// the IP once it has reached maxFailures within window.
func (t *AuthAttemptTracker) RecordFailure(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cutoff := now.Add(-t.window)
	kept := t.failures[ip][:0]
	for _, ts := range t.failures[ip] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	t.failures[ip] = kept

	if len(kept) >= t.maxFailures {
		t.blockedTil[ip] = now.Add(t.blockFor)
		t.failures[ip] = nil
	}
}

// Reset clears a successful auth's failure history for ip.
func (t *AuthAttemptTracker) Reset(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, ip)
}
