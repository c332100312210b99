package agentws

import (
	"sync"
	"time"
)

// maxBackoffShift bounds the doubling exponent so repeated failures cannot
// overflow the duration arithmetic. 2^20 times the base already exceeds any
// sane MaxBlock.
const maxBackoffShift = 20

type rateLimitEntry struct {
	attempts     int
	windowStart  time.Time
	lastAttempt  time.Time
	blockedUntil time.Time

	// failures counts violations across windows; it drives the exponential
	// backoff and survives window resets so repeat offenders pay more each
	// time. Cleared only by a successful authentication.
	failures int
}

// ConnectionRateLimiter throttles handshake attempts per client IP. It is
// consulted once per new connection, never per message, so a single lock
// over the whole table is fine.
type ConnectionRateLimiter struct {
	cfg RateLimitConfig

	// now is replaceable in tests.
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*rateLimitEntry
}

// NewConnectionRateLimiter creates a limiter with the given tunables.
func NewConnectionRateLimiter(cfg RateLimitConfig) *ConnectionRateLimiter {
	return &ConnectionRateLimiter{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*rateLimitEntry),
	}
}

// Allow reports whether a new connection from ip may proceed to the
// handshake. A blocked IP is refused without mutating its counters; the
// attempt itself is recorded only when the handshake fails (RecordFailure)
// or succeeds (Reset), so the gate check stays cheap and idempotent.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[ip]
	if !ok {
		l.entries[ip] = &rateLimitEntry{windowStart: now, lastAttempt: now}
		return true
	}

	e.lastAttempt = now
	if now.Before(e.blockedUntil) {
		return false
	}

	// Window bookkeeping: attempts age out as a unit when the window
	// elapses. Failures deliberately do not.
	if now.Sub(e.windowStart) >= l.cfg.Window {
		e.windowStart = now
		e.attempts = 0
	}
	return true
}

// RecordFailure counts a failed handshake from ip. Hitting the per-window
// attempt cap starts a block of min(base << failures, max); the failure
// counter keeps escalating across windows until a success clears it.
func (l *ConnectionRateLimiter) RecordFailure(ip string) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[ip]
	if !ok {
		e = &rateLimitEntry{windowStart: now}
		l.entries[ip] = e
	}

	if now.Sub(e.windowStart) >= l.cfg.Window {
		e.windowStart = now
		e.attempts = 0
	}

	e.attempts++
	e.lastAttempt = now

	if e.attempts >= l.cfg.MaxAttempts {
		e.failures++
		e.blockedUntil = now.Add(l.backoff(e.failures))
	}
}

// Reset clears all counters for ip after a successful authentication.
func (l *ConnectionRateLimiter) Reset(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, ip)
}

// Blocked reports whether ip is currently inside a block window.
func (l *ConnectionRateLimiter) Blocked(ip string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[ip]
	return ok && now.Before(e.blockedUntil)
}

// Cleanup discards entries idle for longer than twice the window whose block
// has expired, and returns how many were removed. Driven by the maintenance
// job so the table cannot grow without bound.
func (l *ConnectionRateLimiter) Cleanup() int {
	now := l.now()
	idleCutoff := now.Add(-2 * l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for ip, e := range l.entries {
		if e.lastAttempt.Before(idleCutoff) && !now.Before(e.blockedUntil) {
			delete(l.entries, ip)
			removed++
		}
	}
	return removed
}

func (l *ConnectionRateLimiter) backoff(failures int) time.Duration {
	shift := failures - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	d := l.cfg.BaseBlock << shift
	if d > l.cfg.MaxBlock || d <= 0 {
		d = l.cfg.MaxBlock
	}
	return d
}
