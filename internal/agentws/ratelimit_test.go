package agentws

import (
	"testing"
	"time"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter() (*ConnectionRateLimiter, *fakeClock) {
	l := NewConnectionRateLimiter(DefaultRateLimitConfig())
	clock := &fakeClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	l.now = clock.Now
	return l, clock
}

func TestConnectionRateLimiter(t *testing.T) {
	const ip = "203.0.113.7"

	t.Run("allows a new IP", func(t *testing.T) {
		l, _ := newTestLimiter()
		if !l.Allow(ip) {
			t.Error("expected Allow to return true for a new IP")
		}
	})

	t.Run("Allow is a pure check and does not count attempts", func(t *testing.T) {
		l, _ := newTestLimiter()
		for i := 0; i < 50; i++ {
			if !l.Allow(ip) {
				t.Fatalf("Allow blocked on call %d without any recorded failure", i+1)
			}
		}
	})

	t.Run("blocks at the attempt cap and admits after the block expires", func(t *testing.T) {
		l, clock := newTestLimiter()

		// Five failed handshakes within 10 seconds.
		for i := 0; i < 5; i++ {
			if !l.Allow(ip) {
				t.Fatalf("attempt %d refused before the cap", i+1)
			}
			l.RecordFailure(ip)
			clock.Advance(2 * time.Second)
		}

		// Attempt six is refused outright.
		if l.Allow(ip) {
			t.Error("expected attempt 6 to be blocked")
		}

		// Still refused 29 seconds after the block started.
		clock.Advance(19 * time.Second) // 29s past the 5th failure
		if l.Allow(ip) {
			t.Error("expected IP to still be blocked at 29s")
		}

		// Admitted again once the 30s base block elapses.
		clock.Advance(2 * time.Second)
		if !l.Allow(ip) {
			t.Error("expected IP to be admitted at 31s")
		}
	})

	t.Run("block duration doubles per violation up to the cap", func(t *testing.T) {
		l, clock := newTestLimiter()

		// First violation: 30s block.
		for i := 0; i < 5; i++ {
			l.RecordFailure(ip)
		}
		clock.Advance(31 * time.Second)
		if !l.Allow(ip) {
			t.Fatal("expected first block to expire after 30s")
		}

		// Second violation within the same window: 60s block.
		l.RecordFailure(ip)
		clock.Advance(31 * time.Second)
		if l.Allow(ip) {
			t.Error("expected second block to last 60s, still blocked at 31s")
		}
		clock.Advance(30 * time.Second)
		if !l.Allow(ip) {
			t.Error("expected second block to expire after 60s")
		}
	})

	t.Run("backoff never exceeds MaxBlock", func(t *testing.T) {
		l, _ := newTestLimiter()
		if got := l.backoff(50); got != l.cfg.MaxBlock {
			t.Errorf("backoff(50) = %s, want cap %s", got, l.cfg.MaxBlock)
		}
	})

	t.Run("attempts reset per window but failures persist", func(t *testing.T) {
		l, clock := newTestLimiter()

		for i := 0; i < 5; i++ {
			l.RecordFailure(ip)
		}
		// Let the block and the window both pass.
		clock.Advance(2 * time.Minute)
		if !l.Allow(ip) {
			t.Fatal("expected admission in a fresh window")
		}

		// A fresh window still needs five failures to block, but the block
		// it earns is the escalated one.
		for i := 0; i < 4; i++ {
			l.RecordFailure(ip)
			if !l.Allow(ip) {
				t.Fatalf("blocked after only %d failures in the new window", i+1)
			}
		}
		l.RecordFailure(ip)
		if l.Allow(ip) {
			t.Fatal("expected block after 5 failures in the new window")
		}
		clock.Advance(31 * time.Second)
		if l.Allow(ip) {
			t.Error("expected escalated 60s block, still blocked at 31s")
		}
	})

	t.Run("success clears attempts and failures", func(t *testing.T) {
		l, _ := newTestLimiter()
		for i := 0; i < 4; i++ {
			l.RecordFailure(ip)
		}
		l.Reset(ip)
		for i := 0; i < 4; i++ {
			l.RecordFailure(ip)
			if !l.Allow(ip) {
				t.Fatalf("blocked after %d failures post-reset", i+1)
			}
		}
		// The fifth failure blocks with the base duration, proving the
		// escalation counter was cleared too.
		l.RecordFailure(ip)
		if l.Allow(ip) {
			t.Fatal("expected block at the cap")
		}
	})

	t.Run("cleanup evicts idle entries but keeps blocked ones", func(t *testing.T) {
		l, clock := newTestLimiter()

		l.RecordFailure("198.51.100.1") // idle soon
		for i := 0; i < 5; i++ {
			l.RecordFailure("198.51.100.2") // earns a long block later
		}
		clock.Advance(25 * time.Second)
		for i := 0; i < 5; i++ {
			l.RecordFailure("198.51.100.2")
		}
		// Entry 2 has escalated repeatedly and is blocked well past the
		// idle cutoff.

		clock.Advance(2*time.Minute + time.Second)
		removed := l.Cleanup()
		if removed != 1 {
			t.Errorf("Cleanup removed %d entries, want 1", removed)
		}
		if _, ok := l.entries["198.51.100.1"]; ok {
			t.Error("idle entry survived cleanup")
		}
	})
}
