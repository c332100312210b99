package agentws

import "time"

// Config holds the transport endpoint tunables.
type Config struct {
	// HandshakeTimeout bounds how long a freshly upgraded connection may
	// take to deliver its first frame before being closed.
	HandshakeTimeout time.Duration

	// MaxConsecutiveErrors is how many message-processing failures in a row
	// the receive loop tolerates before closing the connection. A single
	// successful message resets the count.
	MaxConsecutiveErrors int

	// RateLimit configures the per-IP connection limiter.
	RateLimit RateLimitConfig
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:     10 * time.Second,
		MaxConsecutiveErrors: 5,
		RateLimit:            DefaultRateLimitConfig(),
	}
}

// RateLimitConfig configures the connection rate limiter.
type RateLimitConfig struct {
	// MaxAttempts is how many handshake attempts one IP may make per
	// window before being blocked.
	MaxAttempts int

	// Window is the sliding window width for attempt counting.
	Window time.Duration

	// BaseBlock is the first block duration; each further violation doubles
	// it, up to MaxBlock.
	BaseBlock time.Duration

	// MaxBlock caps the escalating block duration.
	MaxBlock time.Duration
}

// DefaultRateLimitConfig returns the production limiter defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxAttempts: 5,
		Window:      60 * time.Second,
		BaseBlock:   30 * time.Second,
		MaxBlock:    3600 * time.Second,
	}
}
