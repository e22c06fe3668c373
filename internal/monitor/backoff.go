package monitor

import "time"

// ReconnectConfig contains configuration for exponential backoff between primes.
type ReconnectConfig struct {
	MaxRetries    int           // Consecutive failed primes before giving up (0: never)
	RetryDelay    time.Duration // Initial retry delay (default: 1 second)
	MaxRetryDelay time.Duration // Maximum retry delay cap (default: 30 seconds)
}

// DefaultReconnectConfig returns the default backoff: retry forever, 1s doubling to 30s.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    0,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	def := DefaultReconnectConfig()
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = def.MaxRetryDelay
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

// exhausted reports whether attempt exceeds the retry limit.
func (c ReconnectConfig) exhausted(attempt int) bool {
	return c.MaxRetries > 0 && attempt > c.MaxRetries
}

// calculateBackoff returns RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Past 2^30 the shift would overflow; the cap applies long before.
	if attempt > 31 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
