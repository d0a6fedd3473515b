package store

import (
	"time"
)

// BackoffConfig holds the reconnection schedule.
type BackoffConfig struct {
	// Step is added to the delay on every attempt.
	Step time.Duration

	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration

	// MaxRetries is the number of attempts before giving up.
	MaxRetries int
}

// DefaultBackoffConfig returns the default reconnection schedule:
// min(attempt*100ms, 3s), at most 10 attempts.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Step:       100 * time.Millisecond,
		MaxDelay:   3 * time.Second,
		MaxRetries: 10,
	}
}

// Delay returns the wait before the given attempt (1-based).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(attempt) * c.Step
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	def := DefaultBackoffConfig()
	if c.Step <= 0 {
		c.Step = def.Step
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	return c
}
