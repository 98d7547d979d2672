package plugin

import (
	"math"
	"time"
)

// RestartPolicy bounds how crashed or unavailable plugins are restarted.
type RestartPolicy struct {
	// MaxRestarts is the number of consecutive restart attempts before the
	// plugin is disabled for the session.
	// Default: 5
	MaxRestarts int

	// InitialBackoff is the delay before the first restart.
	// Default: 500 milliseconds
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between restarts.
	// Default: 30 seconds
	MaxBackoff time.Duration

	// BackoffMultiplier grows the delay after each failed attempt.
	// Default: 2.0
	BackoffMultiplier float64

	// ResetWindow is how long a plugin must run before its consecutive
	// restart count resets.
	// Default: 1 minute
	ResetWindow time.Duration
}

// DefaultRestartPolicy returns the default restart policy.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxRestarts:       5,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		ResetWindow:       time.Minute,
	}
}

// Delay returns the backoff before restart attempt n.
func (p RestartPolicy) Delay(attempt int) time.Duration {
	return CalculateBackoff(attempt, p.InitialBackoff, p.MaxBackoff, p.BackoffMultiplier)
}

// CalculateBackoff calculates the backoff duration for a given attempt.
// attempt=0 or attempt=1 returns initial, subsequent attempts use exponential growth.
func CalculateBackoff(attempt int, initial, limit time.Duration, multiplier float64) time.Duration {
	if attempt <= 1 {
		return initial
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(limit) {
		return limit
	}
	return time.Duration(delay)
}
