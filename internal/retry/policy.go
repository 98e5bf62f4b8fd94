// Package retry wraps a single outbound call in bounded exponential backoff
package retry

import (
	"fmt"
	"math"
	"time"
)

// Policy configures the retry executor
type Policy struct {
	MaxRetries        int           // total attempt budget, including the first call
	InitialBackoff    time.Duration // delay after the first failed attempt
	BackoffMultiplier float64       // growth factor between successive delays
	MaxBackoff        time.Duration // upper bound on a single delay
	AttemptTimeout    time.Duration // per-attempt deadline; zero disables it
}

// DefaultPolicy returns the default retry policy
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        5,
		InitialBackoff:    1 * time.Second,
		BackoffMultiplier: 2,
		MaxBackoff:        60 * time.Second,
	}
}

// Validate checks the policy for values the executor cannot honour
func (p Policy) Validate() error {
	if p.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1, got %d", p.MaxRetries)
	}
	if p.InitialBackoff < 0 {
		return fmt.Errorf("initial backoff must not be negative, got %v", p.InitialBackoff)
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1, got %v", p.BackoffMultiplier)
	}
	if p.MaxBackoff < p.InitialBackoff {
		return fmt.Errorf("max backoff %v is below initial backoff %v", p.MaxBackoff, p.InitialBackoff)
	}
	if p.AttemptTimeout < 0 {
		return fmt.Errorf("attempt timeout must not be negative, got %v", p.AttemptTimeout)
	}
	return nil
}

// Delay returns the sleep inserted after the given failed attempt (1-based):
// min(InitialBackoff * BackoffMultiplier^(attempt-1), MaxBackoff)
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := float64(p.InitialBackoff) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if d > float64(p.MaxBackoff) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}
