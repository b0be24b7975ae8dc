package domain

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy is immutable and attached per node definition or overridden at
// schedule time. MaxAttempts of 1 (or a zero policy) disables retry.
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	JitterFraction    float64       `json:"jitter_fraction"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          time.Minute,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.25,
	}
}

func NoRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// ShouldRetry decides whether the failed attempt is re-entered. Fatal and
// validation errors never retry regardless of remaining attempts.
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return IsRetryableError(err)
}

// NextDelay computes min(maxDelay, initialDelay * multiplier^(attempt-1))
// with uniform multiplicative jitter of ±JitterFraction.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.JitterFraction > 0 {
		jitter := 1 + p.JitterFraction*(2*rand.Float64()-1)
		delay *= jitter
	}

	return time.Duration(delay)
}

// BaseDelay is NextDelay without jitter, used where a deterministic schedule
// matters (tests, monotonicity checks).
func (p RetryPolicy) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	return time.Duration(delay)
}

func (p RetryPolicy) IsZero() bool {
	return p.MaxAttempts == 0
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return NewValidationError("retry policy requires max_attempts >= 1", nil)
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return NewValidationError("retry policy delays must be non-negative", nil)
	}
	if p.JitterFraction < 0 || p.JitterFraction >= 1 {
		return NewValidationError("retry policy jitter_fraction must be in [0, 1)", nil)
	}
	return nil
}
