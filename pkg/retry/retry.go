package retry

import (
	"context"
	"math"
	"time"
)

// Classifier determines if an error is worth another attempt
type Classifier func(error) bool

// Policy is an exponential backoff retry policy
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Classifier      Classifier
}

// DefaultPolicy stays well inside the Sheets quota of 100 requests per 100 seconds
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Classifier: func(err error) bool {
			return true
		},
	}
}

// Retryable reports whether err may be retried under p
func (p Policy) Retryable(err error) bool {
	return p.Classifier == nil || p.Classifier(err)
}

// Backoff returns the wait before attempt+1, given that attempt attempts failed
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return p.InitialInterval
	}

	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	interval := float64(p.InitialInterval) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxInterval > 0 && interval > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	return time.Duration(interval)
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts
// MaxAttempts or ctx is done.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !p.Retryable(err) || attempt == attempts {
			break
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}
