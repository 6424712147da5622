// Package retry wraps a single logical engine call as a bounded sequence of
// physical attempts with exponential backoff and jitter.
//
// Only transient failures are retried; fatal engine errors and context
// cancellation propagate immediately. Backoff waits observe the caller's
// context so a cancelled orchestration never sleeps out its delay.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the total number of attempts including the first.
	// Values below 1 are treated as 1 (no retries).
	MaxAttempts int
	// MinWait is the base delay before the first retry.
	MinWait time.Duration
	// MaxWait caps the exponential delay (before jitter).
	MaxWait time.Duration
	// Multiplier is the exponential growth factor between retries.
	Multiplier float64
	// JitterMax is the upper bound of the uniform random jitter added to
	// every delay, preventing thundering herds.
	JitterMax time.Duration
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		MinWait:     time.Second,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
		JitterMax:   time.Second,
	}
}

// ExhaustedError is returned when every attempt failed with a retryable
// error. It carries enough detail to diagnose without retrying blindly.
type ExhaustedError struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration.Round(time.Millisecond), e.LastError)
}

func (e *ExhaustedError) Unwrap() error { return e.LastError }

// Do runs fn up to cfg.MaxAttempts times. retryable decides whether a
// failure is worth another attempt; a nil predicate never retries.
func Do(ctx context.Context, cfg Config, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if retryable == nil || !retryable(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Backoff(cfg, attempt+1)):
		}
	}

	return &ExhaustedError{
		Attempts:      cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

// Backoff computes the delay preceding attempt n (1-indexed, n >= 2):
// min(MaxWait, MinWait*Multiplier^(n-2)) plus uniform jitter in
// [0, JitterMax).
func Backoff(cfg Config, attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	d := float64(cfg.MinWait) * math.Pow(cfg.Multiplier, float64(attempt-2))
	if d > float64(cfg.MaxWait) {
		d = float64(cfg.MaxWait)
	}
	if cfg.JitterMax > 0 {
		d += rand.Float64() * float64(cfg.JitterMax) //nolint:gosec // jitter does not need crypto rand
	}
	return time.Duration(d)
}
