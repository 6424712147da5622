package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")
var errFatal = errors.New("fatal")

func fastConfig() Config {
	return Config{
		MaxAttempts: 3,
		MinWait:     time.Millisecond,
		MaxWait:     5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), isTransient, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), isTransient, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_FatalErrorStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), isTransient, func(context.Context) error {
		calls++
		return errFatal
	})
	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)

	var exhausted *ExhaustedError
	assert.False(t, errors.As(err, &exhausted), "fatal errors must not be wrapped as exhaustion")
}

func TestDo_Exhaustion(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), isTransient, func(context.Context) error {
		calls++
		return errTransient
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, errTransient, "exhaustion must unwrap to the last error")
}

func TestDo_NilPredicateNeverRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), nil, func(context.Context) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelDuringBackoff(t *testing.T) {
	cfg := Config{
		MaxAttempts: 3,
		MinWait:     time.Hour, // would hang without cancellation
		MaxWait:     time.Hour,
		Multiplier:  2.0,
	}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, isTransient, func(context.Context) error {
			calls++
			return errTransient
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("Do did not observe context cancellation during backoff")
	}
}

func TestDo_ZeroAttemptsTreatedAsOne(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{}, isTransient, func(context.Context) error {
		calls++
		return errTransient
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestBackoff(t *testing.T) {
	cfg := Config{
		MinWait:    time.Second,
		MaxWait:    10 * time.Second,
		Multiplier: 2.0,
	}

	tests := []struct {
		name     string
		attempt  int
		expected time.Duration
	}{
		{name: "first attempt has no delay", attempt: 1, expected: 0},
		{name: "second attempt uses min wait", attempt: 2, expected: time.Second},
		{name: "third attempt doubles", attempt: 3, expected: 2 * time.Second},
		{name: "fourth attempt doubles again", attempt: 4, expected: 4 * time.Second},
		{name: "delay is capped at max wait", attempt: 10, expected: 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Backoff(cfg, tt.attempt))
		})
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	cfg := Config{
		MinWait:    time.Second,
		MaxWait:    10 * time.Second,
		Multiplier: 2.0,
		JitterMax:  time.Second,
	}

	for i := 0; i < 100; i++ {
		d := Backoff(cfg, 2)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 2*time.Second)
	}
}
