// Package breaker implements a circuit breaker guarding engine calls.
//
// A single Breaker instance protects all engine invocations in the process.
// Failures recorded against it must be final, post-retry outcomes; recording
// individual retry attempts would trip the circuit spuriously.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned by Allow while the circuit is open. It is distinct
// from any engine error so callers can apply a retry-later policy instead
// of treating the engine as merely slow.
var ErrOpen = errors.New("circuit breaker open")

// Config tunes the breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit while closed.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successes that closes
	// the circuit while half-open.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before allowing probes.
	Timeout time.Duration
	// HalfOpenMaxCalls caps concurrent probe calls while half-open.
	HalfOpenMaxCalls int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Breaker is the failure-isolation state machine. All methods are safe for
// concurrent use.
type Breaker struct {
	cfg Config

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	halfOpenCalls int
	lastFailure   time.Time

	now func() time.Time // injectable clock for tests
}

// New creates a closed Breaker. Zero config fields fall back to defaults.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	return &Breaker{cfg: cfg, state: StateClosed, now: time.Now}
}

// Allow asks the breaker for permission to contact the engine. It returns
// ErrOpen without touching the engine when the circuit is open. While open,
// elapsed cool-down transitions the circuit to half-open and admits the
// caller as a probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.cfg.Timeout {
			b.state = StateHalfOpen
			b.halfOpenCalls = 1
			b.successes = 0
			log.Info().Msg("Circuit breaker half-open, probing engine")
			return nil
		}
		return ErrOpen

	case StateHalfOpen:
		if b.halfOpenCalls < b.cfg.HalfOpenMaxCalls {
			b.halfOpenCalls++
			return nil
		}
		return ErrOpen
	}
	return ErrOpen
}

// RecordSuccess records the final success of one call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.halfOpenCalls = 0
			log.Info().Msg("Circuit breaker closed, engine recovered")
		}
	}
}

// RecordFailure records the final failure of one call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.successes = 0
		log.Warn().Int("failures", b.failures).Msg("Circuit breaker reopened, probe failed")
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			log.Warn().
				Int("failures", b.failures).
				Int("threshold", b.cfg.FailureThreshold).
				Msg("Circuit breaker opened")
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status is a snapshot for health checks.
type Status struct {
	State            State     `json:"state"`
	Failures         int       `json:"failure_count"`
	Successes        int       `json:"success_count"`
	LastFailure      time.Time `json:"last_failure_time"`
	FailureThreshold int       `json:"failure_threshold"`
	SuccessThreshold int       `json:"success_threshold"`
}

// Status returns a snapshot of breaker state and counters.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		State:            b.state,
		Failures:         b.failures,
		Successes:        b.successes,
		LastFailure:      b.lastFailure,
		FailureThreshold: b.cfg.FailureThreshold,
		SuccessThreshold: b.cfg.SuccessThreshold,
	}
}

// Reset forces the breaker back to closed. Intended for tests.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.halfOpenCalls = 0
	b.lastFailure = time.Time{}
}
