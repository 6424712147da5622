// Package stream converts raw engine output into the gateway's ordered,
// backpressure-aware event sequence.
//
// Two delivery modes exist: Collect buffers a whole call into one aggregate
// result, Forward relays events to a single consumer as they arrive. In both
// modes a stall window bounds how long the pipeline waits for engine
// progress, and in Forward it equally bounds how long a slow consumer may
// block delivery. Events are never dropped before being offered; a consumer
// that cannot keep up within the window turns the call into a stall failure,
// not silent data loss.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skhakirov/claude-code-cli-api/internal/engine"
	"github.com/skhakirov/claude-code-cli-api/pkg/models"
)

// StallError reports that no progress happened within the stall window.
// Stalls indicate engine unhealthiness: they count against the circuit
// breaker and are not blindly retried like connection errors.
type StallError struct {
	Window time.Duration
}

func (e *StallError) Error() string {
	return fmt.Sprintf("no engine progress within %s", e.Window)
}

// ErrIncomplete reports that the engine stream ended without a terminal
// result event.
var ErrIncomplete = errors.New("engine stream ended without result")

// Config tunes the pipeline.
type Config struct {
	// StallTimeout is the progress window. The timer resets on every
	// engine event; expiry fails the call with a StallError.
	StallTimeout time.Duration
	// CleanupTimeout bounds how long cancellation of the underlying
	// engine invocation may take before its resources are abandoned.
	CleanupTimeout time.Duration
	// Buffer is the outbound channel capacity in Forward mode.
	Buffer int
}

// Pipeline owns no per-call state; one instance serves all calls.
type Pipeline struct {
	cfg Config
}

// New creates a Pipeline. Zero fields get conservative defaults.
func New(cfg Config) *Pipeline {
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = time.Minute
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 5 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 16
	}
	return &Pipeline{cfg: cfg}
}

// Aggregate is the buffered outcome of one non-streaming call.
type Aggregate struct {
	Text      string
	Model     string
	ToolCalls []models.ToolCall
	Thinking  []models.Thinking
	Result    *engine.Result
}

// Collect buffers the whole engine stream into an Aggregate. cancel must
// cancel the engine invocation; it is invoked on stall and before returning
// on any failure path. Text deltas are concatenated in arrival order.
func (p *Pipeline) Collect(ctx context.Context, cancel context.CancelFunc, src <-chan engine.Event) (*Aggregate, error) {
	agg := &Aggregate{}
	stall := time.NewTimer(p.cfg.StallTimeout)
	defer stall.Stop()

	for {
		select {
		case <-ctx.Done():
			cancel()
			p.drain(src)
			return nil, ctx.Err()

		case <-stall.C:
			cancel()
			p.drain(src)
			return nil, &StallError{Window: p.cfg.StallTimeout}

		case ev, ok := <-src:
			if !ok {
				if agg.Result == nil {
					return nil, ErrIncomplete
				}
				return agg, nil
			}
			resetTimer(stall, p.cfg.StallTimeout)

			switch ev.Kind {
			case engine.EventError:
				cancel()
				p.drain(src)
				if ev.Err != nil {
					return nil, ev.Err
				}
				return nil, ErrIncomplete
			case engine.EventText:
				agg.Text += ev.Text
				if ev.Model != "" {
					agg.Model = ev.Model
				}
			case engine.EventThinking:
				agg.Thinking = append(agg.Thinking, models.Thinking{Thinking: ev.Thinking, Signature: ev.Signature})
			case engine.EventToolUse:
				agg.ToolCalls = append(agg.ToolCalls, models.ToolCall{ID: ev.ToolID, Name: ev.ToolName, Input: ev.ToolInput})
			case engine.EventToolResult:
				// Attach output to the matching tool call.
				for i := len(agg.ToolCalls) - 1; i >= 0; i-- {
					if agg.ToolCalls[i].ID == ev.ToolUseID {
						agg.ToolCalls[i].Output = ev.ToolContent
						break
					}
				}
			case engine.EventResult:
				agg.Result = ev.Result
				if agg.Text == "" && ev.Result != nil {
					agg.Text = ev.Result.ResultText
				}
			}
		}
	}
}

// Call is one in-flight Forward-mode stream. Events carries the ordered
// sequence ending in exactly one terminal event; after Events closes, Err
// reports how the call ended.
type Call struct {
	Events <-chan models.StreamEvent

	done   chan struct{}
	result *engine.Result
	err    error
}

// Wait blocks until the stream has finished and returns its terminal error
// (nil when the call produced a result).
func (c *Call) Wait() error {
	<-c.done
	return c.err
}

// Result returns the engine result, or nil when the call failed before one
// was produced. Valid after Events closes.
func (c *Call) Result() *engine.Result {
	<-c.done
	return c.result
}

// Forward relays engine events to a single consumer in arrival order,
// stamping monotonic sequence numbers and the gateway session id. The
// returned Call's Events channel is owned exclusively by this call.
func (p *Pipeline) Forward(ctx context.Context, cancel context.CancelFunc, sessionID string, src <-chan engine.Event) *Call {
	out := make(chan models.StreamEvent, p.cfg.Buffer)
	call := &Call{Events: out, done: make(chan struct{})}

	go func() {
		defer close(call.done)
		defer close(out)

		var seq int64
		stall := time.NewTimer(p.cfg.StallTimeout)
		defer stall.Stop()

		fail := func(err error) {
			call.err = err
			cancel()
			p.drain(src)
			// Offer the terminal error event for up to the cleanup window
			// so a consumer that merely fell behind still sees how the
			// stream ended. A consumer that never returns learns the
			// outcome from call.err instead.
			seq++
			grace := time.NewTimer(p.cfg.CleanupTimeout)
			defer grace.Stop()
			select {
			case out <- models.StreamEvent{Event: "error", Seq: seq, Data: map[string]any{"error": err.Error()}}:
			case <-grace.C:
				log.Warn().Msg("Consumer gone, dropping terminal error event")
			}
		}

		for {
			var ev engine.Event
			var ok bool
			select {
			case <-ctx.Done():
				fail(ctx.Err())
				return
			case <-stall.C:
				fail(&StallError{Window: p.cfg.StallTimeout})
				return
			case ev, ok = <-src:
			}

			if !ok {
				if call.result == nil {
					fail(ErrIncomplete)
				}
				return
			}
			resetTimer(stall, p.cfg.StallTimeout)

			if ev.Kind == engine.EventError {
				err := ev.Err
				if err == nil {
					err = ErrIncomplete
				}
				fail(err)
				return
			}

			if ev.Kind == engine.EventResult {
				call.result = ev.Result
			}

			seq++
			sev := toStreamEvent(ev, seq, sessionID)

			// The consumer's reading rate governs backpressure here; a
			// consumer silent past the stall window fails the call rather
			// than buffering without bound.
			select {
			case out <- sev:
			case <-stall.C:
				seq--
				fail(&StallError{Window: p.cfg.StallTimeout})
				return
			case <-ctx.Done():
				seq--
				fail(ctx.Err())
				return
			}

			if ev.Kind == engine.EventResult {
				// Terminal event delivered; release the engine stream
				// within the cleanup window.
				cancel()
				p.drain(src)
				return
			}
		}
	}()

	return call
}

// drain consumes the engine stream until it closes or the cleanup timeout
// elapses, so a cancelled producer can always make progress and exit. After
// the timeout the stream is abandoned unconditionally.
func (p *Pipeline) drain(src <-chan engine.Event) {
	deadline := time.NewTimer(p.cfg.CleanupTimeout)
	defer deadline.Stop()
	for {
		select {
		case _, ok := <-src:
			if !ok {
				return
			}
		case <-deadline.C:
			log.Warn().Dur("timeout", p.cfg.CleanupTimeout).Msg("Engine stream cleanup timed out, abandoning")
			return
		}
	}
}

// toStreamEvent converts an engine event into its wire form, mirroring the
// streaming contract: kind tag plus kind-specific payload.
func toStreamEvent(ev engine.Event, seq int64, sessionID string) models.StreamEvent {
	switch ev.Kind {
	case engine.EventInit, engine.EventSystem:
		data := ev.Data
		if data == nil {
			data = map[string]any{}
		}
		return models.StreamEvent{Event: string(ev.Kind), Seq: seq, Data: data}

	case engine.EventText:
		return models.StreamEvent{Event: "text", Seq: seq, Data: map[string]any{"text": ev.Text, "model": ev.Model}}

	case engine.EventThinking:
		return models.StreamEvent{Event: "thinking", Seq: seq, Data: map[string]any{"thinking": ev.Thinking}}

	case engine.EventToolUse:
		return models.StreamEvent{Event: "tool_use", Seq: seq, Data: map[string]any{"id": ev.ToolID, "name": ev.ToolName, "input": ev.ToolInput}}

	case engine.EventToolResult:
		return models.StreamEvent{Event: "tool_result", Seq: seq, Data: map[string]any{"tool_use_id": ev.ToolUseID, "content": ev.ToolContent}}

	case engine.EventResult:
		data := map[string]any{"session_id": sessionID}
		if ev.Result != nil {
			data["total_cost_usd"] = ev.Result.TotalCostUSD
			data["num_turns"] = ev.Result.NumTurns
			data["duration_ms"] = ev.Result.DurationMs
			data["is_error"] = ev.Result.IsError
		}
		return models.StreamEvent{Event: "result", Seq: seq, Data: data}
	}

	return models.StreamEvent{Event: string(ev.Kind), Seq: seq, Data: map[string]any{}}
}

// resetTimer safely rearms a timer that may have fired.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
