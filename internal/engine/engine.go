// Package engine defines the boundary to the agent execution engine.
//
// The engine is an opaque asynchronous producer: it accepts a prompt plus
// invocation options and yields an ordered stream of typed events. The
// gateway imposes its own timeout, stall detection, and cancellation on top;
// it never depends on the engine's internal retry behavior.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// EventKind tags the members of the engine event union.
type EventKind string

const (
	EventInit       EventKind = "init"
	EventSystem     EventKind = "system"
	EventText       EventKind = "text"
	EventThinking   EventKind = "thinking"
	EventToolUse    EventKind = "tool_use"
	EventToolResult EventKind = "tool_result"
	EventResult     EventKind = "result"

	// EventError carries a terminal engine failure observed after the
	// stream started (abnormal process exit, undecodable output). It is
	// always the last event before the channel closes.
	EventError EventKind = "error"
)

// Result carries the payload of the terminal result event.
type Result struct {
	SessionID     string
	TotalCostUSD  float64
	NumTurns      int
	DurationMs    int64
	DurationAPIMs int64
	IsError       bool
	ResultText    string
	InputTokens   int64
	OutputTokens  int64
}

// Event is one unit of engine output. Payload fields are populated
// according to Kind.
type Event struct {
	Kind EventKind

	// text
	Text  string
	Model string

	// thinking
	Thinking  string
	Signature string

	// tool_use / tool_result
	ToolID      string
	ToolName    string
	ToolInput   map[string]any
	ToolUseID   string
	ToolContent string

	// init / system
	Data map[string]any

	// result
	Result *Result

	// error
	Err error
}

// Request describes one engine invocation.
type Request struct {
	Prompt string

	// Continuation
	Resume               string
	ContinueConversation bool
	ForkSession          bool

	// Tool policy
	AllowedTools    []string
	DisallowedTools []string
	PermissionMode  string

	SystemPrompt     string
	Model            string
	MaxTurns         int
	WorkingDirectory string
}

// Engine is the execution engine collaborator. Invoke returns a channel of
// events that is closed after the terminal event, or an error when the
// invocation could not be started at all. Cancelling ctx must terminate the
// underlying invocation; cancellation is idempotent.
type Engine interface {
	Invoke(ctx context.Context, req Request) (<-chan Event, error)
}

// ErrNotInstalled indicates the engine binary is missing. Never retried.
var ErrNotInstalled = errors.New("claude CLI not found")

// ConnectionError is a transient failure reaching the engine. Retryable.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("engine connection failed: %v", e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// ProcessError indicates the engine process failed. It usually means the
// request itself is bad, so it is fatal.
type ProcessError struct {
	ExitCode int
	Stderr   string
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("engine process exited with code %d: %s", e.ExitCode, e.Stderr)
}

// DecodeError indicates the engine produced output the gateway could not
// parse. Retrying would not help.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("engine output decode failed: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// IsRetryable classifies an engine failure. Connection-level failures and
// timeouts may succeed on retry; process, decode, and not-installed errors
// will not, and caller cancellation must never be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}
