// Package models contains the wire-level request and response types for the
// Claude Code CLI API gateway.
package models

import (
	"fmt"
	"time"
)

// PermissionMode controls how the engine handles tool permission prompts.
type PermissionMode string

const (
	PermissionDefault           PermissionMode = "default"
	PermissionAcceptEdits       PermissionMode = "acceptEdits"
	PermissionPlan              PermissionMode = "plan"
	PermissionBypassPermissions PermissionMode = "bypassPermissions"
)

// Valid reports whether the permission mode is one of the known values.
func (m PermissionMode) Valid() bool {
	switch m {
	case PermissionDefault, PermissionAcceptEdits, PermissionPlan, PermissionBypassPermissions:
		return true
	}
	return false
}

// MaxPromptLength caps the prompt size accepted by the gateway.
const MaxPromptLength = 100000

// QueryRequest is the body of POST /api/v1/query and /api/v1/query/stream.
type QueryRequest struct {
	Prompt string `json:"prompt"`

	// Session continuation
	Resume               string `json:"resume,omitempty"`
	ContinueConversation bool   `json:"continue_conversation,omitempty"`
	ForkSession          bool   `json:"fork_session,omitempty"`

	// Tool policy
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	DisallowedTools []string `json:"disallowed_tools,omitempty"`

	SystemPrompt string `json:"system_prompt,omitempty"`

	MaxTurns       int            `json:"max_turns,omitempty"`
	Model          string         `json:"model,omitempty"`
	PermissionMode PermissionMode `json:"permission_mode,omitempty"`

	WorkingDirectory string `json:"working_directory,omitempty"`

	// TimeoutSeconds bounds the whole engine invocation.
	TimeoutSeconds int `json:"timeout,omitempty"`
}

// ValidationError reports a request field constraint violation.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validate checks field constraints the gateway enforces before any work is
// admitted. It does not validate engine-side semantics.
func (r *QueryRequest) Validate() error {
	if r.Prompt == "" {
		return &ValidationError{Msg: "prompt is required"}
	}
	if len(r.Prompt) > MaxPromptLength {
		return &ValidationError{Msg: fmt.Sprintf("prompt exceeds %d characters", MaxPromptLength)}
	}
	if r.MaxTurns < 0 || r.MaxTurns > 100 {
		return &ValidationError{Msg: "max_turns must be between 0 and 100"}
	}
	if r.TimeoutSeconds < 0 || r.TimeoutSeconds > 600 {
		return &ValidationError{Msg: "timeout must be between 0 and 600 seconds"}
	}
	if r.PermissionMode != "" && !r.PermissionMode.Valid() {
		return &ValidationError{Msg: fmt.Sprintf("unknown permission_mode %q", r.PermissionMode)}
	}
	if r.ForkSession && r.Resume == "" {
		return &ValidationError{Msg: "fork_session requires resume"}
	}
	return nil
}

// QueryStatus is the terminal status of an aggregate query.
type QueryStatus string

const (
	StatusSuccess QueryStatus = "success"
	StatusError   QueryStatus = "error"
	StatusTimeout QueryStatus = "timeout"
)

// ToolCall records one tool invocation observed during a call.
type ToolCall struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Input  map[string]any `json:"input"`
	Output string         `json:"output,omitempty"`
}

// Thinking is a reasoning block emitted by the engine.
type Thinking struct {
	Thinking  string `json:"thinking"`
	Signature string `json:"signature,omitempty"`
}

// Usage reports token consumption for a completed call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// QueryResponse is the aggregate (non-streaming) result of one query.
type QueryResponse struct {
	Result    string      `json:"result"`
	SessionID string      `json:"session_id"`
	Status    QueryStatus `json:"status"`

	DurationMs    int64 `json:"duration_ms"`
	DurationAPIMs int64 `json:"duration_api_ms"`
	IsError       bool  `json:"is_error"`
	NumTurns      int   `json:"num_turns"`

	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`
	Model        string  `json:"model,omitempty"`

	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Thinking  []Thinking `json:"thinking,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// StreamEvent is one discrete unit of the streaming wire contract. Seq is
// monotonic within a single call; the sequence always ends with exactly one
// result or error event.
type StreamEvent struct {
	Event string         `json:"event"`
	Seq   int64          `json:"seq"`
	Data  map[string]any `json:"data"`
}

// Terminal reports whether the event ends its stream.
func (e StreamEvent) Terminal() bool {
	return e.Event == "result" || e.Event == "error"
}

// SessionInfo is the externally visible snapshot of a session.
type SessionInfo struct {
	SessionID        string    `json:"session_id"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivity     time.Time `json:"last_activity"`
	WorkingDirectory string    `json:"working_directory"`
	Model            string    `json:"model,omitempty"`
	PromptCount      int       `json:"prompt_count"`
	TotalCostUSD     float64   `json:"total_cost_usd"`
	CumulativeTokens int64     `json:"cumulative_tokens"`
	ForkedFrom       string    `json:"forked_from,omitempty"`
}
