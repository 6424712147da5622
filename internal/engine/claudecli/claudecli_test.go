package claudecli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skhakirov/claude-code-cli-api/internal/engine"
)

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name     string
		req      engine.Request
		expected []string
	}{
		{
			name: "minimal request",
			req:  engine.Request{Prompt: "hello"},
			expected: []string{
				"-p", "hello", "--output-format", "stream-json", "--verbose",
			},
		},
		{
			name: "resume",
			req:  engine.Request{Prompt: "hi", Resume: "eng-1"},
			expected: []string{
				"-p", "hi", "--output-format", "stream-json", "--verbose",
				"--resume", "eng-1",
			},
		},
		{
			name: "fork of a resumed conversation",
			req:  engine.Request{Prompt: "hi", Resume: "eng-1", ForkSession: true},
			expected: []string{
				"-p", "hi", "--output-format", "stream-json", "--verbose",
				"--resume", "eng-1", "--fork-session",
			},
		},
		{
			name: "full option set",
			req: engine.Request{
				Prompt:          "hi",
				Model:           "sonnet",
				SystemPrompt:    "be brief",
				MaxTurns:        5,
				PermissionMode:  "acceptEdits",
				AllowedTools:    []string{"Read", "Grep"},
				DisallowedTools: []string{"Bash"},
			},
			expected: []string{
				"-p", "hi", "--output-format", "stream-json", "--verbose",
				"--model", "sonnet",
				"--append-system-prompt", "be brief",
				"--max-turns", "5",
				"--permission-mode", "acceptEdits",
				"--allowed-tools", "Read",
				"--allowed-tools", "Grep",
				"--disallowed-tools", "Bash",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, buildArgs(tt.req))
		})
	}
}

func TestDecodeLine_SystemInit(t *testing.T) {
	line := `{"type":"system","subtype":"init","session_id":"eng-1","model":"claude-sonnet-4-20250514"}`
	events := decodeLine([]byte(line))
	require.Len(t, events, 1)
	assert.Equal(t, engine.EventInit, events[0].Kind)
	assert.Equal(t, "eng-1", events[0].Data["session_id"])
	assert.Equal(t, "claude-sonnet-4-20250514", events[0].Data["model"])
}

func TestDecodeLine_AssistantBlocks(t *testing.T) {
	line := `{"type":"assistant","message":{"model":"sonnet","content":[` +
		`{"type":"thinking","thinking":"hmm","signature":"sig"},` +
		`{"type":"text","text":"Hello"},` +
		`{"type":"tool_use","id":"tool-1","name":"Read","input":{"path":"/tmp/x"}}]}}`

	events := decodeLine([]byte(line))
	require.Len(t, events, 3)

	assert.Equal(t, engine.EventThinking, events[0].Kind)
	assert.Equal(t, "hmm", events[0].Thinking)
	assert.Equal(t, "sig", events[0].Signature)

	assert.Equal(t, engine.EventText, events[1].Kind)
	assert.Equal(t, "Hello", events[1].Text)
	assert.Equal(t, "sonnet", events[1].Model)

	assert.Equal(t, engine.EventToolUse, events[2].Kind)
	assert.Equal(t, "tool-1", events[2].ToolID)
	assert.Equal(t, "Read", events[2].ToolName)
	assert.Equal(t, "/tmp/x", events[2].ToolInput["path"])
}

func TestDecodeLine_ToolResult(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{name: "string content", content: `"file contents"`, expected: "file contents"},
		{name: "block list content", content: `[{"type":"text","text":"part one "},{"type":"text","text":"part two"}]`, expected: "part one part two"},
		{name: "empty content", content: `""`, expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tool-1","content":` + tt.content + `}]}}`
			events := decodeLine([]byte(line))
			require.Len(t, events, 1)
			assert.Equal(t, engine.EventToolResult, events[0].Kind)
			assert.Equal(t, "tool-1", events[0].ToolUseID)
			assert.Equal(t, tt.expected, events[0].ToolContent)
		})
	}
}

func TestDecodeLine_Result(t *testing.T) {
	line := `{"type":"result","subtype":"success","session_id":"eng-1","total_cost_usd":0.0456,` +
		`"num_turns":3,"duration_ms":5100,"duration_api_ms":4800,"is_error":false,` +
		`"result":"All done","usage":{"input_tokens":120,"output_tokens":80}}`

	events := decodeLine([]byte(line))
	require.Len(t, events, 1)
	require.Equal(t, engine.EventResult, events[0].Kind)

	res := events[0].Result
	require.NotNil(t, res)
	assert.Equal(t, "eng-1", res.SessionID)
	assert.InDelta(t, 0.0456, res.TotalCostUSD, 1e-9)
	assert.Equal(t, 3, res.NumTurns)
	assert.Equal(t, int64(5100), res.DurationMs)
	assert.Equal(t, int64(4800), res.DurationAPIMs)
	assert.False(t, res.IsError)
	assert.Equal(t, "All done", res.ResultText)
	assert.Equal(t, int64(120), res.InputTokens)
	assert.Equal(t, int64(80), res.OutputTokens)
}

func TestDecodeLine_UnknownAndGarbage(t *testing.T) {
	assert.Nil(t, decodeLine([]byte(`{"type":"unknown_kind"}`)))
	assert.Nil(t, decodeLine([]byte(`not json at all`)))
	assert.Nil(t, decodeLine([]byte(`{"type":"assistant"}`)), "assistant without message body")
}

func TestFlattenContent_Fallback(t *testing.T) {
	// Content that is neither a string nor a block list passes through raw.
	out := flattenContent([]byte(`{"weird":true}`))
	assert.Equal(t, `{"weird":true}`, out)
}

func TestNewDefaults(t *testing.T) {
	c := New(Config{})
	assert.Equal(t, "claude", c.binary)
	assert.Equal(t, 64, c.buffer)
}

func TestInvoke_MissingBinary(t *testing.T) {
	c := New(Config{Binary: "claude-binary-that-does-not-exist"})
	_, err := c.Invoke(context.Background(), engine.Request{Prompt: "hi"})
	assert.ErrorIs(t, err, engine.ErrNotInstalled)
}

func TestInvoke_AbnormalExitYieldsProcessError(t *testing.T) {
	// "false" ignores its arguments and exits 1 without producing a result,
	// which is exactly the shape of a CLI crash.
	c := New(Config{Binary: "false"})
	events, err := c.Invoke(context.Background(), engine.Request{Prompt: "hi"})
	require.NoError(t, err)

	var last engine.Event
	for ev := range events {
		last = ev
	}

	require.Equal(t, engine.EventError, last.Kind)
	var perr *engine.ProcessError
	require.ErrorAs(t, last.Err, &perr)
	assert.Equal(t, 1, perr.ExitCode)
}
