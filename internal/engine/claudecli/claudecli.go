// Package claudecli implements the engine boundary by driving the Claude
// Code CLI as a subprocess in stream-json mode.
package claudecli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/skhakirov/claude-code-cli-api/internal/engine"
)

// maxLineBytes bounds a single stream-json line. Tool results can be large.
const maxLineBytes = 10 * 1024 * 1024

// Config configures the CLI adapter.
type Config struct {
	// Binary is the CLI executable name or path. Defaults to "claude".
	Binary string
	// EventBuffer is the channel buffer between the reader goroutine and
	// the consumer. Defaults to 64.
	EventBuffer int
}

// CLI invokes the Claude Code CLI. It implements engine.Engine.
type CLI struct {
	binary string
	buffer int
}

// New creates a CLI engine adapter.
func New(cfg Config) *CLI {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	return &CLI{binary: cfg.Binary, buffer: cfg.EventBuffer}
}

// Invoke starts one CLI invocation and returns its event stream. The stream
// is closed after the terminal result event or when the process ends.
// Cancelling ctx kills the process.
func (c *CLI) Invoke(ctx context.Context, req engine.Request) (<-chan engine.Event, error) {
	args := buildArgs(req)

	cmd := exec.CommandContext(ctx, c.binary, args...)
	if req.WorkingDirectory != "" {
		cmd.Dir = req.WorkingDirectory
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &engine.ConnectionError{Err: err}
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, engine.ErrNotInstalled
		}
		return nil, &engine.ConnectionError{Err: err}
	}

	events := make(chan engine.Event, c.buffer)
	go c.consume(ctx, cmd, stdout, &stderr, events)
	return events, nil
}

// consume reads stream-json lines until EOF, forwards decoded events, and
// reaps the process.
func (c *CLI) consume(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, stderr *bytes.Buffer, events chan<- engine.Event) {
	defer close(events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	sawResult := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		for _, ev := range decodeLine(line) {
			if ev.Kind == engine.EventResult {
				sawResult = true
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				_ = cmd.Wait()
				return
			}
		}
	}

	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	if sawResult || ctx.Err() != nil {
		return
	}

	// The stream ended without a result: surface why as a terminal error
	// event so the caller sees a typed failure, not just a closed channel.
	fail := func(err error) {
		select {
		case events <- engine.Event{Kind: engine.EventError, Err: err}:
		case <-ctx.Done():
		}
	}

	if scanErr != nil {
		fail(&engine.DecodeError{Err: scanErr})
		return
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			log.Warn().
				Int("exitCode", exitErr.ExitCode()).
				Str("stderr", truncate(stderr.String(), 500)).
				Msg("Claude CLI exited abnormally")
			fail(&engine.ProcessError{
				ExitCode: exitErr.ExitCode(),
				Stderr:   truncate(stderr.String(), 500),
			})
			return
		}
		fail(&engine.ConnectionError{Err: waitErr})
	}
}

// buildArgs translates an engine request into CLI flags.
func buildArgs(req engine.Request) []string {
	args := []string{"-p", req.Prompt, "--output-format", "stream-json", "--verbose"}

	if req.Resume != "" {
		args = append(args, "--resume", req.Resume)
	}
	if req.ContinueConversation {
		args = append(args, "--continue")
	}
	if req.ForkSession {
		args = append(args, "--fork-session")
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if req.PermissionMode != "" {
		args = append(args, "--permission-mode", req.PermissionMode)
	}
	for _, t := range req.AllowedTools {
		args = append(args, "--allowed-tools", t)
	}
	for _, t := range req.DisallowedTools {
		args = append(args, "--disallowed-tools", t)
	}
	return args
}

// wire types for stream-json decoding

type wireMessage struct {
	Type    string     `json:"type"`
	Subtype string     `json:"subtype"`
	Message *wireInner `json:"message"`

	// result fields
	SessionID     string         `json:"session_id"`
	TotalCostUSD  float64        `json:"total_cost_usd"`
	NumTurns      int            `json:"num_turns"`
	DurationMs    int64          `json:"duration_ms"`
	DurationAPIMs int64          `json:"duration_api_ms"`
	IsError       bool           `json:"is_error"`
	ResultText    string         `json:"result"`
	Usage         *wireUsage     `json:"usage"`
	Model         string         `json:"model"`
	Data          map[string]any `json:"data"`
}

type wireInner struct {
	Model   string      `json:"model"`
	Content []wireBlock `json:"content"`
}

type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	Signature string          `json:"signature"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

type wireUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// decodeLine converts one stream-json line into zero or more events.
// Unparseable lines are dropped with a debug log rather than failing the
// call; the terminal result event is what decides call success.
func decodeLine(line []byte) []engine.Event {
	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		log.Debug().Err(err).Str("line", truncate(string(line), 200)).Msg("Skipping undecodable CLI output line")
		return nil
	}

	switch msg.Type {
	case "system":
		kind := engine.EventSystem
		if msg.Subtype == "init" {
			kind = engine.EventInit
		}
		data := msg.Data
		if data == nil {
			data = map[string]any{}
		}
		if msg.SessionID != "" {
			data["session_id"] = msg.SessionID
		}
		if msg.Model != "" {
			data["model"] = msg.Model
		}
		return []engine.Event{{Kind: kind, Data: data}}

	case "assistant", "user":
		if msg.Message == nil {
			return nil
		}
		var out []engine.Event
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				out = append(out, engine.Event{Kind: engine.EventText, Text: block.Text, Model: msg.Message.Model})
			case "thinking":
				out = append(out, engine.Event{Kind: engine.EventThinking, Thinking: block.Thinking, Signature: block.Signature})
			case "tool_use":
				out = append(out, engine.Event{Kind: engine.EventToolUse, ToolID: block.ID, ToolName: block.Name, ToolInput: block.Input})
			case "tool_result":
				out = append(out, engine.Event{Kind: engine.EventToolResult, ToolUseID: block.ToolUseID, ToolContent: flattenContent(block.Content)})
			}
		}
		return out

	case "result":
		res := &engine.Result{
			SessionID:     msg.SessionID,
			TotalCostUSD:  msg.TotalCostUSD,
			NumTurns:      msg.NumTurns,
			DurationMs:    msg.DurationMs,
			DurationAPIMs: msg.DurationAPIMs,
			IsError:       msg.IsError,
			ResultText:    msg.ResultText,
		}
		if msg.Usage != nil {
			res.InputTokens = msg.Usage.InputTokens
			res.OutputTokens = msg.Usage.OutputTokens
		}
		return []engine.Event{{Kind: engine.EventResult, Result: res}}
	}
	return nil
}

// flattenContent renders a tool result content field (string or block list)
// as plain text.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var buf bytes.Buffer
		for _, b := range blocks {
			if b.Type == "text" {
				buf.WriteString(b.Text)
			}
		}
		return buf.String()
	}
	return string(raw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
