// Package orchestrator composes admission control, session resolution,
// failure isolation, retries, and the streaming pipeline into the gateway's
// query paths.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skhakirov/claude-code-cli-api/internal/alert"
	"github.com/skhakirov/claude-code-cli-api/internal/breaker"
	"github.com/skhakirov/claude-code-cli-api/internal/config"
	"github.com/skhakirov/claude-code-cli-api/internal/engine"
	"github.com/skhakirov/claude-code-cli-api/internal/metrics"
	"github.com/skhakirov/claude-code-cli-api/internal/ratelimit"
	"github.com/skhakirov/claude-code-cli-api/internal/retry"
	"github.com/skhakirov/claude-code-cli-api/internal/session"
	"github.com/skhakirov/claude-code-cli-api/internal/stream"
	"github.com/skhakirov/claude-code-cli-api/internal/tasks"
	"github.com/skhakirov/claude-code-cli-api/pkg/models"
)

// Path sandboxing errors. Requests naming directories outside the allowed
// roots never reach the engine.
var (
	ErrPathTraversal       = errors.New("path traversal detected")
	ErrDirectoryNotAllowed = errors.New("directory access denied")
)

// Deps are the collaborators the orchestrator composes. All are required
// except Alerts and Metrics, which degrade to no-ops.
type Deps struct {
	Engine   engine.Engine
	Sessions *session.Store
	Breaker  *breaker.Breaker
	Limiter  *ratelimit.Limiter
	Pipeline *stream.Pipeline
	Tracker  *tasks.Tracker
	Alerts   *alert.Notifier
	Metrics  *metrics.Metrics
}

// Orchestrator drives one engine call per incoming request.
type Orchestrator struct {
	cfg      config.Config
	retryCfg retry.Config
	deps     Deps
}

// New creates an Orchestrator.
func New(cfg config.Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg: cfg,
		retryCfg: retry.Config{
			MaxAttempts: cfg.RetryMaxAttempts,
			MinWait:     cfg.RetryMinWait,
			MaxWait:     cfg.RetryMaxWait,
			Multiplier:  cfg.RetryMultiplier,
			JitterMax:   cfg.RetryJitterMax,
		},
		deps: deps,
	}
}

// retryable decides whether a final attempt error deserves another attempt.
// Stalls are deliberately excluded: they indicate engine unhealthiness and
// are escalated to the breaker instead of being retried like network noise.
func retryable(err error) bool {
	var stall *stream.StallError
	if errors.As(err, &stall) {
		return false
	}
	return engine.IsRetryable(err)
}

// Query runs one aggregate (non-streaming) call end to end.
func (o *Orchestrator) Query(ctx context.Context, apiKey string, req models.QueryRequest) (*models.QueryResponse, error) {
	start := time.Now()

	sess, task, taskCtx, err := o.admit(ctx, apiKey, req)
	if err != nil {
		return nil, err
	}
	defer task.Done()
	defer o.deps.Sessions.Release(sess.ID)
	o.deps.Metrics.TaskStarted(ctx)
	defer o.deps.Metrics.TaskFinished(ctx)

	engReq, err := o.buildEngineRequest(req, sess)
	if err != nil {
		return nil, err
	}

	if err := o.deps.Breaker.Allow(); err != nil {
		o.deps.Metrics.RecordQuery(ctx, "circuit_open", false, time.Since(start))
		return nil, err
	}

	callCtx, cancelCall := context.WithTimeout(taskCtx, o.callTimeout(req))
	defer cancelCall()

	var agg *stream.Aggregate
	attempts := 0
	err = retry.Do(callCtx, o.retryCfg, retryable, func(ctx context.Context) error {
		attempts++
		attemptCtx, cancelAttempt := context.WithCancel(ctx)
		defer cancelAttempt()

		src, err := o.deps.Engine.Invoke(attemptCtx, engReq)
		if err != nil {
			return err
		}
		a, err := o.deps.Pipeline.Collect(attemptCtx, cancelAttempt, src)
		if err != nil {
			return err
		}
		agg = a
		return nil
	})
	o.deps.Metrics.RecordRetries(ctx, int64(attempts-1))

	if err != nil {
		o.recordFailure(ctx, err)
		o.deps.Metrics.RecordQuery(ctx, outcomeLabel(err), false, time.Since(start))
		return nil, err
	}

	o.deps.Breaker.RecordSuccess()
	o.finishSession(ctx, sess.ID, agg)

	resp := o.buildResponse(sess.ID, agg, time.Since(start))
	o.deps.Metrics.RecordQuery(ctx, string(resp.Status), false, time.Since(start))
	return resp, nil
}

// StreamCall is one in-flight streaming query. Events is owned exclusively
// by the caller and always ends with exactly one terminal event.
type StreamCall struct {
	SessionID string
	Events    <-chan models.StreamEvent
}

// Stream runs one incremental call. Bookkeeping (session totals, breaker
// outcome, metrics) happens after the stream finishes, on a goroutine owned
// by the call's task. Cancelling ctx (client disconnect) cancels the engine
// invocation; events already delivered remain valid.
//
// Retries cover only invocation-start failures: once any event has been
// forwarded there is no rollback, so mid-stream failures surface directly.
func (o *Orchestrator) Stream(ctx context.Context, apiKey string, req models.QueryRequest) (*StreamCall, error) {
	start := time.Now()

	sess, task, taskCtx, err := o.admit(ctx, apiKey, req)
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		o.deps.Sessions.Release(sess.ID)
		task.Done()
	}
	o.deps.Metrics.TaskStarted(ctx)

	engReq, err := o.buildEngineRequest(req, sess)
	if err != nil {
		cleanup()
		o.deps.Metrics.TaskFinished(ctx)
		return nil, err
	}

	if err := o.deps.Breaker.Allow(); err != nil {
		cleanup()
		o.deps.Metrics.TaskFinished(ctx)
		o.deps.Metrics.RecordQuery(ctx, "circuit_open", true, time.Since(start))
		return nil, err
	}

	callCtx, cancelCall := context.WithTimeout(taskCtx, o.callTimeout(req))

	var src <-chan engine.Event
	err = retry.Do(callCtx, o.retryCfg, retryable, func(ctx context.Context) error {
		var err error
		src, err = o.deps.Engine.Invoke(callCtx, engReq)
		return err
	})
	if err != nil {
		cancelCall()
		cleanup()
		o.deps.Metrics.TaskFinished(ctx)
		o.recordFailure(ctx, err)
		o.deps.Metrics.RecordQuery(ctx, outcomeLabel(err), true, time.Since(start))
		return nil, err
	}

	call := o.deps.Pipeline.Forward(callCtx, cancelCall, sess.ID, src)

	go func() {
		defer cancelCall()
		defer cleanup()
		defer o.deps.Metrics.TaskFinished(context.Background())

		werr := call.Wait()
		bg := context.Background()
		switch {
		case werr == nil:
			o.deps.Breaker.RecordSuccess()
			if res := call.Result(); res != nil {
				o.finishSession(bg, sess.ID, &stream.Aggregate{Result: res})
			}
			o.deps.Metrics.RecordQuery(bg, "success", true, time.Since(start))
		case errors.Is(werr, context.Canceled):
			// Client went away; not an engine health signal.
			o.deps.Metrics.RecordQuery(bg, "cancelled", true, time.Since(start))
		default:
			o.recordFailure(bg, werr)
			o.deps.Metrics.RecordQuery(bg, outcomeLabel(werr), true, time.Since(start))
		}
	}()

	return &StreamCall{SessionID: sess.ID, Events: call.Events}, nil
}

// admit performs the entry checks shared by both paths: shutdown gate, rate
// limit, request validation, session resolution, and task registration. On
// success the session is pinned and the task registered; the caller owns
// both.
func (o *Orchestrator) admit(ctx context.Context, apiKey string, req models.QueryRequest) (session.Session, *tasks.Task, context.Context, error) {
	if o.deps.Tracker.Draining() {
		return session.Session{}, nil, nil, tasks.ErrShuttingDown
	}
	if err := o.deps.Limiter.Admit(apiKey); err != nil {
		return session.Session{}, nil, nil, err
	}
	if err := req.Validate(); err != nil {
		return session.Session{}, nil, nil, err
	}

	sess, err := o.deps.Sessions.Resolve(ctx, session.ResolveSpec{
		ResumeID:         req.Resume,
		ContinueLast:     req.ContinueConversation,
		Fork:             req.ForkSession,
		WorkingDirectory: req.WorkingDirectory,
		Model:            req.Model,
	})
	if err != nil {
		return session.Session{}, nil, nil, err
	}

	task, taskCtx, err := o.deps.Tracker.Register(ctx, sess.ID)
	if err != nil {
		o.deps.Sessions.Release(sess.ID)
		return session.Session{}, nil, nil, err
	}
	return sess, task, taskCtx, nil
}

// buildEngineRequest maps the wire request plus resolved session onto the
// engine contract, applying defaults and the directory sandbox.
func (o *Orchestrator) buildEngineRequest(req models.QueryRequest, sess session.Session) (engine.Request, error) {
	cwd := req.WorkingDirectory
	if cwd == "" {
		cwd = sess.WorkingDirectory
	}
	if cwd == "" {
		cwd = o.cfg.DefaultWorkingDirectory
	}
	cwd, err := sanitizePath(cwd, o.cfg.AllowedDirectories)
	if err != nil {
		return engine.Request{}, err
	}

	model := req.Model
	if model == "" {
		model = sess.Model
	}
	if model == "" {
		model = o.cfg.DefaultModel
	}

	maxTurns := req.MaxTurns
	if maxTurns == 0 {
		maxTurns = o.cfg.DefaultMaxTurns
	}

	mode := string(req.PermissionMode)
	if mode == "" {
		mode = o.cfg.DefaultPermissionMode
	}

	return engine.Request{
		Prompt:           sanitizePrompt(req.Prompt),
		Resume:           sess.EngineID,
		ForkSession:      req.ForkSession,
		AllowedTools:     req.AllowedTools,
		DisallowedTools:  req.DisallowedTools,
		PermissionMode:   mode,
		SystemPrompt:     req.SystemPrompt,
		Model:            model,
		MaxTurns:         maxTurns,
		WorkingDirectory: cwd,
	}, nil
}

func (o *Orchestrator) callTimeout(req models.QueryRequest) time.Duration {
	secs := req.TimeoutSeconds
	if secs <= 0 {
		secs = o.cfg.DefaultTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// finishSession applies post-call bookkeeping to the session.
func (o *Orchestrator) finishSession(ctx context.Context, id string, agg *stream.Aggregate) {
	delta := session.Delta{Model: agg.Model}
	if agg.Result != nil {
		delta.CostUSD = agg.Result.TotalCostUSD
		delta.Tokens = agg.Result.InputTokens + agg.Result.OutputTokens
		delta.EngineID = agg.Result.SessionID
	}
	if err := o.deps.Sessions.Touch(ctx, id, delta); err != nil {
		// The session may have been deleted mid-call; the response is
		// still valid.
		log.Warn().Err(err).Str("sessionId", id).Msg("Failed to update session after call")
	}
}

// recordFailure counts a final failure against the breaker and raises
// alerts for conditions worth waking someone for. Caller cancellation is
// not an engine failure and never reaches here.
func (o *Orchestrator) recordFailure(ctx context.Context, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	prev := o.deps.Breaker.State()
	o.deps.Breaker.RecordFailure()
	if cur := o.deps.Breaker.State(); cur == breaker.StateOpen && prev != breaker.StateOpen {
		o.deps.Metrics.RecordBreakerOpen(ctx)
		o.deps.Alerts.Async("circuit_breaker_open", "Circuit breaker opened",
			fmt.Sprintf("engine calls suspended: %v", err), alert.SeverityCritical, nil)
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		o.deps.Alerts.Async("retries_exhausted", "Engine retries exhausted",
			exhausted.Error(), alert.SeverityWarning,
			map[string]any{"attempts": exhausted.Attempts})
	}
	var stall *stream.StallError
	if errors.As(err, &stall) {
		o.deps.Alerts.Async("engine_stall", "Engine stream stalled",
			stall.Error(), alert.SeverityWarning, nil)
	}
}

// buildResponse assembles the aggregate wire response.
func (o *Orchestrator) buildResponse(sessionID string, agg *stream.Aggregate, elapsed time.Duration) *models.QueryResponse {
	resp := &models.QueryResponse{
		Result:     agg.Text,
		SessionID:  sessionID,
		Status:     models.StatusSuccess,
		DurationMs: elapsed.Milliseconds(),
		Model:      agg.Model,
		ToolCalls:  agg.ToolCalls,
		Thinking:   agg.Thinking,
	}
	if res := agg.Result; res != nil {
		resp.DurationAPIMs = res.DurationAPIMs
		resp.IsError = res.IsError
		resp.NumTurns = res.NumTurns
		resp.TotalCostUSD = res.TotalCostUSD
		if res.InputTokens > 0 || res.OutputTokens > 0 {
			resp.Usage = &models.Usage{InputTokens: res.InputTokens, OutputTokens: res.OutputTokens}
		}
		if res.IsError {
			resp.Status = models.StatusError
		}
	}
	return resp
}

// sanitizePath resolves path and verifies it lives under one of the allowed
// roots. An empty allowed list disables sandboxing.
func sanitizePath(path string, allowed []string) (string, error) {
	if strings.Contains(path, "..") {
		return "", ErrPathTraversal
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", ErrPathTraversal
	}
	if len(allowed) == 0 {
		return abs, nil
	}
	for _, root := range allowed {
		rootAbs, err := filepath.Abs(filepath.Clean(root))
		if err != nil {
			continue
		}
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", ErrDirectoryNotAllowed
}

// sanitizePrompt strips NUL bytes that would truncate the CLI argument.
func sanitizePrompt(p string) string {
	return strings.ReplaceAll(p, "\x00", "")
}

// outcomeLabel maps a terminal error onto a bounded metrics label set.
func outcomeLabel(err error) string {
	var (
		rejected  *ratelimit.RejectedError
		exhausted *retry.ExhaustedError
		stall     *stream.StallError
	)
	switch {
	case errors.As(err, &rejected):
		return "rate_limited"
	case errors.Is(err, breaker.ErrOpen):
		return "circuit_open"
	case errors.Is(err, tasks.ErrShuttingDown):
		return "shutting_down"
	case errors.Is(err, session.ErrNotFound):
		return "session_not_found"
	case errors.As(err, &stall):
		return "stall"
	case errors.As(err, &exhausted):
		return "retries_exhausted"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
