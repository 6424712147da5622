// Package tasks tracks in-flight orchestrations so shutdown can drain them.
//
// Every orchestration registers a Task before doing work and must call
// Done on every exit path. On shutdown the tracker refuses new
// registrations, cancels all live tasks, and waits a bounded time for them
// to finish.
package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrShuttingDown is returned by Register once a drain has begun.
var ErrShuttingDown = errors.New("shutting down, not accepting new work")

// Task is one in-flight orchestration handle.
type Task struct {
	ID        string
	SessionID string
	StartedAt time.Time

	tracker *Tracker
	cancel  context.CancelFunc
	once    sync.Once
}

// Done deregisters the task and releases its context. Safe to call more
// than once; callers defer it so every exit path deregisters.
func (t *Task) Done() {
	t.once.Do(func() {
		t.cancel()
		t.tracker.remove(t.ID)
	})
}

// Tracker registers cancellable tasks and coordinates graceful drain.
type Tracker struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	draining bool
	idle     chan struct{} // closed and replaced when the task set empties
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{
		tasks: make(map[string]*Task),
		idle:  make(chan struct{}),
	}
}

// Register creates a task bound to a context derived from parent.
// Cancelling the returned context (directly, via Done, or via drain) unwinds
// every suspension point of the orchestration.
func (tr *Tracker) Register(parent context.Context, sessionID string) (*Task, context.Context, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.draining {
		return nil, nil, ErrShuttingDown
	}

	ctx, cancel := context.WithCancel(parent)
	t := &Task{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		StartedAt: time.Now(),
		tracker:   tr,
		cancel:    cancel,
	}
	tr.tasks[t.ID] = t
	return t, ctx, nil
}

func (tr *Tracker) remove(id string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	delete(tr.tasks, id)
	if len(tr.tasks) == 0 {
		close(tr.idle)
		tr.idle = make(chan struct{})
	}
}

// Len returns the number of in-flight tasks.
func (tr *Tracker) Len() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.tasks)
}

// Draining reports whether shutdown has begun.
func (tr *Tracker) Draining() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.draining
}

// StartDraining flips admission off without waiting for anything. Call it
// the moment a shutdown signal arrives so no new work is admitted while
// other shutdown steps (listener close, HTTP drain) are still in flight.
func (tr *Tracker) StartDraining() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.draining = true
}

// Shutdown begins the drain: new registrations are refused, all live tasks
// are cancelled, and the call waits up to timeout for them to deregister.
// It returns the number of tasks still live when the timeout expired.
func (tr *Tracker) Shutdown(timeout time.Duration) int {
	tr.mu.Lock()
	tr.draining = true
	live := make([]*Task, 0, len(tr.tasks))
	for _, t := range tr.tasks {
		live = append(live, t)
	}
	idle := tr.idle
	empty := len(tr.tasks) == 0
	tr.mu.Unlock()

	if empty {
		return 0
	}

	log.Info().Int("tasks", len(live)).Dur("timeout", timeout).Msg("Draining in-flight tasks")
	for _, t := range live {
		t.cancel()
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	select {
	case <-idle:
		log.Info().Msg("All tasks drained")
		return 0
	case <-deadline.C:
		remaining := tr.Len()
		log.Warn().Int("remaining", remaining).Msg("Drain timed out, abandoning remaining tasks")
		return remaining
	}
}

// Status is a snapshot for health checks.
type Status struct {
	ActiveTasks int  `json:"active_tasks"`
	Draining    bool `json:"draining"`
}

// Status returns a snapshot of the tracker.
func (tr *Tracker) Status() Status {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return Status{ActiveTasks: len(tr.tasks), Draining: tr.draining}
}
