// Package session owns the gateway's session arena: continuation contexts
// for the engine, with TTL expiry, LRU capacity eviction, and optional
// durable persistence.
//
// Sessions never escape the store as live references. Every accessor returns
// a value copy, so all mutation is serialized through the store's lock and
// concurrent calls against the same session id cannot lose bookkeeping
// updates.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a resume reference does not match any
// live session.
var ErrNotFound = errors.New("session not found")

// Session is one continuation context. ID is generated by the store on
// first creation and never reused. EngineID is the engine-side conversation
// id, recorded after the first completed call.
type Session struct {
	ID           string
	EngineID     string
	CreatedAt    time.Time
	LastActivity time.Time

	WorkingDirectory string
	Model            string
	ForkedFrom       string

	PromptCount      int
	TotalCostUSD     float64
	CumulativeTokens int64
}

// Delta carries the bookkeeping results of one completed call.
type Delta struct {
	CostUSD  float64
	Tokens   int64
	Model    string
	EngineID string
}

// ResolveSpec selects or creates the session for an incoming request.
type ResolveSpec struct {
	// ResumeID references an existing session. Empty means no resume.
	ResumeID string
	// ContinueLast resolves to the most recently active session, creating
	// a new one if none exists.
	ContinueLast bool
	// Fork duplicates the resolved session's ancestry metadata into a new
	// id, leaving the original untouched. Requires ResumeID.
	Fork bool

	// Creation metadata for new sessions.
	WorkingDirectory string
	Model            string
}

// Persister is the optional durable collaborator. A nil Persister degrades
// the store to in-memory only.
type Persister interface {
	SaveSession(ctx context.Context, s Session) error
	DeleteSession(ctx context.Context, id string) error
	LoadSessions(ctx context.Context) ([]Session, error)
}

type entry struct {
	sess Session
	// pins counts in-flight calls holding this session. Pinned entries
	// are never evicted by capacity pressure.
	pins int
}

// Store is the session arena. All operations are serialized under one lock;
// session cardinality is low enough that finer-grained locking buys nothing.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*entry
	capacity int
	ttl      time.Duration
	persist  Persister
	now      func() time.Time
}

// New creates a Store with the given capacity and TTL. persist may be nil.
func New(capacity int, ttl time.Duration, persist Persister) *Store {
	return &Store{
		sessions: make(map[string]*entry),
		capacity: capacity,
		ttl:      ttl,
		persist:  persist,
		now:      time.Now,
	}
}

// LoadPersisted restores sessions from the persister, skipping entries
// whose TTL already expired. Called once at startup.
func (s *Store) LoadPersisted(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	sessions, err := s.persist.LoadSessions(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	loaded := 0
	s.mu.Lock()
	for _, sess := range sessions {
		if now.Sub(sess.LastActivity) > s.ttl {
			continue
		}
		s.sessions[sess.ID] = &entry{sess: sess}
		loaded++
	}
	s.mu.Unlock()

	log.Info().Int("loaded", loaded).Int("inStore", len(sessions)).Msg("Restored persisted sessions")
	return nil
}

// Resolve returns the session for spec, creating one when needed, and pins
// it against eviction until Release is called with the same id.
//
// Rules:
//   - no ResumeID, no ContinueLast: create a fresh session
//   - ResumeID set: look it up; unknown ids fail with ErrNotFound
//   - ResumeID + Fork: duplicate ancestry metadata into a new session
//   - ContinueLast: most recently active session, or a fresh one
func (s *Store) Resolve(ctx context.Context, spec ResolveSpec) (Session, error) {
	s.mu.Lock()

	var e *entry
	switch {
	case spec.ResumeID != "":
		found, ok := s.sessions[spec.ResumeID]
		if !ok {
			s.mu.Unlock()
			return Session{}, ErrNotFound
		}
		if spec.Fork {
			e = s.createLocked(Session{
				WorkingDirectory: found.sess.WorkingDirectory,
				Model:            found.sess.Model,
				EngineID:         found.sess.EngineID,
				ForkedFrom:       found.sess.ID,
			})
		} else {
			e = found
		}

	case spec.ContinueLast:
		e = s.mostRecentLocked()
		if e == nil {
			e = s.createLocked(Session{WorkingDirectory: spec.WorkingDirectory, Model: spec.Model})
		}

	default:
		e = s.createLocked(Session{WorkingDirectory: spec.WorkingDirectory, Model: spec.Model})
	}

	e.pins++
	out := e.sess
	s.mu.Unlock()

	s.flush(ctx, out)
	return out, nil
}

// Release unpins a session previously returned by Resolve. Safe to call
// for ids that have since been deleted.
func (s *Store) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[id]; ok && e.pins > 0 {
		e.pins--
	}
}

// Touch applies the bookkeeping of one completed call: activity timestamp,
// prompt counter, running totals, and the engine conversation id.
func (s *Store) Touch(ctx context.Context, id string, d Delta) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	e.sess.LastActivity = s.now()
	e.sess.PromptCount++
	e.sess.TotalCostUSD += d.CostUSD
	e.sess.CumulativeTokens += d.Tokens
	if d.Model != "" {
		e.sess.Model = d.Model
	}
	if d.EngineID != "" {
		e.sess.EngineID = d.EngineID
	}
	out := e.sess
	s.mu.Unlock()

	s.flush(ctx, out)
	return nil
}

// Get returns a copy of the session.
func (s *Store) Get(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return e.sess, nil
}

// List returns copies of all sessions ordered by most recent activity.
func (s *Store) List() []Session {
	s.mu.Lock()
	out := make([]Session, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, e.sess)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// Delete removes a session. Returns ErrNotFound for unknown ids.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.sessions, id)
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.DeleteSession(ctx, id); err != nil {
			log.Warn().Err(err).Str("sessionId", id).Msg("Failed to delete persisted session")
		}
	}
	return nil
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// StartSweeper runs the TTL sweep every interval until ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

// sweep removes sessions whose last activity exceeds the TTL.
func (s *Store) sweep(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var expired []string
	for id, e := range s.sessions {
		if e.pins == 0 && now.Sub(e.sess.LastActivity) > s.ttl {
			expired = append(expired, id)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	log.Debug().Int("expired", len(expired)).Msg("Swept expired sessions")
	if s.persist != nil {
		for _, id := range expired {
			if err := s.persist.DeleteSession(ctx, id); err != nil {
				log.Warn().Err(err).Str("sessionId", id).Msg("Failed to delete expired session")
			}
		}
	}
}

// createLocked allocates a fresh session, evicting the least recently
// active unpinned entry when the store is at capacity. Caller holds the
// lock. When every entry is pinned the store temporarily exceeds capacity
// rather than evicting in-flight state.
func (s *Store) createLocked(seed Session) *entry {
	if len(s.sessions) >= s.capacity {
		s.evictLRULocked()
	}

	now := s.now()
	seed.ID = uuid.NewString()
	seed.CreatedAt = now
	seed.LastActivity = now

	e := &entry{sess: seed}
	s.sessions[seed.ID] = e
	return e
}

func (s *Store) evictLRULocked() {
	var victimID string
	var oldest time.Time
	for id, e := range s.sessions {
		if e.pins > 0 {
			continue
		}
		if victimID == "" || e.sess.LastActivity.Before(oldest) {
			victimID = id
			oldest = e.sess.LastActivity
		}
	}
	if victimID == "" {
		return
	}
	delete(s.sessions, victimID)
	log.Debug().Str("sessionId", victimID).Msg("Evicted least recently active session")
	if s.persist != nil {
		// Best effort; the sweep catches stragglers via TTL.
		if err := s.persist.DeleteSession(context.Background(), victimID); err != nil {
			log.Warn().Err(err).Str("sessionId", victimID).Msg("Failed to delete evicted session")
		}
	}
}

func (s *Store) mostRecentLocked() *entry {
	var best *entry
	for _, e := range s.sessions {
		if best == nil || e.sess.LastActivity.After(best.sess.LastActivity) {
			best = e
		}
	}
	return best
}

// flush writes a session snapshot to the persister. Persistence failures
// are logged, never surfaced; the in-memory store remains authoritative.
func (s *Store) flush(ctx context.Context, sess Session) {
	if s.persist == nil {
		return
	}
	if err := s.persist.SaveSession(ctx, sess); err != nil {
		log.Warn().Err(err).Str("sessionId", sess.ID).Msg("Failed to persist session")
	}
}
