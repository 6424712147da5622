package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

// fakePersister records persistence calls for assertions.
type fakePersister struct {
	mu      sync.Mutex
	saved   map[string]Session
	deleted []string
	loadSet []Session
	saveErr error
}

func newFakePersister() *fakePersister {
	return &fakePersister{saved: make(map[string]Session)}
}

func (f *fakePersister) SaveSession(_ context.Context, s Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved[s.ID] = s
	return nil
}

func (f *fakePersister) DeleteSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	delete(f.saved, id)
	return nil
}

func (f *fakePersister) LoadSessions(_ context.Context) ([]Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadSet, nil
}

type StoreSuite struct {
	suite.Suite
	store   *Store
	persist *fakePersister
	clock   time.Time
}

func (s *StoreSuite) SetupTest() {
	s.clock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.persist = newFakePersister()
	s.store = New(3, time.Hour, s.persist)
	s.store.now = func() time.Time { return s.clock }
}

func (s *StoreSuite) advance(d time.Duration) {
	s.clock = s.clock.Add(d)
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) resolve(spec ResolveSpec) Session {
	s.T().Helper()
	sess, err := s.store.Resolve(context.Background(), spec)
	s.Require().NoError(err)
	return sess
}

func (s *StoreSuite) TestCreateFresh() {
	sess := s.resolve(ResolveSpec{WorkingDirectory: "/workspace", Model: "sonnet"})

	s.NotEmpty(sess.ID)
	s.Empty(sess.EngineID)
	s.Equal("/workspace", sess.WorkingDirectory)
	s.Equal("sonnet", sess.Model)
	s.Equal(s.clock, sess.CreatedAt)
	s.Equal(1, s.store.Len())
}

func (s *StoreSuite) TestResumeExisting() {
	created := s.resolve(ResolveSpec{})
	s.store.Release(created.ID)

	resumed := s.resolve(ResolveSpec{ResumeID: created.ID})
	s.Equal(created.ID, resumed.ID)
	s.Equal(1, s.store.Len())
}

func (s *StoreSuite) TestResumeUnknownFails() {
	_, err := s.store.Resolve(context.Background(), ResolveSpec{ResumeID: "no-such-id"})
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreSuite) TestForkCreatesIndependentSession() {
	parent := s.resolve(ResolveSpec{WorkingDirectory: "/workspace", Model: "sonnet"})
	s.Require().NoError(s.store.Touch(context.Background(), parent.ID, Delta{EngineID: "eng-1", CostUSD: 0.5}))
	s.store.Release(parent.ID)

	fork := s.resolve(ResolveSpec{ResumeID: parent.ID, Fork: true})

	s.NotEqual(parent.ID, fork.ID)
	s.Equal(parent.ID, fork.ForkedFrom)
	s.Equal("eng-1", fork.EngineID, "fork resumes the parent's engine conversation")
	s.Equal("/workspace", fork.WorkingDirectory)
	s.Zero(fork.TotalCostUSD, "totals do not carry across a fork")

	// Touching the fork must not disturb the parent.
	s.Require().NoError(s.store.Touch(context.Background(), fork.ID, Delta{EngineID: "eng-2"}))
	got, err := s.store.Get(parent.ID)
	s.Require().NoError(err)
	s.Equal("eng-1", got.EngineID)
}

func (s *StoreSuite) TestContinueLastPicksMostRecent() {
	a := s.resolve(ResolveSpec{})
	s.store.Release(a.ID)
	s.advance(time.Minute)
	b := s.resolve(ResolveSpec{})
	s.store.Release(b.ID)
	s.advance(time.Minute)
	s.Require().NoError(s.store.Touch(context.Background(), a.ID, Delta{}))

	got := s.resolve(ResolveSpec{ContinueLast: true})
	s.Equal(a.ID, got.ID, "continue resolves to the most recently active session")
}

func (s *StoreSuite) TestContinueLastCreatesWhenEmpty() {
	got := s.resolve(ResolveSpec{ContinueLast: true, Model: "opus"})
	s.NotEmpty(got.ID)
	s.Equal("opus", got.Model)
}

func (s *StoreSuite) TestTouchAccumulates() {
	sess := s.resolve(ResolveSpec{})
	ctx := context.Background()

	s.Require().NoError(s.store.Touch(ctx, sess.ID, Delta{CostUSD: 0.25, Tokens: 100, Model: "sonnet", EngineID: "eng-1"}))
	s.Require().NoError(s.store.Touch(ctx, sess.ID, Delta{CostUSD: 0.50, Tokens: 200}))

	got, err := s.store.Get(sess.ID)
	s.Require().NoError(err)
	s.Equal(2, got.PromptCount)
	s.InDelta(0.75, got.TotalCostUSD, 1e-9)
	s.Equal(int64(300), got.CumulativeTokens)
	s.Equal("eng-1", got.EngineID, "empty delta fields leave previous values")
}

func (s *StoreSuite) TestLRUEvictionAtCapacity() {
	a := s.resolve(ResolveSpec{})
	s.store.Release(a.ID)
	s.advance(time.Minute)
	b := s.resolve(ResolveSpec{})
	s.store.Release(b.ID)
	s.advance(time.Minute)
	c := s.resolve(ResolveSpec{})
	s.store.Release(c.ID)
	s.advance(time.Minute)

	// Capacity is 3; the fourth session evicts the least recently active.
	d := s.resolve(ResolveSpec{})
	s.store.Release(d.ID)

	s.Equal(3, s.store.Len())
	_, err := s.store.Get(a.ID)
	s.ErrorIs(err, ErrNotFound)
	s.Contains(s.persist.deleted, a.ID)
}

func (s *StoreSuite) TestPinnedSessionsSurviveEviction() {
	a := s.resolve(ResolveSpec{}) // stays pinned
	s.advance(time.Minute)
	b := s.resolve(ResolveSpec{})
	s.store.Release(b.ID)
	s.advance(time.Minute)
	c := s.resolve(ResolveSpec{})
	s.store.Release(c.ID)
	s.advance(time.Minute)

	d := s.resolve(ResolveSpec{})
	s.store.Release(d.ID)

	// The oldest session is pinned, so the next oldest goes instead.
	_, err := s.store.Get(a.ID)
	s.NoError(err)
	_, err = s.store.Get(b.ID)
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreSuite) TestAllPinnedExceedsCapacity() {
	for i := 0; i < 4; i++ {
		s.resolve(ResolveSpec{}) // never released
	}
	s.Equal(4, s.store.Len(), "pinned entries are never evicted, capacity is a soft bound")
}

func (s *StoreSuite) TestSweepExpiresByTTL() {
	a := s.resolve(ResolveSpec{})
	s.store.Release(a.ID)
	s.advance(30 * time.Minute)
	b := s.resolve(ResolveSpec{})
	s.store.Release(b.ID)

	s.advance(45 * time.Minute)
	s.store.sweep(context.Background())

	_, err := s.store.Get(a.ID)
	s.ErrorIs(err, ErrNotFound, "75 minutes idle exceeds the 1h TTL")
	_, err = s.store.Get(b.ID)
	s.NoError(err)
	s.Contains(s.persist.deleted, a.ID)
}

func (s *StoreSuite) TestSweepSkipsPinned() {
	a := s.resolve(ResolveSpec{}) // pinned
	s.advance(2 * time.Hour)
	s.store.sweep(context.Background())

	_, err := s.store.Get(a.ID)
	s.NoError(err, "pinned sessions must not expire mid-call")
}

func (s *StoreSuite) TestDelete() {
	sess := s.resolve(ResolveSpec{})
	s.store.Release(sess.ID)

	s.Require().NoError(s.store.Delete(context.Background(), sess.ID))
	s.ErrorIs(s.store.Delete(context.Background(), sess.ID), ErrNotFound)
	s.Contains(s.persist.deleted, sess.ID)
}

func (s *StoreSuite) TestListOrdersByActivity() {
	a := s.resolve(ResolveSpec{})
	s.store.Release(a.ID)
	s.advance(time.Minute)
	b := s.resolve(ResolveSpec{})
	s.store.Release(b.ID)
	s.advance(time.Minute)
	s.Require().NoError(s.store.Touch(context.Background(), a.ID, Delta{}))

	list := s.store.List()
	s.Require().Len(list, 2)
	s.Equal(a.ID, list[0].ID)
	s.Equal(b.ID, list[1].ID)
}

func (s *StoreSuite) TestResolvePersistsSnapshot() {
	sess := s.resolve(ResolveSpec{})
	s.persist.mu.Lock()
	_, ok := s.persist.saved[sess.ID]
	s.persist.mu.Unlock()
	s.True(ok)
}

func (s *StoreSuite) TestPersistFailureDoesNotSurface() {
	s.persist.saveErr = assert.AnError
	sess, err := s.store.Resolve(context.Background(), ResolveSpec{})
	s.NoError(err, "persistence is best effort")
	s.NotEmpty(sess.ID)
}

func (s *StoreSuite) TestLoadPersistedSkipsExpired() {
	s.persist.loadSet = []Session{
		{ID: "fresh", LastActivity: s.clock.Add(-30 * time.Minute), CreatedAt: s.clock.Add(-time.Hour)},
		{ID: "stale", LastActivity: s.clock.Add(-2 * time.Hour), CreatedAt: s.clock.Add(-3 * time.Hour)},
	}

	s.Require().NoError(s.store.LoadPersisted(context.Background()))
	s.Equal(1, s.store.Len())
	_, err := s.store.Get("fresh")
	s.NoError(err)
	_, err = s.store.Get("stale")
	s.ErrorIs(err, ErrNotFound)
}

func TestStoreWithoutPersister(t *testing.T) {
	store := New(10, time.Hour, nil)
	sess, err := store.Resolve(context.Background(), ResolveSpec{})
	assert.NoError(t, err)
	store.Release(sess.ID)
	assert.NoError(t, store.Delete(context.Background(), sess.ID))
	assert.NoError(t, store.LoadPersisted(context.Background()))
}

func TestConcurrentTouch(t *testing.T) {
	store := New(10, time.Hour, nil)
	sess, err := store.Resolve(context.Background(), ResolveSpec{})
	assert.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Touch(context.Background(), sess.ID, Delta{Tokens: 1})
		}()
	}
	wg.Wait()

	got, err := store.Get(sess.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(50), got.CumulativeTokens, "concurrent updates must not lose bookkeeping")
	assert.Equal(t, 50, got.PromptCount)
}
