package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type LimiterSuite struct {
	suite.Suite
}

func TestLimiterSuite(t *testing.T) {
	suite.Run(t, new(LimiterSuite))
}

func (s *LimiterSuite) TestAdmitWithinBurst() {
	l := New(1.0, 5)
	for i := 0; i < 5; i++ {
		s.NoError(l.Admit("key-a"), "request %d should fit in the burst", i)
	}
}

func (s *LimiterSuite) TestRejectBeyondBurst() {
	l := New(1.0, 2)
	s.NoError(l.Admit("key-a"))
	s.NoError(l.Admit("key-a"))

	err := l.Admit("key-a")
	var rejected *RejectedError
	s.Require().ErrorAs(err, &rejected)
	s.Equal("key-a", rejected.Key)
	s.Greater(rejected.RetryAfter, time.Duration(0))
}

func (s *LimiterSuite) TestKeysAreIndependent() {
	l := New(1.0, 1)
	s.NoError(l.Admit("key-a"))
	s.Error(l.Admit("key-a"))

	// A different key has its own untouched bucket.
	s.NoError(l.Admit("key-b"))
}

func (s *LimiterSuite) TestRejectionDoesNotChargeBucket() {
	l := New(1.0, 1)
	s.NoError(l.Admit("key-a"))

	// Rejected attempts must not push the retry horizon further out.
	first := retryAfter(s.T(), l, "key-a")
	for i := 0; i < 10; i++ {
		_ = l.Admit("key-a")
	}
	last := retryAfter(s.T(), l, "key-a")
	s.LessOrEqual(last, first)
}

func (s *LimiterSuite) TestErrorOmitsKey() {
	l := New(1.0, 1)
	s.NoError(l.Admit("sk-secret-key"))
	err := l.Admit("sk-secret-key")
	s.Require().Error(err)
	s.NotContains(err.Error(), "sk-secret-key")
}

func (s *LimiterSuite) TestStats() {
	l := New(10.0, 20)
	s.NoError(l.Admit("key-a"))
	s.NoError(l.Admit("key-b"))

	st := l.Stats()
	s.Equal(2, st.ActiveKeys)
	s.Equal(defaultMaxKeys, st.MaxKeys)
	s.Equal(10.0, st.RequestsPerSecond)
	s.Equal(20, st.BurstSize)
}

func retryAfter(t *testing.T, l *Limiter, key string) time.Duration {
	t.Helper()
	err := l.Admit(key)
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	return rejected.RetryAfter
}

func TestPruneDropsStaleBuckets(t *testing.T) {
	l := New(1.0, 1)
	require.NoError(t, l.Admit("key-a"))
	require.NoError(t, l.Admit("key-b"))
	require.Equal(t, 2, l.Stats().ActiveKeys)

	// Age one bucket past the stale threshold and force a prune cycle.
	l.mu.Lock()
	l.buckets["key-a"].lastSeen = time.Now().Add(-staleThreshold - time.Minute)
	l.lastPrune = time.Now().Add(-pruneInterval - time.Minute)
	l.mu.Unlock()

	require.NoError(t, l.Admit("key-c"))

	l.mu.Lock()
	_, aAlive := l.buckets["key-a"]
	_, bAlive := l.buckets["key-b"]
	l.mu.Unlock()
	assert.False(t, aAlive)
	assert.True(t, bAlive)
}

func TestKeyCapEvictsOldest(t *testing.T) {
	l := New(1.0, 1)
	l.maxKeys = 10

	base := time.Now().Add(-time.Minute)
	l.mu.Lock()
	for i := 0; i < 10; i++ {
		l.buckets[fmt.Sprintf("key-%02d", i)] = &bucket{
			lim:      nil,
			lastSeen: base.Add(time.Duration(i) * time.Second),
		}
	}
	l.mu.Unlock()

	// Admitting a new key at the cap evicts the oldest tenth.
	require.NoError(t, l.Admit("key-new"))

	l.mu.Lock()
	_, oldestAlive := l.buckets["key-00"]
	_, newAlive := l.buckets["key-new"]
	total := len(l.buckets)
	l.mu.Unlock()

	assert.False(t, oldestAlive, "oldest bucket should be evicted")
	assert.True(t, newAlive)
	assert.Equal(t, 10, total)
}
