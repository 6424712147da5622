// Package ratelimit provides per-API-key admission control for the gateway.
//
// Each key gets its own token bucket. Admission never blocks: a request is
// either admitted immediately or rejected with a retry-after hint.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	// defaultMaxKeys bounds bucket cardinality so hostile clients cannot
	// grow the map without limit.
	defaultMaxKeys = 10000

	pruneInterval  = 5 * time.Minute
	staleThreshold = 10 * time.Minute
)

// RejectedError is returned when admission is denied. The caller may retry
// after RetryAfter; the gateway itself never queues rejected work.
type RejectedError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Millisecond))
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter admits requests against per-key token buckets.
type Limiter struct {
	mu        sync.Mutex
	rps       rate.Limit
	burst     int
	maxKeys   int
	buckets   map[string]*bucket
	lastPrune time.Time
}

// New creates a Limiter allowing rps sustained requests per second with the
// given burst capacity per key.
func New(rps float64, burst int) *Limiter {
	return &Limiter{
		rps:       rate.Limit(rps),
		burst:     burst,
		maxKeys:   defaultMaxKeys,
		buckets:   make(map[string]*bucket),
		lastPrune: time.Now(),
	}
}

// Admit consumes one token for key. It returns nil when the request is
// admitted and a *RejectedError when the bucket is empty.
func (l *Limiter) Admit(key string) error {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) > pruneInterval {
		l.pruneLocked(now)
		l.lastPrune = now
	}

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.evictOldestLocked()
		}
		b = &bucket{lim: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	res := b.lim.ReserveN(now, 1)
	if !res.OK() {
		return &RejectedError{Key: key, RetryAfter: time.Second}
	}
	if delay := res.DelayFrom(now); delay > 0 {
		// Not enough tokens; undo the reservation so the bucket is not
		// charged for a rejected request.
		res.CancelAt(now)
		return &RejectedError{Key: key, RetryAfter: delay}
	}
	return nil
}

// pruneLocked drops buckets that have been idle past staleThreshold.
func (l *Limiter) pruneLocked(now time.Time) {
	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > staleThreshold {
			delete(l.buckets, key)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Int("remaining", len(l.buckets)).Msg("Pruned stale rate limit buckets")
	}
}

// evictOldestLocked removes the oldest tenth of the buckets when the key
// cap is reached.
func (l *Limiter) evictOldestLocked() {
	target := len(l.buckets) / 10
	if target < 1 {
		target = 1
	}
	for i := 0; i < target; i++ {
		var oldestKey string
		var oldest time.Time
		for key, b := range l.buckets {
			if oldestKey == "" || b.lastSeen.Before(oldest) {
				oldestKey = key
				oldest = b.lastSeen
			}
		}
		if oldestKey == "" {
			return
		}
		delete(l.buckets, oldestKey)
	}
	log.Warn().Int("evicted", target).Int("maxKeys", l.maxKeys).Msg("Rate limiter key cap reached, evicted oldest buckets")
}

// Stats reports limiter state for health checks.
type Stats struct {
	ActiveKeys        int     `json:"active_keys"`
	MaxKeys           int     `json:"max_keys"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	BurstSize         int     `json:"burst_size"`
}

// Stats returns a snapshot of the limiter.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		ActiveKeys:        len(l.buckets),
		MaxKeys:           l.maxKeys,
		RequestsPerSecond: float64(l.rps),
		BurstSize:         l.burst,
	}
}
