// Package alert delivers best-effort webhook notifications for critical
// gateway conditions. Delivery failures are logged and never propagate to
// the request that triggered them.
package alert

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	// maxRememberedTypes bounds the per-type rate limit map.
	maxRememberedTypes = 1000
	// rememberedTypeTTL is how long a quiet alert type is remembered.
	rememberedTypeTTL = time.Hour
)

// Severity levels for alerts.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Notifier posts alerts to a webhook. A nil Notifier or one with an empty
// URL is disabled and all sends become no-ops.
type Notifier struct {
	url         string
	minInterval time.Duration
	client      *http.Client

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// New creates a Notifier. url empty disables alerting; timeout bounds each
// webhook POST; minInterval suppresses repeats of the same alert type.
func New(url string, timeout, minInterval time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if minInterval <= 0 {
		minInterval = time.Minute
	}
	return &Notifier{
		url:         url,
		minInterval: minInterval,
		client:      &http.Client{Timeout: timeout},
		lastSent:    make(map[string]time.Time),
		now:         time.Now,
	}
}

// Enabled reports whether a webhook URL is configured.
func (n *Notifier) Enabled() bool { return n != nil && n.url != "" }

// payload is the webhook body.
type payload struct {
	Timestamp string         `json:"timestamp"`
	Event     string         `json:"event"`
	Title     string         `json:"title"`
	Detail    string         `json:"detail"`
	Severity  string         `json:"severity"`
	Service   string         `json:"service"`
	Context   map[string]any `json:"context,omitempty"`
}

// Send posts one alert. The same event type is suppressed within the
// minimum interval to prevent alert storms. Returns true when the alert
// was actually delivered.
func (n *Notifier) Send(ctx context.Context, event, title, detail, severity string, extra map[string]any) bool {
	if !n.Enabled() {
		return false
	}

	now := n.now()
	n.mu.Lock()
	if last, ok := n.lastSent[event]; ok && now.Sub(last) < n.minInterval {
		n.mu.Unlock()
		log.Debug().Str("event", event).Msg("Alert suppressed by rate limit")
		return false
	}
	n.lastSent[event] = now
	n.cleanupLocked(now)
	n.mu.Unlock()

	body, err := json.Marshal(payload{
		Timestamp: now.UTC().Format(time.RFC3339),
		Event:     event,
		Title:     title,
		Detail:    detail,
		Severity:  severity,
		Service:   "claude-code-cli-api",
		Context:   extra,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal alert payload")
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Msg("Failed to build alert request")
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("event", event).Msg("Alert webhook delivery failed")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Warn().Int("status", resp.StatusCode).Str("event", event).Msg("Alert webhook rejected")
		return false
	}
	log.Debug().Str("event", event).Msg("Alert delivered")
	return true
}

// Async fires Send on a goroutine with its own timeout so the originating
// request never waits on webhook delivery.
func (n *Notifier) Async(event, title, detail, severity string, extra map[string]any) {
	if !n.Enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.client.Timeout)
		defer cancel()
		n.Send(ctx, event, title, detail, severity, extra)
	}()
}

// cleanupLocked drops remembered types older than the TTL once the map
// grows past its cap. Caller holds the lock.
func (n *Notifier) cleanupLocked(now time.Time) {
	if len(n.lastSent) < maxRememberedTypes {
		return
	}
	for event, t := range n.lastSent {
		if now.Sub(t) > rememberedTypeTTL {
			delete(n.lastSent, event)
		}
	}
}
