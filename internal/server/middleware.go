package server

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type ctxKey int

const rateKeyCtx ctxKey = iota

func withRateKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, rateKeyCtx, key)
}

// rateKeyFrom returns the rate-limit identity set by authenticate.
func rateKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(rateKeyCtx).(string)
	return key
}

// authenticate verifies the API key when keys are configured. The validated
// key (or the client address when auth is disabled) becomes the rate-limit
// identity for the request.
func (s *Service) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := apiKeyFrom(r)

		if len(s.cfg.APIKeys) == 0 {
			next.ServeHTTP(w, r.WithContext(withRateKey(r.Context(), clientAddr(r))))
			return
		}

		if presented == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		// Compare against every configured key so timing does not reveal
		// which prefix matched.
		valid := false
		for _, key := range s.cfg.APIKeys {
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
				valid = true
			}
		}
		if !valid {
			log.Warn().Str("keyPrefix", truncateKey(presented)).Msg("Rejected invalid API key")
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(withRateKey(r.Context(), presented)))
	})
}

// limitBody caps the request body size before any handler reads it.
func (s *Service) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.MaxRequestBodySize > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request with method, path, status and
// latency.
func (s *Service) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("elapsed", time.Since(start)).
			Msg("Request handled")
	})
}

// statusWriter records the status code while passing Flush through so SSE
// handlers keep working behind the logger.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func apiKeyFrom(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return ""
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// truncateKey returns a loggable key prefix. Full keys never reach logs.
func truncateKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:8] + "..."
}
