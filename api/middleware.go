package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/ratelimit"
)

// statusRecorder captures the response code for logging and histograms.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument wraps a handler with the access log and the duration histogram.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		s.histogram.Observe(elapsed)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", elapsed))
	})
}

// rateLimited wraps a handler with the fixed-window limiter for a category.
// The X-RateLimit headers are stamped on every response; a rejection gets a
// 429 with a Retry-After header and a retryAfter body field.
func (s *Server) rateLimited(category ratelimit.Category, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := ratelimit.ResolveIdentity(r, s.trustProxy)
		decision := s.limiter.Allow(r.Context(), identity, category)

		header := w.Header()
		header.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		header.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		header.Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))

		if !decision.Allowed {
			header.Set("Retry-After", strconv.Itoa(decision.RetryAfter))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":      decision.Message,
				"retryAfter": decision.RetryAfter,
			})
			return
		}

		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
