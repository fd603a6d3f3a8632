package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/waddleai/waddleai/internal/metrics"
)

// Observe returns middleware recording the request counter and duration
// histogram, labeled by route pattern rather than raw path so high-cardinality
// URLs cannot blow up the metric space.
func Observe(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)

			next.ServeHTTP(rw, r)

			endpoint := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				endpoint = rctx.RoutePattern()
			}
			m.ObserveRequest(endpoint, r.Method, rw.statusCode, time.Since(start))
		})
	}
}
