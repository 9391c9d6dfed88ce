package middleware

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/wolfman30/phi-gateway/internal/observability/metrics"
)

// Metrics counts served requests by route pattern and status code. The chi
// route pattern is used instead of the raw path to keep label cardinality
// bounded.
func Metrics(m *metrics.PipelineMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			endpoint := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					endpoint = pattern
				}
			}
			m.ObserveGatewayRequest(endpoint, strconv.Itoa(rec.status))
		})
	}
}
