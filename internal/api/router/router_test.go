package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/phi-gateway/internal/assistant"
	"github.com/wolfman30/phi-gateway/internal/http/handlers"
	"github.com/wolfman30/phi-gateway/internal/medscrub"
	"github.com/wolfman30/phi-gateway/pkg/logging"
)

type stubPipeline struct{}

func (stubPipeline) Ask(context.Context, assistant.AskRequest) (*assistant.Answer, error) {
	return &assistant.Answer{Answer: "ok", SessionID: "sess_1"}, nil
}

func (stubPipeline) AnalyzeBundle(context.Context, assistant.AnalyzeRequest) (*assistant.Answer, error) {
	return &assistant.Answer{Answer: "ok", SessionID: "sess_1"}, nil
}

func (stubPipeline) Converse(context.Context, assistant.ConverseRequest) (*assistant.Answer, error) {
	return &assistant.Answer{Answer: "ok", SessionID: "sess_1"}, nil
}

type stubHealth struct{}

func (stubHealth) Health(context.Context) (*medscrub.HealthStatus, error) {
	return &medscrub.HealthStatus{Status: "ok"}, nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	handler := handlers.NewPipelineHandler(stubPipeline{}, stubHealth{}, logging.Default())
	return New(&Config{
		Logger:          logging.Default(),
		PipelineHandler: handler,
		MetricsHandler:  promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{}),
	})
}

func TestRouterHealthEndpoint(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
}

func TestRouterMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
}

func TestRouterPipelineRoutes(t *testing.T) {
	router := newTestRouter(t)

	for _, path := range []string{"/v1/ask", "/v1/analyze", "/v1/converse"} {
		body := `{"resource":{"resourceType":"Patient"},"bundle":{"resourceType":"Bundle"},` +
			`"question":"q","prompt":"p","messages":[{"role":"user","content":"hi"}]}`
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", path, rr.Code, rr.Body.String())
		}
	}
}

func TestRouterUnknownRoute(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/unknown", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
