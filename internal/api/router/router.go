package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/wolfman30/phi-gateway/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/phi-gateway/internal/http/middleware"
	"github.com/wolfman30/phi-gateway/internal/observability/metrics"
	"github.com/wolfman30/phi-gateway/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger             *logging.Logger
	PipelineHandler    *handlers.PipelineHandler
	Metrics            *metrics.PipelineMetrics
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string
}

// New creates a Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}
	if cfg.Metrics != nil {
		r.Use(httpmiddleware.Metrics(cfg.Metrics))
	}

	r.Get("/health", cfg.PipelineHandler.HealthCheck)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/ask", cfg.PipelineHandler.Ask)
		v1.Post("/analyze", cfg.PipelineHandler.Analyze)
		v1.Post("/converse", cfg.PipelineHandler.Converse)
	})

	return r
}
