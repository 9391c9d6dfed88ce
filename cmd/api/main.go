package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/wolfman30/phi-gateway/cmd/mainconfig"
	"github.com/wolfman30/phi-gateway/internal/api/router"
	"github.com/wolfman30/phi-gateway/internal/assistant"
	"github.com/wolfman30/phi-gateway/internal/compliance"
	appconfig "github.com/wolfman30/phi-gateway/internal/config"
	"github.com/wolfman30/phi-gateway/internal/conversation"
	"github.com/wolfman30/phi-gateway/internal/http/handlers"
	"github.com/wolfman30/phi-gateway/internal/medscrub"
	"github.com/wolfman30/phi-gateway/internal/observability/metrics"
	"github.com/wolfman30/phi-gateway/pkg/logging"
)

func main() {
	// .env is a development convenience; production sets real env vars.
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err.Error())
		os.Exit(1)
	}

	logger.Info("starting phi-gateway API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"llm_provider", cfg.LLMProvider,
	)

	scrubber, err := medscrub.New(medscrub.Config{
		BaseURL:  cfg.MedScrubAPIURL,
		JWTToken: cfg.MedScrubJWTToken,
		APIKey:   cfg.MedScrubAPIKey,
		Timeout:  cfg.MedScrubTimeout,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to create de-identification client", "error", err.Error())
		os.Exit(1)
	}
	if expiry, ok := scrubber.CredentialExpiry(); ok {
		switch remaining := time.Until(expiry); {
		case remaining <= 0:
			logger.Error("MedScrub JWT is already expired", "expired_at", expiry.Format(time.RFC3339))
		case remaining < 24*time.Hour:
			logger.Warn("MedScrub JWT expires soon", "expires_at", expiry.Format(time.RFC3339))
		}
	}

	llm, model, cleanup, err := buildLLMClient(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to initialize LLM provider", "provider", cfg.LLMProvider, "error", err.Error())
		os.Exit(1)
	}
	defer cleanup()

	var audit *compliance.AuditService
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open audit database", "error", err.Error())
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		if err := db.PingContext(context.Background()); err != nil {
			logger.Error("audit database unreachable", "error", err.Error())
			os.Exit(1)
		}
		audit = compliance.NewAuditService(db)
		logger.Info("audit trail enabled")
	} else {
		logger.Warn("DATABASE_URL not set, audit trail disabled")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	pipelineMetrics := metrics.NewPipelineMetrics(registry)

	asst := assistant.New(scrubber, llm, model, assistant.Options{
		MaxTokens:         int32(cfg.AssistantMaxTokens),
		AnalysisMaxTokens: int32(cfg.AssistantAnalysisMaxTokens),
		SanitizedFallback: cfg.AssistantSanitizedFallback,
	}, logger, pipelineMetrics, audit)

	pipelineHandler := handlers.NewPipelineHandler(asst, scrubber, logger)
	r := router.New(&router.Config{
		Logger:          logger,
		PipelineHandler: pipelineHandler,
		Metrics:         pipelineMetrics,
		MetricsHandler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err.Error())
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err.Error())
		os.Exit(1)
	}

	// Delete any session the pipeline still owns so token mappings do not
	// outlive the process.
	if err := asst.Close(ctx); err != nil {
		logger.Error("session cleanup failed during shutdown", "error", err.Error())
	}

	logger.Info("server stopped")
}

// buildLLMClient wires the configured provider. The returned cleanup releases
// provider resources and is always safe to call.
func buildLLMClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (conversation.LLMClient, string, func(), error) {
	noop := func() {}

	switch cfg.LLMProvider {
	case "bedrock":
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, "", noop, err
		}
		primary := conversation.NewBedrockLLMClient(bedrockruntime.NewFromConfig(awsCfg))

		// A Gemini key alongside Bedrock enables cross-provider failover.
		if cfg.GeminiAPIKey != "" {
			secondary, err := conversation.NewGeminiLLMClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
			if err != nil {
				logger.Warn("gemini fallback unavailable", "error", err.Error())
				return primary, cfg.BedrockModelID, noop, nil
			}
			client := conversation.NewFallbackLLMClient(primary, secondary, logger)
			return client, cfg.BedrockModelID, func() { _ = secondary.Close() }, nil
		}
		return primary, cfg.BedrockModelID, noop, nil

	case "gemini":
		client, err := conversation.NewGeminiLLMClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			return nil, "", noop, err
		}
		return client, cfg.GeminiModelID, func() { _ = client.Close() }, nil

	default:
		return nil, "", noop, fmt.Errorf("unsupported LLM provider %q", cfg.LLMProvider)
	}
}
