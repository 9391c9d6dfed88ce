package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/wolfman30/phi-gateway/internal/assistant"
	"github.com/wolfman30/phi-gateway/internal/conversation"
	"github.com/wolfman30/phi-gateway/internal/medscrub"
	"github.com/wolfman30/phi-gateway/pkg/logging"
)

// Pipeline is the slice of the assistant the HTTP layer needs.
type Pipeline interface {
	Ask(ctx context.Context, req assistant.AskRequest) (*assistant.Answer, error)
	AnalyzeBundle(ctx context.Context, req assistant.AnalyzeRequest) (*assistant.Answer, error)
	Converse(ctx context.Context, req assistant.ConverseRequest) (*assistant.Answer, error)
}

// HealthChecker reports reachability of the de-identification service.
type HealthChecker interface {
	Health(ctx context.Context) (*medscrub.HealthStatus, error)
}

// PipelineHandler exposes the ask/analyze/converse pipeline over HTTP.
type PipelineHandler struct {
	pipeline Pipeline
	health   HealthChecker
	logger   *logging.Logger
}

// NewPipelineHandler creates the pipeline HTTP handler.
func NewPipelineHandler(pipeline Pipeline, health HealthChecker, logger *logging.Logger) *PipelineHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &PipelineHandler{
		pipeline: pipeline,
		health:   health,
		logger:   logger.Component("http"),
	}
}

type askRequest struct {
	Resource    json.RawMessage `json:"resource"`
	Question    string          `json:"question"`
	SessionID   string          `json:"sessionId"`
	MaxTokens   int32           `json:"maxTokens"`
	Temperature *float32        `json:"temperature"`
}

type analyzeRequest struct {
	Bundle      json.RawMessage `json:"bundle"`
	Prompt      string          `json:"prompt"`
	SessionID   string          `json:"sessionId"`
	MaxTokens   int32           `json:"maxTokens"`
	Temperature *float32        `json:"temperature"`
}

type converseRequest struct {
	Resource    json.RawMessage            `json:"resource"`
	Messages    []conversation.ChatMessage `json:"messages"`
	SessionID   string                     `json:"sessionId"`
	MaxTokens   int32                      `json:"maxTokens"`
	Temperature *float32                   `json:"temperature"`
}

// Ask handles POST /v1/ask.
func (h *PipelineHandler) Ask(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Resource) == 0 {
		writeError(w, http.StatusBadRequest, "resource is required")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	answer, err := h.pipeline.Ask(r.Context(), assistant.AskRequest{
		Resource:    req.Resource,
		Question:    req.Question,
		SessionID:   req.SessionID,
		MaxTokens:   req.MaxTokens,
		Temperature: temperatureOrDefault(req.Temperature),
	})
	if err != nil {
		h.writePipelineError(w, "ask", err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// Analyze handles POST /v1/analyze.
func (h *PipelineHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Bundle) == 0 {
		writeError(w, http.StatusBadRequest, "bundle is required")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	answer, err := h.pipeline.AnalyzeBundle(r.Context(), assistant.AnalyzeRequest{
		Bundle:      req.Bundle,
		Prompt:      req.Prompt,
		SessionID:   req.SessionID,
		MaxTokens:   req.MaxTokens,
		Temperature: temperatureOrDefault(req.Temperature),
	})
	if err != nil {
		h.writePipelineError(w, "analyze", err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// Converse handles POST /v1/converse.
func (h *PipelineHandler) Converse(w http.ResponseWriter, r *http.Request) {
	var req converseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Resource) == 0 {
		writeError(w, http.StatusBadRequest, "resource is required")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}
	for _, msg := range req.Messages {
		if msg.Role != conversation.ChatRoleUser && msg.Role != conversation.ChatRoleAssistant {
			writeError(w, http.StatusBadRequest, "message roles must be user or assistant")
			return
		}
	}

	answer, err := h.pipeline.Converse(r.Context(), assistant.ConverseRequest{
		Resource:    req.Resource,
		Messages:    req.Messages,
		SessionID:   req.SessionID,
		MaxTokens:   req.MaxTokens,
		Temperature: temperatureOrDefault(req.Temperature),
	})
	if err != nil {
		h.writePipelineError(w, "converse", err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// HealthCheck handles GET /health. The service is healthy only when the
// de-identification dependency is reachable; a gateway that cannot scrub PHI
// must not accept traffic.
func (h *PipelineHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status, err := h.health.Health(r.Context())
	if err != nil {
		h.logger.Error("dependency health check failed", "error", err.Error())
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":     "degraded",
			"dependency": "unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "healthy",
		"dependency": status.Status,
	})
}

// writePipelineError maps pipeline failures onto HTTP statuses. Caller
// mistakes surface as 4xx; upstream failures surface as 502 so load balancers
// can tell them apart from our own 500s. Error messages stay generic because
// upstream detail may quote request content.
func (h *PipelineHandler) writePipelineError(w http.ResponseWriter, operation string, err error) {
	var stage string
	var stageError *assistant.StageError
	if errors.As(err, &stageError) {
		stage = stageError.Stage
	}
	h.logger.Error("pipeline request failed",
		"operation", operation,
		"stage", stage,
		"error", err.Error(),
	)

	var rateLimited *medscrub.RateLimitError
	if errors.As(err, &rateLimited) {
		if rateLimited.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(rateLimited.RetryAfter))
		}
		writeError(w, http.StatusTooManyRequests, "de-identification service rate limit exceeded")
		return
	}
	var authErr *medscrub.AuthError
	if errors.As(err, &authErr) {
		writeError(w, http.StatusBadGateway, "de-identification service rejected gateway credentials")
		return
	}
	var transportErr *medscrub.TransportError
	if errors.As(err, &transportErr) {
		writeError(w, http.StatusBadGateway, "de-identification service unreachable")
		return
	}
	var apiErr *medscrub.APIError
	if errors.As(err, &apiErr) {
		writeError(w, http.StatusBadGateway, "de-identification service error")
		return
	}
	switch stage {
	case assistant.StageGenerate:
		writeError(w, http.StatusBadGateway, "language model request failed")
	case assistant.StageReidentify:
		writeError(w, http.StatusBadGateway, "re-identification failed")
	default:
		writeError(w, http.StatusInternalServerError, "pipeline request failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func temperatureOrDefault(t *float32) float32 {
	if t == nil {
		return -1
	}
	return *t
}
