// Package assistant runs the deidentify → generate → reidentify pipeline.
//
// The pipeline is strictly linear per request. A de-identification failure
// aborts before anything reaches the generation collaborator; this is the
// core safety property: PHI is never transmitted to the language model. A
// generation failure aborts before re-identification is attempted.
//
// An Assistant instance is not safe for concurrent use: it is built for one
// request in flight at a time, and callers issuing parallel requests must
// provide their own synchronization.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/phi-gateway/internal/compliance"
	"github.com/wolfman30/phi-gateway/internal/conversation"
	"github.com/wolfman30/phi-gateway/internal/medscrub"
	"github.com/wolfman30/phi-gateway/internal/observability/metrics"
	"github.com/wolfman30/phi-gateway/pkg/logging"
)

var tracer = otel.Tracer("phigateway.internal.assistant")

// Gateway is the slice of the MedScrub client the pipeline needs.
// *medscrub.Client satisfies it.
type Gateway interface {
	DeidentifyResource(ctx context.Context, resource json.RawMessage, opts medscrub.DeidentifyOptions) (*medscrub.DeidentifyResourceResult, error)
	ReidentifyText(ctx context.Context, text, sessionID string) (*medscrub.ReidentifyTextResult, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Options tunes pipeline behavior.
type Options struct {
	// MaxTokens is the default output budget for Ask and Converse.
	MaxTokens int32
	// AnalysisMaxTokens is the default output budget for AnalyzeBundle;
	// aggregate analyses tend to run longer.
	AnalysisMaxTokens int32
	// SanitizedFallback controls what happens when re-identification fails
	// after a successful generation call. When false (the default) the call
	// fails outright. When true the caller receives the sanitized answer
	// with Degraded set; the failure is still logged and audited.
	SanitizedFallback bool
}

func (o Options) withDefaults() Options {
	if o.MaxTokens <= 0 {
		o.MaxTokens = 1024
	}
	if o.AnalysisMaxTokens <= 0 {
		o.AnalysisMaxTokens = 2048
	}
	return o
}

// Assistant composes the de-identification gateway with a chat-completion
// collaborator.
type Assistant struct {
	gateway Gateway
	llm     conversation.LLMClient
	model   string
	opts    Options
	logger  *logging.Logger
	metrics *metrics.PipelineMetrics
	audit   *compliance.AuditService

	mu           sync.Mutex
	ownedSession string
}

// New creates an Assistant. Metrics and audit may be nil; logger defaults.
func New(gateway Gateway, llm conversation.LLMClient, model string, opts Options, logger *logging.Logger, m *metrics.PipelineMetrics, audit *compliance.AuditService) *Assistant {
	if gateway == nil {
		panic("assistant: gateway cannot be nil")
	}
	if llm == nil {
		panic("assistant: llm client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Assistant{
		gateway: gateway,
		llm:     llm,
		model:   model,
		opts:    opts.withDefaults(),
		logger:  logger.Component("assistant"),
		metrics: m,
		audit:   audit,
	}
}

// AskRequest asks one question about one record.
type AskRequest struct {
	// Resource is a FHIR resource or Bundle containing PHI.
	Resource json.RawMessage
	Question string
	// SessionID continues an existing de-identification session. Leave empty
	// to let the service allocate one; the assistant then owns it and Close
	// will delete it.
	SessionID string
	// MaxTokens overrides the configured default when positive.
	MaxTokens int32
	// Temperature is forwarded to the provider; negative means provider
	// default.
	Temperature float32
	// SystemPrompt overrides the default echo-tokens-verbatim instruction.
	SystemPrompt string
}

// AnalyzeRequest analyzes a multi-record FHIR Bundle.
type AnalyzeRequest struct {
	Bundle      json.RawMessage
	Prompt      string
	SessionID   string
	MaxTokens   int32
	Temperature float32
}

// ConverseRequest continues a multi-turn conversation about one record.
// Session continuity across calls is the caller's responsibility: pass the
// SessionID returned by the previous call.
type ConverseRequest struct {
	Resource    json.RawMessage
	Messages    []conversation.ChatMessage
	SessionID   string
	MaxTokens   int32
	Temperature float32
}

// Answer is the assembled pipeline result.
type Answer struct {
	// Answer is the model reply with original identifiers restored. Empty
	// when Degraded is set.
	Answer string `json:"answer"`
	// SanitizedAnswer is the reply exactly as the model produced it, tokens
	// included.
	SanitizedAnswer string                 `json:"sanitizedAnswer"`
	SessionID       string                 `json:"sessionId"`
	Usage           conversation.TokenUsage `json:"usage"`
	Model           string                 `json:"model"`
	ProcessingTime  time.Duration          `json:"-"`
	ProcessingMS    int64                  `json:"processingTime"`
	// Degraded marks a sanitized-only result returned because
	// re-identification failed and SanitizedFallback is enabled.
	Degraded bool `json:"degraded,omitempty"`
}

// Ask de-identifies the record, asks the model the question over the
// sanitized artifact, and restores identifiers in the reply.
func (a *Assistant) Ask(ctx context.Context, req AskRequest) (*Answer, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, stageErr(StageDeidentify, errors.New("question is required"))
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.opts.MaxTokens
	}
	return a.run(ctx, "ask", req.Resource, req.SessionID, func(artifact string) ([]string, []conversation.ChatMessage) {
		system := req.SystemPrompt
		if system == "" {
			system = defaultSystemPrompt
		}
		return []string{system}, []conversation.ChatMessage{{
			Role:    conversation.ChatRoleUser,
			Content: buildQuestionPrompt(artifact, req.Question),
		}}
	}, maxTokens, req.Temperature)
}

// AnalyzeBundle runs the same pipeline over a Bundle with a larger default
// output budget.
func (a *Assistant) AnalyzeBundle(ctx context.Context, req AnalyzeRequest) (*Answer, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.opts.AnalysisMaxTokens
	}
	return a.Ask(ctx, AskRequest{
		Resource:    req.Bundle,
		Question:    req.Prompt,
		SessionID:   req.SessionID,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})
}

// Converse de-identifies the record once, injects the sanitized artifact into
// the first user turn of the supplied history, forwards the remaining turns
// unchanged, and re-identifies only the final model reply.
func (a *Assistant) Converse(ctx context.Context, req ConverseRequest) (*Answer, error) {
	if len(req.Messages) == 0 {
		return nil, stageErr(StageDeidentify, errors.New("message history is required"))
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.opts.MaxTokens
	}
	return a.run(ctx, "converse", req.Resource, req.SessionID, func(artifact string) ([]string, []conversation.ChatMessage) {
		return []string{defaultSystemPrompt}, injectRecordContext(artifact, req.Messages)
	}, maxTokens, req.Temperature)
}

type promptBuilder func(artifact string) (system []string, messages []conversation.ChatMessage)

func (a *Assistant) run(ctx context.Context, operation string, resource json.RawMessage, sessionID string, build promptBuilder, maxTokens int32, temperature float32) (*Answer, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "assistant."+operation)
	defer span.End()

	// Stage 1: de-identify. Nothing reaches the model unless this succeeds.
	stageStart := time.Now()
	deidentified, err := a.gateway.DeidentifyResource(ctx, resource, medscrub.DeidentifyOptions{
		SessionID:    sessionID,
		OutputFormat: medscrub.OutputFormatLLMOptimized,
	})
	a.metrics.ObserveStageLatency(StageDeidentify, time.Since(stageStart).Seconds())
	if err != nil {
		span.RecordError(err)
		a.metrics.ObserveRequest(operation, "deidentify_error")
		return nil, stageErr(StageDeidentify, err)
	}

	session := deidentified.SessionID
	if sessionID == "" && session != "" {
		a.adoptSession(session)
	}
	span.SetAttributes(
		attribute.String("phigateway.session_id", session),
		attribute.Int("phigateway.detected_phi", len(deidentified.DetectedPHI)),
	)
	a.auditDeidentified(ctx, session, operation, len(deidentified.DetectedPHI), time.Since(stageStart))

	system, messages := build(deidentified.ArtifactText())

	// Stage 2: generate against the sanitized artifact only.
	stageStart = time.Now()
	llmResp, err := a.llm.Complete(ctx, conversation.LLMRequest{
		Model:       a.model,
		System:      system,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	a.metrics.ObserveStageLatency(StageGenerate, time.Since(stageStart).Seconds())
	if err != nil {
		span.RecordError(err)
		a.metrics.ObserveRequest(operation, "generate_error")
		a.auditGenerationFailed(ctx, session, operation)
		return nil, stageErr(StageGenerate, err)
	}
	a.metrics.ObserveTokens(llmResp.Usage.InputTokens, llmResp.Usage.OutputTokens)

	// Stage 3: re-identify the model reply under the same session.
	stageStart = time.Now()
	restored, err := a.gateway.ReidentifyText(ctx, llmResp.Text, session)
	a.metrics.ObserveStageLatency(StageReidentify, time.Since(stageStart).Seconds())
	if err != nil {
		span.RecordError(err)
		a.auditReidentifyFailed(ctx, session, operation, a.opts.SanitizedFallback)
		if !a.opts.SanitizedFallback {
			a.metrics.ObserveRequest(operation, "reidentify_error")
			return nil, stageErr(StageReidentify, err)
		}
		a.logger.Warn("re-identification failed, returning sanitized answer",
			"operation", operation,
			"session_id", session,
			"error", err.Error(),
		)
		a.metrics.ObserveRequest(operation, "degraded")
		return &Answer{
			SanitizedAnswer: llmResp.Text,
			SessionID:       session,
			Usage:           llmResp.Usage,
			Model:           a.model,
			ProcessingTime:  time.Since(start),
			ProcessingMS:    time.Since(start).Milliseconds(),
			Degraded:        true,
		}, nil
	}

	a.metrics.ObserveRequest(operation, "ok")
	elapsed := time.Since(start)
	return &Answer{
		Answer:          restored.ReidentifiedText,
		SanitizedAnswer: llmResp.Text,
		SessionID:       session,
		Usage:           llmResp.Usage,
		Model:           a.model,
		ProcessingTime:  elapsed,
		ProcessingMS:    elapsed.Milliseconds(),
	}, nil
}

// SessionID returns the session this assistant owns, if any.
func (a *Assistant) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ownedSession
}

// Close deletes the session the assistant itself created, if any. Sessions
// supplied by the caller are never deleted here. Close is idempotent and
// treats an already-deleted session as success, so it is safe to defer on
// every exit path.
func (a *Assistant) Close(ctx context.Context) error {
	a.mu.Lock()
	session := a.ownedSession
	a.ownedSession = ""
	a.mu.Unlock()

	if session == "" {
		return nil
	}
	if err := a.gateway.DeleteSession(ctx, session); err != nil && !medscrub.IsNotFound(err) {
		a.logger.Error("failed to delete owned session", "session_id", session, "error", err.Error())
		return stageErr(StageCleanup, err)
	}
	a.logger.Info("owned session deleted", "session_id", session)
	if a.audit != nil {
		if err := a.audit.LogSessionDeleted(ctx, session); err != nil {
			a.logger.Warn("audit write failed", "event", compliance.EventSessionDeleted, "error", err.Error())
		}
	}
	return nil
}

func (a *Assistant) adoptSession(session string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ownedSession == "" {
		a.ownedSession = session
	}
}

// Audit writes are best-effort: a failed audit insert is logged but never
// aborts the pipeline.
func (a *Assistant) auditDeidentified(ctx context.Context, session, operation string, entityCount int, latency time.Duration) {
	if a.audit == nil {
		return
	}
	if err := a.audit.LogDeidentified(ctx, session, operation, entityCount, latency); err != nil {
		a.logger.Warn("audit write failed", "event", compliance.EventDeidentified, "error", err.Error())
	}
}

func (a *Assistant) auditGenerationFailed(ctx context.Context, session, operation string) {
	if a.audit == nil {
		return
	}
	if err := a.audit.LogGenerationFailed(ctx, session, operation); err != nil {
		a.logger.Warn("audit write failed", "event", compliance.EventGenerationFailed, "error", err.Error())
	}
}

func (a *Assistant) auditReidentifyFailed(ctx context.Context, session, operation string, degraded bool) {
	if a.audit == nil {
		return
	}
	if err := a.audit.LogReidentifyFailed(ctx, session, operation, degraded); err != nil {
		a.logger.Warn("audit write failed", "event", compliance.EventReidentifyFailed, "error", err.Error())
	}
}
