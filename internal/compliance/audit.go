// Package compliance records a PHI-free audit trail of pipeline activity.
package compliance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEventType represents the type of pipeline audit event.
type AuditEventType string

const (
	// EventDeidentified is logged after a record is de-identified and before
	// anything is forwarded to the generation collaborator.
	EventDeidentified AuditEventType = "pipeline.deidentified"
	// EventGenerationFailed is logged when the generation collaborator fails;
	// no re-identification was attempted.
	EventGenerationFailed AuditEventType = "pipeline.generation_failed"
	// EventReidentifyFailed is logged when restoration fails after a
	// successful generation call.
	EventReidentifyFailed AuditEventType = "pipeline.reidentify_failed"
	// EventSessionDeleted is logged when an owned session is torn down.
	EventSessionDeleted AuditEventType = "pipeline.session_deleted"
)

// AuditEvent is an immutable audit record. It carries session identifiers
// and counts only, never record content, prompts, or answers, which may
// contain PHI on one side of the boundary.
type AuditEvent struct {
	ID        string          `json:"id"`
	EventType AuditEventType  `json:"event_type"`
	SessionID string          `json:"session_id,omitempty"`
	Operation string          `json:"operation,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditDetails contains event-specific details.
type AuditDetails struct {
	EntityCount  int    `json:"entity_count,omitempty"`
	LatencyMS    int64  `json:"latency_ms,omitempty"`
	FailureStage string `json:"failure_stage,omitempty"`
	StatusCode   int    `json:"status_code,omitempty"`
	Degraded     bool   `json:"degraded,omitempty"`
}

// AuditService handles pipeline audit logging.
type AuditService struct {
	db *sql.DB
}

// NewAuditService creates a new audit service.
func NewAuditService(db *sql.DB) *AuditService {
	return &AuditService{db: db}
}

// LogEvent records an audit event.
func (s *AuditService) LogEvent(ctx context.Context, event AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO pipeline_audit_events (
			id, event_type, session_id, operation, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.EventType,
		nullString(event.SessionID),
		nullString(event.Operation),
		event.Details,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("compliance: failed to log audit event: %w", err)
	}
	return nil
}

// LogDeidentified logs a completed de-identification step.
func (s *AuditService) LogDeidentified(ctx context.Context, sessionID, operation string, entityCount int, latency time.Duration) error {
	details, _ := json.Marshal(AuditDetails{
		EntityCount: entityCount,
		LatencyMS:   latency.Milliseconds(),
	})
	return s.LogEvent(ctx, AuditEvent{
		EventType: EventDeidentified,
		SessionID: sessionID,
		Operation: operation,
		Details:   details,
	})
}

// LogGenerationFailed logs a generation-stage failure.
func (s *AuditService) LogGenerationFailed(ctx context.Context, sessionID, operation string) error {
	details, _ := json.Marshal(AuditDetails{FailureStage: "generate"})
	return s.LogEvent(ctx, AuditEvent{
		EventType: EventGenerationFailed,
		SessionID: sessionID,
		Operation: operation,
		Details:   details,
	})
}

// LogReidentifyFailed logs a restoration failure, noting whether the caller
// received the sanitized answer as a degraded result.
func (s *AuditService) LogReidentifyFailed(ctx context.Context, sessionID, operation string, degraded bool) error {
	details, _ := json.Marshal(AuditDetails{FailureStage: "reidentify", Degraded: degraded})
	return s.LogEvent(ctx, AuditEvent{
		EventType: EventReidentifyFailed,
		SessionID: sessionID,
		Operation: operation,
		Details:   details,
	})
}

// LogSessionDeleted logs owned-session teardown.
func (s *AuditService) LogSessionDeleted(ctx context.Context, sessionID string) error {
	return s.LogEvent(ctx, AuditEvent{
		EventType: EventSessionDeleted,
		SessionID: sessionID,
	})
}

// QueryEvents retrieves audit events with filters.
func (s *AuditService) QueryEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `
		SELECT id, event_type, session_id, operation, details, created_at
		FROM pipeline_audit_events
		WHERE 1=1
	`
	var args []interface{}
	argIdx := 1

	if filter.SessionID != "" {
		query += fmt.Sprintf(" AND session_id = $%d", argIdx)
		args = append(args, filter.SessionID)
		argIdx++
	}
	if filter.EventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, filter.EventType)
		argIdx++
	}
	if !filter.StartTime.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.StartTime)
		argIdx++
	}
	if !filter.EndTime.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, filter.EndTime)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("compliance: failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var sessionID, operation sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &sessionID, &operation, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("compliance: failed to scan audit event: %w", err)
		}
		e.SessionID = sessionID.String
		e.Operation = operation.String
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("compliance: audit event rows: %w", err)
	}

	return events, nil
}

// AuditFilter specifies criteria for querying audit events.
type AuditFilter struct {
	SessionID string
	EventType AuditEventType
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
