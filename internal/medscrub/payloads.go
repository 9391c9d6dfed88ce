package medscrub

import (
	"encoding/json"
	"strings"
)

// OutputFormatLLMOptimized asks the service to render the de-identified
// resource as human-readable text suitable for a language-model prompt.
const OutputFormatLLMOptimized = "llm-optimized"

// DeidentifyOptions tunes a de-identification request. The zero value asks
// for service defaults.
type DeidentifyOptions struct {
	// SessionID continues an existing session; empty allocates a new one.
	SessionID string
	// OutputFormat applies to FHIR resources only.
	OutputFormat string
	// ConfidenceThreshold applies to free text only; 0 means service default.
	ConfidenceThreshold float64
}

// DetectedEntity describes one PHI span the service replaced.
type DetectedEntity struct {
	Type       string  `json:"type"`
	Token      string  `json:"token,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

type deidentifyTextRequest struct {
	Text      string         `json:"text"`
	SessionID string         `json:"sessionId,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// DeidentifyTextResult is the response to a free-text de-identification call.
type DeidentifyTextResult struct {
	DeidentifiedText string           `json:"deidentifiedText"`
	SessionID        string           `json:"sessionId"`
	DetectedEntities []DetectedEntity `json:"detectedEntities"`
	ProcessingTimeMS int64            `json:"processingTime"`
}

type reidentifyTextRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"sessionId"`
}

// ReidentifyTextResult is the response to a free-text re-identification call.
type ReidentifyTextResult struct {
	ReidentifiedText string `json:"reidentifiedText"`
	SessionID        string `json:"sessionId"`
	ProcessingTimeMS int64  `json:"processingTime"`
}

type deidentifyResourceRequest struct {
	Resource     json.RawMessage `json:"resource"`
	SessionID    string          `json:"sessionId,omitempty"`
	OutputFormat string          `json:"outputFormat,omitempty"`
}

// DeidentifyResourceResult is the response to a FHIR de-identification call.
// DeidentifiedResource is either a FHIR JSON document or, with the
// llm-optimized output format, a JSON string of rendered text.
type DeidentifyResourceResult struct {
	DeidentifiedResource json.RawMessage  `json:"deidentifiedResource"`
	SessionID            string           `json:"sessionId"`
	DetectedPHI          []DetectedEntity `json:"detectedPHI"`
	ProcessingTimeMS     int64            `json:"processingTime"`
}

// ArtifactText renders the de-identified resource for inclusion in a prompt.
// A JSON string payload is unquoted; anything else is passed through as its
// JSON text.
func (r *DeidentifyResourceResult) ArtifactText() string {
	raw := strings.TrimSpace(string(r.DeidentifiedResource))
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(r.DeidentifiedResource, &s); err == nil {
			return s
		}
	}
	return raw
}

type reidentifyResourceRequest struct {
	Resource  json.RawMessage `json:"resource"`
	SessionID string          `json:"sessionId"`
}

// ReidentifyResourceResult is the response to a FHIR re-identification call.
type ReidentifyResourceResult struct {
	ReidentifiedResource json.RawMessage `json:"reidentifiedResource"`
	SessionID            string          `json:"sessionId"`
	ProcessingTimeMS     int64           `json:"processingTime"`
}

// SessionInfo describes a de-identification session's server-side state.
type SessionInfo struct {
	SessionID      string  `json:"sessionId"`
	TokenCount     int     `json:"tokenCount"`
	CreatedAt      string  `json:"createdAt"`
	ExpiresAt      string  `json:"expiresAt"`
	HoursRemaining float64 `json:"hoursRemaining"`
}

// HealthStatus is the service health-check response.
type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

type serviceMessage struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}
