package medscrub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestClient(t *testing.T, server *httptest.Server, cfg Config) *Client {
	t.Helper()
	cfg.BaseURL = server.URL
	if cfg.JWTToken == "" && cfg.APIKey == "" {
		cfg.JWTToken = "test-jwt"
	}
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewCredentialValidation(t *testing.T) {
	var cfgErr *ConfigError

	if _, err := New(Config{}); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for missing credentials, got %v", err)
	}
	if _, err := New(Config{JWTToken: "jwt", APIKey: "key"}); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for conflicting credentials, got %v", err)
	}

	client, err := New(Config{APIKey: "key"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if client.baseURL != defaultBaseURL {
		t.Fatalf("expected default base url, got %s", client.baseURL)
	}
	if client.httpClient == nil || client.httpClient.Timeout != 30*time.Second {
		t.Fatal("expected default timeout")
	}
}

func TestNewMakesNoNetworkCalls(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	if _, err := New(Config{BaseURL: server.URL}); err == nil {
		t.Fatal("expected credential error")
	}
	if calls != 0 {
		t.Fatalf("expected zero HTTP calls during construction, got %d", calls)
	}
}

func TestDeidentifyText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/deidentify" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-jwt" {
			t.Fatalf("unexpected auth header %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req["text"] != "Patient John Smith, DOB 1985-03-15" {
			t.Fatalf("unexpected text: %v", req["text"])
		}
		if _, hasSession := req["sessionId"]; hasSession {
			t.Fatal("did not expect sessionId on first call")
		}
		opts, _ := req["options"].(map[string]any)
		if opts["confidenceThreshold"] != 0.7 {
			t.Fatalf("unexpected options: %v", req["options"])
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"deidentifiedText": "Patient [NAME_a1b2], DOB [DATE_c3d4]",
			"sessionId": "sess_42",
			"detectedEntities": [{"type":"NAME","confidence":0.99},{"type":"DATE","confidence":0.95}],
			"processingTime": 12
		}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Config{})
	result, err := client.DeidentifyText(context.Background(), "Patient John Smith, DOB 1985-03-15", DeidentifyOptions{ConfidenceThreshold: 0.7})
	if err != nil {
		t.Fatalf("deidentify: %v", err)
	}
	if result.SessionID != "sess_42" {
		t.Fatalf("unexpected session id %s", result.SessionID)
	}
	if len(result.DetectedEntities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(result.DetectedEntities))
	}
	if strings.Contains(result.DeidentifiedText, "John Smith") {
		t.Fatal("deidentified text still contains PHI")
	}
}

func TestAPIKeyHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-API-Key"); got != "local-key" {
			t.Fatalf("unexpected api key header %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "" {
			t.Fatalf("did not expect Authorization header, got %q", got)
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Config{APIKey: "local-key"})
	if _, err := client.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestReidentifyRequiresSession(t *testing.T) {
	client, err := New(Config{APIKey: "key"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	var cfgErr *ConfigError
	if _, err := client.ReidentifyText(context.Background(), "text", ""); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Invalid credentials"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Config{})
	_, err := client.ReidentifyText(context.Background(), "text", "sess_1")

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.StatusCode != http.StatusUnauthorized || authErr.Message != "Invalid credentials" {
		t.Fatalf("unexpected auth error: %#v", authErr)
	}
}

func TestRateLimitErrorCarriesRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Reset", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"Rate limit exceeded"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Config{})
	_, err := client.DeidentifyText(context.Background(), "some text", DeidentifyOptions{})

	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rlErr.RetryAfter != 30 {
		t.Fatalf("expected retry_after=30, got %d", rlErr.RetryAfter)
	}
}

func TestAPIErrorCarriesStatusAndMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"message":"upstream entity service unavailable"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Config{})
	_, err := client.SessionInfo(context.Background(), "sess_1")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("unexpected status %d", apiErr.StatusCode)
	}
	if !strings.Contains(apiErr.Message, "unavailable") {
		t.Fatalf("unexpected message %q", apiErr.Message)
	}
}

func TestTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := newTestClient(t, server, Config{})
	server.Close()

	_, err := client.Health(context.Background())
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestDeleteSessionNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/api/session" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("sessionId") != "sess_gone" {
			t.Fatalf("unexpected session id %s", r.URL.Query().Get("sessionId"))
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"session not found"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, Config{})
	err := client.DeleteSession(context.Background(), "sess_gone")
	if !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestCredentialExpiry(t *testing.T) {
	exp := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "playground",
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte("not-checked"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	client, err := New(Config{JWTToken: signed})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	got, ok := client.CredentialExpiry()
	if !ok {
		t.Fatal("expected expiry to be available")
	}
	if !got.Equal(exp) {
		t.Fatalf("expected expiry %s, got %s", exp, got)
	}

	keyClient, err := New(Config{APIKey: "key"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, ok := keyClient.CredentialExpiry(); ok {
		t.Fatal("api-key client should not report an expiry")
	}
}

func TestArtifactText(t *testing.T) {
	asString := &DeidentifyResourceResult{DeidentifiedResource: json.RawMessage(`"Patient: [FHIR_NAME_abc]\nDOB: [FHIR_DATE_def]"`)}
	if got := asString.ArtifactText(); !strings.HasPrefix(got, "Patient: [FHIR_NAME_abc]") {
		t.Fatalf("expected unquoted text, got %q", got)
	}

	asObject := &DeidentifyResourceResult{DeidentifiedResource: json.RawMessage(`{"resourceType":"Patient","name":"[FHIR_NAME_abc]"}`)}
	if got := asObject.ArtifactText(); !strings.Contains(got, `"resourceType"`) {
		t.Fatalf("expected raw JSON, got %q", got)
	}
}
