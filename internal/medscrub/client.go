// Package medscrub is a client for the MedScrub PHI de-identification API.
//
// The service replaces PHI spans in clinical text or FHIR resources with
// session-scoped placeholder tokens and restores them through the inverse
// re-identification operation. A token produced under one session only
// resolves under that same session; sessions expire after a service-defined
// retention window, so restoration is best-effort within the session's
// lifetime.
package medscrub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wolfman30/phi-gateway/pkg/logging"
)

const (
	defaultBaseURL   = "https://api.medscrub.dev"
	defaultUserAgent = "phi-gateway-medscrub/0.1"
)

// Config controls how the MedScrub client behaves. Exactly one of JWTToken
// or APIKey must be set.
type Config struct {
	BaseURL    string
	JWTToken   string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logging.Logger
	UserAgent  string
}

// Client wraps the MedScrub REST endpoints used by the pipeline.
type Client struct {
	baseURL    string
	jwtToken   string
	apiKey     string
	httpClient *http.Client
	logger     *logging.Logger
	userAgent  string
}

// New creates a configured Client. Credential validation happens here, before
// any network call: missing or conflicting credentials return a ConfigError.
func New(cfg Config) (*Client, error) {
	jwtToken := strings.TrimSpace(cfg.JWTToken)
	apiKey := strings.TrimSpace(cfg.APIKey)
	if jwtToken == "" && apiKey == "" {
		return nil, &ConfigError{Reason: "either a JWT token or an API key is required"}
	}
	if jwtToken != "" && apiKey != "" {
		return nil, &ConfigError{Reason: "JWT token and API key are mutually exclusive"}
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &Client{
		baseURL:    baseURL,
		jwtToken:   jwtToken,
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger.Component("medscrub"),
		userAgent:  userAgent,
	}, nil
}

// DeidentifyText de-identifies unstructured clinical text. An empty
// opts.SessionID allocates a new session; the returned SessionID must be
// captured for any later re-identification of outputs derived from this call.
func (c *Client) DeidentifyText(ctx context.Context, text string, opts DeidentifyOptions) (*DeidentifyTextResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &ConfigError{Reason: "text is required"}
	}
	req := deidentifyTextRequest{Text: text, SessionID: opts.SessionID}
	if opts.ConfidenceThreshold > 0 {
		req.Options = map[string]any{"confidenceThreshold": opts.ConfidenceThreshold}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("medscrub: marshal deidentify body: %w", err)
	}
	data, err := c.invoke(ctx, http.MethodPost, "/api/deidentify", nil, body)
	if err != nil {
		return nil, err
	}
	return decode[DeidentifyTextResult](data)
}

// ReidentifyText restores de-identified text under the session that produced
// its tokens. Tokens not found in the session mapping are left as-is by the
// service; no error is raised for them.
func (c *Client) ReidentifyText(ctx context.Context, text, sessionID string) (*ReidentifyTextResult, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, &ConfigError{Reason: "session id is required"}
	}
	body, err := json.Marshal(reidentifyTextRequest{Text: text, SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("medscrub: marshal reidentify body: %w", err)
	}
	data, err := c.invoke(ctx, http.MethodPost, "/api/reidentify", nil, body)
	if err != nil {
		return nil, err
	}
	return decode[ReidentifyTextResult](data)
}

// DeidentifyResource de-identifies a FHIR resource or Bundle.
func (c *Client) DeidentifyResource(ctx context.Context, resource json.RawMessage, opts DeidentifyOptions) (*DeidentifyResourceResult, error) {
	if len(bytes.TrimSpace(resource)) == 0 {
		return nil, &ConfigError{Reason: "resource is required"}
	}
	body, err := json.Marshal(deidentifyResourceRequest{
		Resource:     resource,
		SessionID:    opts.SessionID,
		OutputFormat: opts.OutputFormat,
	})
	if err != nil {
		return nil, fmt.Errorf("medscrub: marshal fhir deidentify body: %w", err)
	}
	data, err := c.invoke(ctx, http.MethodPost, "/api/fhir/deidentify", nil, body)
	if err != nil {
		return nil, err
	}
	return decode[DeidentifyResourceResult](data)
}

// ReidentifyResource restores a de-identified FHIR resource.
func (c *Client) ReidentifyResource(ctx context.Context, resource json.RawMessage, sessionID string) (*ReidentifyResourceResult, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, &ConfigError{Reason: "session id is required"}
	}
	body, err := json.Marshal(reidentifyResourceRequest{Resource: resource, SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("medscrub: marshal fhir reidentify body: %w", err)
	}
	data, err := c.invoke(ctx, http.MethodPost, "/api/fhir/reidentify", nil, body)
	if err != nil {
		return nil, err
	}
	return decode[ReidentifyResourceResult](data)
}

// SessionInfo queries metadata for a session.
func (c *Client) SessionInfo(ctx context.Context, sessionID string) (*SessionInfo, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, &ConfigError{Reason: "session id is required"}
	}
	q := url.Values{}
	q.Set("sessionId", sessionID)
	data, err := c.invoke(ctx, http.MethodGet, "/api/session", q, nil)
	if err != nil {
		return nil, err
	}
	return decode[SessionInfo](data)
}

// DeleteSession destroys a session and its PHI mappings. Deleting a session
// that is already gone returns a 404 APIError; use IsNotFound to treat that
// as success.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return &ConfigError{Reason: "session id is required"}
	}
	q := url.Values{}
	q.Set("sessionId", sessionID)
	_, err := c.invoke(ctx, http.MethodDelete, "/api/session", q, nil)
	return err
}

// Health checks service availability.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	data, err := c.invoke(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return nil, err
	}
	return decode[HealthStatus](data)
}

// CredentialExpiry returns the expiry of the configured bearer JWT, when one
// is configured and carries an exp claim. The token is parsed unverified; the
// service remains the authority on credential validity.
func (c *Client) CredentialExpiry() (time.Time, bool) {
	if c.jwtToken == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.jwtToken, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func (c *Client) invoke(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	fullURL := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		fullURL = fullURL + "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("medscrub: build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.jwtToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.jwtToken)
	} else {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &TransportError{Op: method + " " + path, Err: ctx.Err()}
		}
		return nil, &TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, &TransportError{Op: "read response for " + path, Err: readErr}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, c.statusError(resp, data, path)
}

func (c *Client) statusError(resp *http.Response, data []byte, path string) error {
	msg := extractMessage(data)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &AuthError{StatusCode: resp.StatusCode, Message: msg}
	case http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header)
		c.logger.Warn("rate limited", "path", path, "retry_after_s", retryAfter)
		return &RateLimitError{StatusCode: resp.StatusCode, Message: msg, RetryAfter: retryAfter}
	default:
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
}

func parseRetryAfter(h http.Header) int {
	for _, key := range []string{"X-RateLimit-Reset", "Retry-After"} {
		if v := strings.TrimSpace(h.Get(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				return n
			}
		}
	}
	return 0
}

func extractMessage(data []byte) string {
	var parsed serviceMessage
	if err := json.Unmarshal(data, &parsed); err != nil {
		return strings.TrimSpace(string(data))
	}
	if parsed.Message != "" {
		return parsed.Message
	}
	return parsed.Error
}

func decode[T any](data []byte) (*T, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("medscrub: decode response: %w", err)
	}
	return &out, nil
}
