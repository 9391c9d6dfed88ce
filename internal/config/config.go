package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	DatabaseURL string

	MedScrubAPIURL   string
	MedScrubJWTToken string
	MedScrubAPIKey   string
	MedScrubTimeout  time.Duration

	LLMProvider    string
	BedrockModelID string
	GeminiAPIKey   string
	GeminiModelID  string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	AssistantMaxTokens         int
	AssistantAnalysisMaxTokens int
	AssistantSanitizedFallback bool
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		MedScrubAPIURL:   getEnv("MEDSCRUB_API_URL", "https://api.medscrub.dev"),
		MedScrubJWTToken: getEnv("MEDSCRUB_JWT_TOKEN", ""),
		MedScrubAPIKey:   getEnv("MEDSCRUB_API_KEY", ""),
		MedScrubTimeout:  getEnvAsDuration("MEDSCRUB_TIMEOUT", 30*time.Second),

		LLMProvider:    strings.ToLower(strings.TrimSpace(getEnv("LLM_PROVIDER", "bedrock"))),
		BedrockModelID: getEnv("BEDROCK_MODEL_ID", "anthropic.claude-3-5-sonnet-20241022-v2:0"),
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:  getEnv("GEMINI_MODEL_ID", "gemini-2.5-flash"),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		AssistantMaxTokens:         getEnvAsInt("ASSISTANT_MAX_TOKENS", 1024),
		AssistantAnalysisMaxTokens: getEnvAsInt("ASSISTANT_ANALYSIS_MAX_TOKENS", 2048),
		AssistantSanitizedFallback: getEnvAsBool("ASSISTANT_SANITIZED_FALLBACK", false),
	}
}

// Validate checks credential and provider configuration before any client is
// constructed. It enforces the mutually-exclusive MedScrub credential rule so
// misconfiguration fails at startup rather than on the first request.
func (c *Config) Validate() error {
	jwtSet := strings.TrimSpace(c.MedScrubJWTToken) != ""
	keySet := strings.TrimSpace(c.MedScrubAPIKey) != ""
	if !jwtSet && !keySet {
		return errors.New("config: one of MEDSCRUB_JWT_TOKEN or MEDSCRUB_API_KEY is required")
	}
	if jwtSet && keySet {
		return errors.New("config: MEDSCRUB_JWT_TOKEN and MEDSCRUB_API_KEY are mutually exclusive")
	}

	switch c.LLMProvider {
	case "bedrock":
		if strings.TrimSpace(c.BedrockModelID) == "" {
			return errors.New("config: BEDROCK_MODEL_ID is required when LLM_PROVIDER=bedrock")
		}
	case "gemini":
		if strings.TrimSpace(c.GeminiAPIKey) == "" {
			return errors.New("config: GEMINI_API_KEY is required when LLM_PROVIDER=gemini")
		}
	default:
		return errors.New("config: LLM_PROVIDER must be bedrock or gemini")
	}

	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
