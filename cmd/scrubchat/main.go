package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/joho/godotenv"

	"github.com/wolfman30/phi-gateway/cmd/mainconfig"
	"github.com/wolfman30/phi-gateway/internal/assistant"
	appconfig "github.com/wolfman30/phi-gateway/internal/config"
	"github.com/wolfman30/phi-gateway/internal/conversation"
	"github.com/wolfman30/phi-gateway/internal/medscrub"
	"github.com/wolfman30/phi-gateway/pkg/logging"
)

// samplePatient exercises the full round trip: the name and birth date are
// detected, tokenized, and restored in the final answer.
var samplePatient = json.RawMessage(`{
	"resourceType": "Patient",
	"id": "example-001",
	"name": [{"family": "Smith", "given": ["John"]}],
	"birthDate": "1985-03-15",
	"address": [{"city": "Springfield", "state": "IL"}]
}`)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := appconfig.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("configuration error: %v", err)
	}
	logger := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	scrubber, err := medscrub.New(medscrub.Config{
		BaseURL:  cfg.MedScrubAPIURL,
		JWTToken: cfg.MedScrubJWTToken,
		APIKey:   cfg.MedScrubAPIKey,
		Timeout:  cfg.MedScrubTimeout,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("de-identification client: %v", err)
	}

	fmt.Println("[1] Checking de-identification service health...")
	health, err := scrubber.Health(ctx)
	if err != nil {
		log.Fatalf("    service unreachable: %v", err)
	}
	fmt.Printf("    status: %s\n", health.Status)

	llm, model, cleanup, err := buildLLM(ctx, cfg)
	if err != nil {
		log.Fatalf("LLM provider: %v", err)
	}
	defer cleanup()

	asst := assistant.New(scrubber, llm, model, assistant.Options{
		SanitizedFallback: cfg.AssistantSanitizedFallback,
	}, logger, nil, nil)
	defer func() {
		if err := asst.Close(context.Background()); err != nil {
			fmt.Printf("    session cleanup failed: %v\n", err)
		}
	}()

	fmt.Println("\n[2] Asking about the sample patient...")
	answer, err := asst.Ask(ctx, assistant.AskRequest{
		Resource:    samplePatient,
		Question:    "What is the patient's name and date of birth?",
		Temperature: -1,
	})
	if err != nil {
		log.Fatalf("    pipeline failed: %v", err)
	}

	fmt.Printf("    session:   %s\n", answer.SessionID)
	fmt.Printf("    model:     %s\n", answer.Model)
	fmt.Printf("    tokens:    in=%d, out=%d\n", answer.Usage.InputTokens, answer.Usage.OutputTokens)
	fmt.Println("\n    --- what the model saw and said (sanitized) ---")
	fmt.Printf("    %s\n", answer.SanitizedAnswer)
	fmt.Println("\n    --- what the caller receives (restored) ---")
	fmt.Printf("    %s\n", answer.Answer)

	fmt.Println("\n[3] Follow-up turn over the same session...")
	followUp, err := asst.Converse(ctx, assistant.ConverseRequest{
		Resource: samplePatient,
		Messages: []conversation.ChatMessage{
			{Role: conversation.ChatRoleUser, Content: "What is the patient's name?"},
			{Role: conversation.ChatRoleAssistant, Content: answer.SanitizedAnswer},
			{Role: conversation.ChatRoleUser, Content: "And which state do they live in?"},
		},
		SessionID:   answer.SessionID,
		Temperature: -1,
	})
	if err != nil {
		log.Fatalf("    pipeline failed: %v", err)
	}
	fmt.Printf("    %s\n", followUp.Answer)

	fmt.Println("\nDone. The owned session is deleted on exit.")
}

func buildLLM(ctx context.Context, cfg *appconfig.Config) (conversation.LLMClient, string, func(), error) {
	noop := func() {}
	if cfg.LLMProvider == "gemini" {
		client, err := conversation.NewGeminiLLMClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			return nil, "", noop, err
		}
		return client, cfg.GeminiModelID, func() { _ = client.Close() }, nil
	}
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, "", noop, err
	}
	client := conversation.NewBedrockLLMClient(bedrockruntime.NewFromConfig(awsCfg))
	return client, cfg.BedrockModelID, noop, nil
}
