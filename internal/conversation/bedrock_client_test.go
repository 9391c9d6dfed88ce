package conversation

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

type fakeConverseAPI struct {
	lastInput *bedrockruntime.ConverseInput
	output    *bedrockruntime.ConverseOutput
	err       error
}

func (f *fakeConverseAPI) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.lastInput = params
	return f.output, f.err
}

func textOutput(text string) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{
				Role: brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: text},
				},
			},
		},
		StopReason: brtypes.StopReasonEndTurn,
		Usage: &brtypes.TokenUsage{
			InputTokens:  aws.Int32(120),
			OutputTokens: aws.Int32(40),
			TotalTokens:  aws.Int32(160),
		},
	}
}

func TestBedrockComplete(t *testing.T) {
	api := &fakeConverseAPI{output: textOutput("The patient is [FHIR_NAME_abc].")}
	client := NewBedrockLLMClient(api)

	resp, err := client.Complete(context.Background(), LLMRequest{
		Model:  "anthropic.claude-3-5-sonnet-20241022-v2:0",
		System: []string{"Echo placeholder tokens verbatim."},
		Messages: []ChatMessage{
			{Role: ChatRoleUser, Content: "Who is the patient?"},
		},
		MaxTokens:   512,
		Temperature: 0.2,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	if resp.Text != "The patient is [FHIR_NAME_abc]." {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if resp.Usage.TotalTokens != 160 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
	if resp.StopReason != string(brtypes.StopReasonEndTurn) {
		t.Fatalf("unexpected stop reason %q", resp.StopReason)
	}

	in := api.lastInput
	if in == nil || aws.ToString(in.ModelId) != "anthropic.claude-3-5-sonnet-20241022-v2:0" {
		t.Fatalf("unexpected model id: %#v", in)
	}
	if len(in.System) != 1 {
		t.Fatalf("expected 1 system block, got %d", len(in.System))
	}
	if in.InferenceConfig == nil || aws.ToInt32(in.InferenceConfig.MaxTokens) != 512 {
		t.Fatalf("unexpected inference config: %#v", in.InferenceConfig)
	}
}

func TestBedrockSystemRoleMessagesBecomeSystemBlocks(t *testing.T) {
	api := &fakeConverseAPI{output: textOutput("ok")}
	client := NewBedrockLLMClient(api)

	_, err := client.Complete(context.Background(), LLMRequest{
		Model: "model-id",
		Messages: []ChatMessage{
			{Role: ChatRoleSystem, Content: "You are a healthcare assistant."},
			{Role: ChatRoleUser, Content: "hi"},
			{Role: ChatRoleAssistant, Content: "hello"},
			{Role: ChatRoleUser, Content: "question"},
		},
		Temperature: -1,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	in := api.lastInput
	if len(in.System) != 1 {
		t.Fatalf("expected system message promoted to system block, got %d", len(in.System))
	}
	if len(in.Messages) != 3 {
		t.Fatalf("expected 3 conversational messages, got %d", len(in.Messages))
	}
	if in.InferenceConfig != nil {
		t.Fatalf("expected no inference config for defaults, got %#v", in.InferenceConfig)
	}
}

func TestBedrockCompleteErrors(t *testing.T) {
	client := NewBedrockLLMClient(&fakeConverseAPI{})
	if _, err := client.Complete(context.Background(), LLMRequest{}); err == nil {
		t.Fatal("expected error for missing model id")
	}

	apiErr := &fakeConverseAPI{err: errors.New("throttled")}
	client = NewBedrockLLMClient(apiErr)
	if _, err := client.Complete(context.Background(), LLMRequest{Model: "m", Messages: []ChatMessage{{Role: ChatRoleUser, Content: "x"}}}); err == nil {
		t.Fatal("expected provider error to propagate")
	}

	badRole := &fakeConverseAPI{output: textOutput("ok")}
	client = NewBedrockLLMClient(badRole)
	if _, err := client.Complete(context.Background(), LLMRequest{Model: "m", Messages: []ChatMessage{{Role: "tool", Content: "x"}}}); err == nil {
		t.Fatal("expected error for unsupported role")
	}
}
