// Package conversation abstracts the chat-completion collaborator the
// pipeline forwards sanitized prompts to. Providers receive only
// de-identified text; nothing in this package may see raw PHI.
package conversation

import "context"

const (
	ChatRoleSystem    = "system"
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
)

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenUsage carries the provider's token accounting for one completion.
type TokenUsage struct {
	InputTokens  int32 `json:"inputTokens"`
	OutputTokens int32 `json:"outputTokens"`
	TotalTokens  int32 `json:"totalTokens"`
}

// LLMRequest is a provider-neutral completion request. A negative
// Temperature means "provider default".
type LLMRequest struct {
	Model       string
	System      []string
	Messages    []ChatMessage
	MaxTokens   int32
	Temperature float32
}

// LLMResponse is a provider-neutral completion result.
type LLMResponse struct {
	Text       string
	Usage      TokenUsage
	StopReason string
}

// LLMClient is the single seam the pipeline calls through. Implementations
// must be safe to call sequentially; concurrent use is provider-dependent.
type LLMClient interface {
	Complete(ctx context.Context, req LLMRequest) (LLMResponse, error)
}
