package assistant

import (
	"fmt"

	"github.com/wolfman30/phi-gateway/internal/conversation"
)

// defaultSystemPrompt instructs the model to echo placeholder tokens
// verbatim. Restoration depends on the tokens surviving the round trip
// byte-for-byte; altered or omitted tokens stay unresolved.
const defaultSystemPrompt = `You are a helpful healthcare AI assistant. You are analyzing de-identified patient data where PHI has been replaced with tokens like [FHIR_NAME_abc123].

Your responses will be automatically re-identified, so use the tokens exactly as shown when referring to patient information.

Provide clear, accurate medical information based on the data provided.`

func buildQuestionPrompt(artifact, question string) string {
	return fmt.Sprintf(`Here is the patient data:

%s

Question: %s

Please answer the question based on the data provided. Use the exact tokens (e.g., [FHIR_NAME_xyz]) when referring to patient information.`, artifact, question)
}

// injectRecordContext prepends the sanitized record to the first user-authored
// turn of a conversation history; all other turns pass through unchanged.
func injectRecordContext(artifact string, messages []conversation.ChatMessage) []conversation.ChatMessage {
	enriched := make([]conversation.ChatMessage, 0, len(messages))
	injected := false
	for _, msg := range messages {
		if !injected && msg.Role == conversation.ChatRoleUser {
			enriched = append(enriched, conversation.ChatMessage{
				Role:    conversation.ChatRoleUser,
				Content: fmt.Sprintf("Patient data:\n%s\n\n%s", artifact, msg.Content),
			})
			injected = true
			continue
		}
		enriched = append(enriched, msg)
	}
	return enriched
}
