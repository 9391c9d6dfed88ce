package conversation

import (
	"context"
	"errors"
	"testing"

	"github.com/wolfman30/phi-gateway/pkg/logging"
)

type scriptedLLM struct {
	resp  LLMResponse
	err   error
	calls int
}

func (s *scriptedLLM) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	s.calls++
	return s.resp, s.err
}

func TestFallbackUsedOnPrimaryFailure(t *testing.T) {
	primary := &scriptedLLM{err: errors.New("throttled")}
	fallback := &scriptedLLM{resp: LLMResponse{Text: "fallback answer"}}

	client := NewFallbackLLMClient(primary, fallback, logging.Default())
	resp, err := client.Complete(context.Background(), LLMRequest{Model: "m"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Text != "fallback answer" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if primary.calls != 1 || fallback.calls != 1 {
		t.Fatalf("unexpected call counts: primary=%d fallback=%d", primary.calls, fallback.calls)
	}
}

func TestFallbackNotUsedOnPrimarySuccess(t *testing.T) {
	primary := &scriptedLLM{resp: LLMResponse{Text: "primary answer"}}
	fallback := &scriptedLLM{}

	client := NewFallbackLLMClient(primary, fallback, nil)
	resp, err := client.Complete(context.Background(), LLMRequest{Model: "m"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Text != "primary answer" || fallback.calls != 0 {
		t.Fatalf("fallback should not run: %q calls=%d", resp.Text, fallback.calls)
	}
}

func TestNoFallbackConfigured(t *testing.T) {
	primary := &scriptedLLM{err: errors.New("down")}
	client := NewFallbackLLMClient(primary, nil, nil)
	if _, err := client.Complete(context.Background(), LLMRequest{Model: "m"}); err == nil {
		t.Fatal("expected primary error to propagate without fallback")
	}
}
