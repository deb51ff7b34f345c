package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Lukeus/context-kit-engine/pkg/models"
)

func feed(chunks ...*Chunk) <-chan *Chunk {
	out := make(chan *Chunk, len(chunks))
	for _, c := range chunks {
		out <- c
	}
	close(out)
	return out
}

func TestCollect_TextAndUsage(t *testing.T) {
	result, err := Collect(context.Background(), feed(
		&Chunk{Text: "Hello"},
		&Chunk{Text: " there"},
		&Chunk{Done: true, FinishReason: models.FinishContent, Usage: models.Usage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14}},
	))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if result.Content != "Hello there" {
		t.Errorf("content = %q", result.Content)
	}
	if result.Usage.TotalTokens != 14 {
		t.Errorf("usage = %+v", result.Usage)
	}
	if result.ToolCallOnly {
		t.Error("ToolCallOnly set on text response")
	}
}

func TestCollect_ToolCallOnly(t *testing.T) {
	result, err := Collect(context.Background(), feed(
		&Chunk{ToolCall: &models.ToolCall{ID: "c1", ToolID: "entity.similar", Arguments: json.RawMessage(`{"id":"svc-a"}`)}},
		&Chunk{Done: true, FinishReason: models.FinishToolCalls},
	))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if !result.ToolCallOnly {
		t.Error("ToolCallOnly not set")
	}
	if result.FinishReason != models.FinishToolCalls {
		t.Errorf("finish = %s", result.FinishReason)
	}
	if result.Usage.PromptTokens != 0 || result.Usage.TotalTokens != 0 {
		t.Errorf("usage = %+v, want zeros", result.Usage)
	}
}

func TestCollect_MixedContentAndToolCalls(t *testing.T) {
	result, err := Collect(context.Background(), feed(
		&Chunk{Text: "Let me check."},
		&Chunk{ToolCall: &models.ToolCall{ID: "c1", ToolID: "context.search", Arguments: json.RawMessage(`{"query":"x"}`)}},
		&Chunk{Done: true, FinishReason: models.FinishContent},
	))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	// Tool calls win the finish reason even when prose is present.
	if result.FinishReason != models.FinishToolCalls {
		t.Errorf("finish = %s, want tool_calls", result.FinishReason)
	}
	if result.ToolCallOnly {
		t.Error("ToolCallOnly set despite prose content")
	}
}

func TestCollect_ErrorChunk(t *testing.T) {
	wantErr := NewProviderError(models.ProviderAzureOpenAI, "gpt-4o", errors.New("boom"))
	_, err := Collect(context.Background(), feed(
		&Chunk{Text: "partial"},
		&Chunk{Err: wantErr},
	))
	if pe, ok := AsProviderError(err); !ok || pe != wantErr {
		t.Errorf("Collect error = %v, want the provider error", err)
	}
}

func TestCollect_CancelReleasesProducer(t *testing.T) {
	// Adapters send with plain blocking sends and only notice cancellation
	// between chunks. A cancelled Collect must keep draining so the
	// producer reaches its terminal chunk and exits.
	chunks := make(chan *Chunk)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(chunks)
		for i := 0; i < 100; i++ {
			chunks <- &Chunk{Text: "x"}
		}
		chunks <- &Chunk{Done: true, FinishReason: models.FinishContent}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Collect(ctx, chunks); !errors.Is(err, context.Canceled) {
		t.Fatalf("Collect = %v, want context.Canceled", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer still blocked after cancelled Collect")
	}
}

func TestProviderError_Classification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   FailReason
	}{
		{"unauthorized", http.StatusUnauthorized, FailAuth},
		{"forbidden", http.StatusForbidden, FailAuth},
		{"rate limited", http.StatusTooManyRequests, FailRateLimit},
		{"bad gateway", http.StatusBadGateway, FailServerError},
		{"bad request", http.StatusBadRequest, FailInvalidRequest},
	}
	for _, tt := range tests {
		pe := NewProviderError(models.ProviderOllama, "m", errors.New("x")).WithStatus(tt.status)
		if pe.Reason != tt.want {
			t.Errorf("%s: reason = %s, want %s", tt.name, pe.Reason, tt.want)
		}
	}

	if !FailRateLimit.IsRetryable() || !FailServerError.IsRetryable() || !FailTimeout.IsRetryable() {
		t.Error("retryable reasons misclassified")
	}
	if FailAuth.IsRetryable() || FailInvalidRequest.IsRetryable() {
		t.Error("non-retryable reasons misclassified")
	}
}

func TestProviderError_MessageClassification(t *testing.T) {
	pe := NewProviderError(models.ProviderAzureOpenAI, "gpt-4o", errors.New("request timeout after 30s"))
	if pe.Reason != FailTimeout {
		t.Errorf("reason = %s, want timeout", pe.Reason)
	}
}

func TestArgumentParseError(t *testing.T) {
	err := &ArgumentParseError{ToolID: "context.read", Raw: `{"path":`}
	if !IsArgumentParse(err) {
		t.Error("IsArgumentParse(direct) = false")
	}
	wrapped := errors.Join(errors.New("outer"), err)
	if !IsArgumentParse(wrapped) {
		t.Error("IsArgumentParse(wrapped) = false")
	}
	if IsArgumentParse(errors.New("other")) {
		t.Error("IsArgumentParse(other) = true")
	}
}
