package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/Lukeus/context-kit-engine/pkg/models"
)

func TestNewAzureAdapter_MissingCredentials(t *testing.T) {
	tests := []struct {
		name string
		cfg  AzureConfig
	}{
		{"no endpoint", AzureConfig{APIKey: "key"}},
		{"no key", AzureConfig{Endpoint: "https://r.openai.azure.com"}},
	}
	for _, tt := range tests {
		if _, err := NewAzureAdapter(tt.cfg); !errors.Is(err, ErrMissingCredential) {
			t.Errorf("%s: err = %v, want ErrMissingCredential", tt.name, err)
		}
	}
}

func TestNewAzureAdapter_Defaults(t *testing.T) {
	adapter, err := NewAzureAdapter(AzureConfig{
		Endpoint:   "https://r.openai.azure.com",
		APIKey:     "key",
		Deployment: "gpt-4o",
	})
	if err != nil {
		t.Fatalf("NewAzureAdapter: %v", err)
	}
	if adapter.Kind() != models.ProviderAzureOpenAI {
		t.Errorf("Kind = %s", adapter.Kind())
	}
	features := adapter.Features()
	if !features.Streaming || !features.ToolCalls {
		t.Errorf("features = %+v, want streaming and tool calls", features)
	}
	if features.LogProbs {
		t.Error("log probs reported as supported")
	}
}

func TestAzureComplete_SingleAttemptOnServerError(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer ts.Close()

	adapter, err := NewAzureAdapter(AzureConfig{
		Endpoint:   ts.URL,
		APIKey:     "key",
		Deployment: "gpt-4o",
	})
	if err != nil {
		t.Fatalf("NewAzureAdapter: %v", err)
	}

	_, err = adapter.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("Complete succeeded against a failing backend")
	}
	// The failure surfaces classified, not retried; retrying is the
	// caller's policy.
	pe, ok := AsProviderError(err)
	if !ok || pe.Reason != FailServerError {
		t.Errorf("error = %v, want provider error with server_error reason", err)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("requests = %d, want exactly 1", got)
	}
}

func TestAzureConvertMessages(t *testing.T) {
	adapter, err := NewAzureAdapter(AzureConfig{
		Endpoint: "https://r.openai.azure.com",
		APIKey:   "key",
	})
	if err != nil {
		t.Fatalf("NewAzureAdapter: %v", err)
	}

	req := &Request{
		System: "operator prompt",
		Messages: []Message{
			{Role: "user", Content: "validate the repo"},
			{
				Role:    "assistant",
				Content: "running validation",
				ToolCalls: []models.ToolCall{
					{ID: "call-1", ToolID: "pipeline.validate", Arguments: json.RawMessage(`{}`)},
				},
			},
			{
				Role: "tool",
				ToolResults: []models.ToolResult{
					{ToolCallID: "call-1", Content: "clean"},
				},
			},
		},
	}

	msgs := adapter.convertMessages(req)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "operator prompt" {
		t.Errorf("system message = %+v", msgs[0])
	}
	if len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].Function.Name != "pipeline.validate" {
		t.Errorf("assistant tool calls = %+v", msgs[2].ToolCalls)
	}
	if msgs[3].Role != "tool" || msgs[3].ToolCallID != "call-1" || msgs[3].Content != "clean" {
		t.Errorf("tool result message = %+v", msgs[3])
	}
}

func TestConvertToolSpecs(t *testing.T) {
	specs := []ToolSpec{
		{Name: "context.read", Description: "read an entity file", Parameters: []byte(`{"type":"object"}`)},
	}
	tools := convertToolSpecs(specs)
	if len(tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(tools))
	}
	if tools[0].Function.Name != "context.read" {
		t.Errorf("name = %s", tools[0].Function.Name)
	}
}
