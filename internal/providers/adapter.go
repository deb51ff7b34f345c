// Package providers contains the LLM backend adapters. Each adapter speaks
// one backend's wire protocol and emits the same normalized chunk stream, so
// nothing above this package branches on which backend is in use.
package providers

import (
	"context"
	"strings"

	"github.com/Lukeus/context-kit-engine/pkg/models"
)

// Message is one conversation message in adapter-neutral form.
type Message struct {
	Role        string
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// ToolSpec describes a tool offered to the model. Parameters is the tool's
// JSON Schema as raw bytes.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  []byte
}

// Request is a completion request in adapter-neutral form.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// Chunk is one normalized streaming event. Exactly one terminal chunk is
// emitted per stream: either Done is set (with finish reason and usage) or
// Err is set.
type Chunk struct {
	Text         string
	ToolCall     *models.ToolCall
	Done         bool
	FinishReason models.FinishReason
	Usage        models.Usage
	Err          error
}

// Adapter is the contract every backend implements. Complete returns a
// channel that the adapter closes after the terminal chunk; cancelling ctx
// terminates the stream.
type Adapter interface {
	Kind() models.Provider
	Features() models.ProviderFeatures
	Complete(ctx context.Context, req *Request) (<-chan *Chunk, error)
}

// Collect folds a chunk stream into a NormalizedResult. It is the
// non-streaming view over the same channel the broadcaster consumes, so
// both paths see identical normalization.
func Collect(ctx context.Context, chunks <-chan *Chunk) (*models.NormalizedResult, error) {
	result := &models.NormalizedResult{FinishReason: models.FinishContent}
	var content strings.Builder

	for {
		select {
		case <-ctx.Done():
			// The producer keeps sending until it observes cancellation.
			// Drain so it can reach its terminal chunk and exit instead of
			// blocking on a channel nobody reads.
			go func() {
				for range chunks {
				}
			}()
			return nil, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				result.Content = content.String()
				finalize(result)
				return result, nil
			}
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			if chunk.Text != "" {
				content.WriteString(chunk.Text)
			}
			if chunk.ToolCall != nil {
				result.ToolCalls = append(result.ToolCalls, *chunk.ToolCall)
			}
			if chunk.Done {
				result.Content = content.String()
				result.Usage = chunk.Usage
				if chunk.FinishReason != "" {
					result.FinishReason = chunk.FinishReason
				}
				finalize(result)
				return result, nil
			}
		}
	}
}

func finalize(result *models.NormalizedResult) {
	if len(result.ToolCalls) > 0 {
		result.FinishReason = models.FinishToolCalls
		if result.Content == "" {
			result.ToolCallOnly = true
		}
	}
}
