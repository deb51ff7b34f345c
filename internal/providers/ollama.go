package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/Lukeus/context-kit-engine/pkg/models"
)

// OllamaConfig configures the Ollama adapter.
type OllamaConfig struct {
	// BaseURL defaults to http://localhost:11434.
	BaseURL string

	// Model is the model used when a request names none.
	Model string

	// Timeout bounds one completion request (default 2m).
	Timeout time.Duration

	// MaxTokens caps completion length via num_predict when a request
	// sets none.
	MaxTokens int
}

// OllamaAdapter speaks Ollama's NDJSON /api/chat protocol. Safe for
// concurrent use.
type OllamaAdapter struct {
	client    *http.Client
	baseURL   string
	model     string
	maxTokens int
}

var _ Adapter = (*OllamaAdapter)(nil)

// NewOllamaAdapter creates the adapter. Ollama requires no credentials, so
// construction cannot fail on missing configuration.
func NewOllamaAdapter(cfg OllamaConfig) *OllamaAdapter {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OllamaAdapter{
		client:    &http.Client{Timeout: timeout},
		baseURL:   baseURL,
		model:     strings.TrimSpace(cfg.Model),
		maxTokens: cfg.MaxTokens,
	}
}

// Kind returns the backend identifier.
func (a *OllamaAdapter) Kind() models.Provider {
	return models.ProviderOllama
}

// Features reports what this backend supports.
func (a *OllamaAdapter) Features() models.ProviderFeatures {
	return models.ProviderFeatures{Streaming: true, ToolCalls: true, LogProbs: false}
}

// Complete sends a streaming chat request to Ollama.
func (a *OllamaAdapter) Complete(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = a.model
	}
	if model == "" {
		return nil, NewProviderError(models.ProviderOllama, "", errors.New("model is required"))
	}

	payload := ollamaChatRequest{
		Model:    model,
		Stream:   true,
		Messages: buildOllamaMessages(req),
	}
	if len(req.Tools) > 0 {
		payload.Tools = convertToolSpecs(req.Tools)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}
	if maxTokens > 0 {
		payload.Options = map[string]any{"num_predict": maxTokens}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewProviderError(models.ProviderOllama, model, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, NewProviderError(models.ProviderOllama, model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, NewProviderError(models.ProviderOllama, model, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if readErr != nil {
			return nil, NewProviderError(models.ProviderOllama, model,
				fmt.Errorf("status %d (read body failed: %w)", resp.StatusCode, readErr)).WithStatus(resp.StatusCode)
		}
		return nil, NewProviderError(models.ProviderOllama, model,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))).WithStatus(resp.StatusCode)
	}

	chunks := make(chan *Chunk)
	go a.streamResponse(ctx, resp.Body, chunks, model)
	return chunks, nil
}

func (a *OllamaAdapter) streamResponse(ctx context.Context, body io.ReadCloser, out chan<- *Chunk, model string) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	// Ollama can repeat tool calls across lines when a response also
	// carries text; dedupe by call id.
	emitted := map[string]struct{}{}
	emittedTools := false

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- &Chunk{Err: ctx.Err()}
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			out <- &Chunk{Err: NewProviderError(models.ProviderOllama, model, fmt.Errorf("decode response: %w", err))}
			return
		}
		if resp.Error != "" {
			out <- &Chunk{Err: NewProviderError(models.ProviderOllama, model, errors.New(resp.Error))}
			return
		}

		if resp.Message != nil {
			if resp.Message.Content != "" {
				out <- &Chunk{Text: resp.Message.Content}
			}
			for _, tc := range resp.Message.ToolCalls {
				callID := strings.TrimSpace(tc.ID)
				if callID == "" {
					callID = toolCallKey(tc)
					if callID == "" {
						callID = uuid.NewString()
					}
				}
				if _, ok := emitted[callID]; ok {
					continue
				}
				emitted[callID] = struct{}{}

				args := tc.Function.Arguments
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				if !json.Valid(args) {
					out <- &Chunk{Err: &ArgumentParseError{ToolID: tc.Function.Name, Raw: string(args)}}
					return
				}
				out <- &Chunk{ToolCall: &models.ToolCall{
					ID:        callID,
					ToolID:    strings.TrimSpace(tc.Function.Name),
					Arguments: args,
				}}
				emittedTools = true
			}
		}

		if resp.Done {
			finish := models.FinishContent
			if emittedTools {
				finish = models.FinishToolCalls
			} else if resp.DoneReason == "length" {
				finish = models.FinishLengthLimit
			}
			out <- &Chunk{
				Done:         true,
				FinishReason: finish,
				Usage: models.Usage{
					PromptTokens:     resp.PromptEvalCount,
					CompletionTokens: resp.EvalCount,
					TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
				},
			}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			out <- &Chunk{Err: ctx.Err()}
			return
		}
		out <- &Chunk{Err: NewProviderError(models.ProviderOllama, model, err)}
		return
	}
	if ctx.Err() != nil {
		out <- &Chunk{Err: ctx.Err()}
		return
	}
	// Stream ended without a done marker.
	out <- &Chunk{Err: NewProviderError(models.ProviderOllama, model, errors.New("stream ended without done marker"))}
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []openai.Tool       `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaChatResponse struct {
	Message         *ollamaChatMessage `json:"message"`
	Done            bool               `json:"done"`
	DoneReason      string             `json:"done_reason"`
	Error           string             `json:"error"`
	EvalCount       int                `json:"eval_count"`
	PromptEvalCount int                `json:"prompt_eval_count"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func buildOllamaMessages(req *Request) []ollamaChatMessage {
	messages := make([]ollamaChatMessage, 0, len(req.Messages)+1)

	// Ollama addresses tool results by tool name, not call id, so map ids
	// back through the calls that produced them.
	toolNames := map[string]string{}
	for _, msg := range req.Messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID != "" && tc.ToolID != "" {
				toolNames[tc.ID] = tc.ToolID
			}
		}
	}

	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: system})
	}
	for _, msg := range req.Messages {
		role := msg.Role
		if role == "" {
			role = "user"
		}
		switch role {
		case "assistant":
			m := ollamaChatMessage{Role: role, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				m.ToolCalls = append(m.ToolCalls, ollamaToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: ollamaToolFunction{
						Name:      tc.ToolID,
						Arguments: args,
					},
				})
			}
			messages = append(messages, m)
		case "tool":
			for _, tr := range msg.ToolResults {
				messages = append(messages, ollamaChatMessage{
					Role:     "tool",
					Content:  tr.Content,
					ToolName: toolNames[tr.ToolCallID],
				})
			}
		default:
			messages = append(messages, ollamaChatMessage{Role: role, Content: msg.Content})
		}
	}
	return messages
}

func toolCallKey(tc ollamaToolCall) string {
	name := strings.TrimSpace(tc.Function.Name)
	args := strings.TrimSpace(string(tc.Function.Arguments))
	if name == "" && args == "" {
		return ""
	}
	return name + ":" + args
}
