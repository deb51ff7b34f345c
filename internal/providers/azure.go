package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Lukeus/context-kit-engine/pkg/models"
)

// AzureConfig configures the Azure OpenAI adapter.
//
// Azure uses a different URL structure and authentication than direct
// OpenAI: the endpoint is per-resource, the API version is a required query
// parameter, and the model field carries a deployment name.
type AzureConfig struct {
	// Endpoint is the resource endpoint, e.g.
	// https://my-resource.openai.azure.com (required).
	Endpoint string

	// APIKey is the Azure OpenAI API key (required).
	APIKey string

	// APIVersion defaults to 2024-02-15-preview.
	APIVersion string

	// Deployment is the deployment name used when a request names no model.
	Deployment string

	// MaxTokens caps completion length when a request sets none.
	MaxTokens int
}

// AzureAdapter speaks the Azure OpenAI chat completions protocol. Safe for
// concurrent use.
type AzureAdapter struct {
	client     *openai.Client
	deployment string
	maxTokens  int
}

var _ Adapter = (*AzureAdapter)(nil)

// NewAzureAdapter creates the adapter, failing fast with ErrMissingCredential
// when the endpoint or key is absent.
func NewAzureAdapter(cfg AzureConfig) (*AzureAdapter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: azure endpoint", ErrMissingCredential)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: azure api key", ErrMissingCredential)
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2024-02-15-preview"
	}

	clientConfig := openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
	clientConfig.APIVersion = cfg.APIVersion

	return &AzureAdapter{
		client:     openai.NewClientWithConfig(clientConfig),
		deployment: cfg.Deployment,
		maxTokens:  cfg.MaxTokens,
	}, nil
}

// Kind returns the backend identifier.
func (a *AzureAdapter) Kind() models.Provider {
	return models.ProviderAzureOpenAI
}

// Features reports what this backend supports. Log probabilities are
// accepted but not surfaced, so they report false.
func (a *AzureAdapter) Features() models.ProviderFeatures {
	return models.ProviderFeatures{Streaming: true, ToolCalls: true, LogProbs: false}
}

// Complete sends a streaming chat completion request.
func (a *AzureAdapter) Complete(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	model := req.Model
	if model == "" {
		model = a.deployment
	}
	if model == "" {
		return nil, NewProviderError(models.ProviderAzureOpenAI, "", errors.New("deployment name is required"))
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model, // deployment name on Azure
		Messages: a.convertMessages(req),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	} else if a.maxTokens > 0 {
		chatReq.MaxTokens = a.maxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertToolSpecs(req.Tools)
	}

	// Failures surface to the caller as classified ProviderErrors; whether
	// to retry is the caller's policy, not the adapter's.
	stream, err := a.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, a.wrapError(err, model)
	}

	chunks := make(chan *Chunk)
	go a.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

func (a *AzureAdapter) processStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- *Chunk, model string) {
	defer close(out)
	defer stream.Close()

	// Tool call deltas arrive fragmented by index and are assembled here
	// before emission.
	partial := make(map[int]*models.ToolCall)
	finish := models.FinishContent
	var usage models.Usage
	emittedTools := false

	emitAssembled := func() bool {
		for i := 0; i < len(partial); i++ {
			tc := partial[i]
			if tc == nil || tc.ID == "" || tc.ToolID == "" {
				continue
			}
			if len(tc.Arguments) == 0 {
				tc.Arguments = json.RawMessage(`{}`)
			}
			if !json.Valid(tc.Arguments) {
				out <- &Chunk{Err: &ArgumentParseError{ToolID: tc.ToolID, Raw: string(tc.Arguments)}}
				return false
			}
			out <- &Chunk{ToolCall: tc}
			emittedTools = true
		}
		partial = make(map[int]*models.ToolCall)
		return true
	}

	for {
		select {
		case <-ctx.Done():
			out <- &Chunk{Err: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !emitAssembled() {
					return
				}
				if emittedTools {
					finish = models.FinishToolCalls
				}
				out <- &Chunk{Done: true, FinishReason: finish, Usage: usage}
				return
			}
			out <- &Chunk{Err: a.wrapError(err, model)}
			return
		}

		if response.Usage != nil {
			usage = models.Usage{
				PromptTokens:     response.Usage.PromptTokens,
				CompletionTokens: response.Usage.CompletionTokens,
				TotalTokens:      response.Usage.TotalTokens,
			}
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			out <- &Chunk{Text: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if partial[index] == nil {
				partial[index] = &models.ToolCall{}
			}
			if tc.ID != "" {
				partial[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				partial[index].ToolID = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				partial[index].Arguments = append(partial[index].Arguments, tc.Function.Arguments...)
			}
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			if !emitAssembled() {
				return
			}
			finish = models.FinishToolCalls
		case openai.FinishReasonLength:
			finish = models.FinishLengthLimit
		case openai.FinishReasonStop:
			finish = models.FinishContent
		}
	}
}

func (a *AzureAdapter) convertMessages(req *Request) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.ToolID,
						Arguments: string(tc.Arguments),
					},
				})
			}
			result = append(result, oaiMsg)
		case "tool":
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}
	return result
}

func (a *AzureAdapter) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsProviderError(err); ok {
		return err
	}
	pe := NewProviderError(models.ProviderAzureOpenAI, model, err)
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe.WithStatus(apiErr.HTTPStatusCode)
	}
	return pe
}

func convertToolSpecs(tools []ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.Parameters),
			},
		}
	}
	return result
}
