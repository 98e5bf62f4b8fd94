package provider

import (
	"context"
	"errors"

	"github.com/cloud-shuttle/parley/internal/llm"
)

const (
	openAIBaseURL = "https://api.openai.com/v1/chat/completions"
)

// OpenAIProvider implements the OpenAI chat completions API. Groq reuses it
// with a different endpoint and model table.
type OpenAIProvider struct {
	*BaseProvider
	name    llm.ProviderType
	baseURL string
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(cfg llm.ProviderConfig) (llm.Provider, error) {
	models := map[string]llm.Model{
		"gpt-4o": {
			ID:          "gpt-4o",
			Name:        "GPT-4o",
			Provider:    llm.ProviderOpenAI,
			ContextSize: 128000,
			InputPrice:  2.50,  // $2.50 per 1M input tokens
			OutputPrice: 10.00, // $10 per 1M output tokens
		},
		"gpt-4o-mini": {
			ID:          "gpt-4o-mini",
			Name:        "GPT-4o Mini",
			Provider:    llm.ProviderOpenAI,
			ContextSize: 128000,
			InputPrice:  0.15,
			OutputPrice: 0.60,
		},
		"gpt-4-turbo": {
			ID:          "gpt-4-turbo",
			Name:        "GPT-4 Turbo",
			Provider:    llm.ProviderOpenAI,
			ContextSize: 128000,
			InputPrice:  10.00,
			OutputPrice: 30.00,
		},
		"gpt-3.5-turbo": {
			ID:          "gpt-3.5-turbo",
			Name:        "GPT-3.5 Turbo",
			Provider:    llm.ProviderOpenAI,
			ContextSize: 16385,
			InputPrice:  0.50,
			OutputPrice: 1.50,
		},
	}

	cfg.Type = llm.ProviderOpenAI
	return &OpenAIProvider{
		BaseProvider: newBaseProvider(cfg, models),
		name:         llm.ProviderOpenAI,
		baseURL:      openAIBaseURL,
	}, nil
}

// Name returns the provider name
func (o *OpenAIProvider) Name() llm.ProviderType {
	return o.name
}

// Chat generates a non-streaming chat completion
func (o *OpenAIProvider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	openAIReq := o.convertRequest(req)

	headers := map[string]string{"Authorization": "Bearer " + o.Config.APIKey}

	var openAIResp openAIResponse
	if err := o.postJSON(ctx, o.endpoint(o.baseURL, "/chat/completions"), headers, openAIReq, &openAIResp); err != nil {
		return nil, err
	}

	if len(openAIResp.Choices) == 0 {
		return nil, llm.NewError(o.name, llm.KindUnknown, errors.New("empty response received"))
	}

	return o.convertResponse(&openAIResp), nil
}

// openAIRequest represents OpenAI's API request format
type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// openAIResponse represents OpenAI's API response format
type openAIResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
}

type openAIChoice struct {
	Index        int           `json:"index"`
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// convertRequest converts a generic request to OpenAI format
func (o *OpenAIProvider) convertRequest(req *llm.ChatRequest) *openAIRequest {
	messages := make([]openAIMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openAIMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}

	return &openAIRequest{
		Model:       o.ApplyModelAlias(req.Model),
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}

// convertResponse converts an OpenAI response to generic format
func (o *OpenAIProvider) convertResponse(resp *openAIResponse) *llm.ChatResponse {
	first := resp.Choices[0]
	return &llm.ChatResponse{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: first.Message.Content,
		Finish:  first.FinishReason,
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Provider: o.name,
	}
}
