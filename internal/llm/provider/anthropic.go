package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/cloud-shuttle/parley/internal/llm"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"

	// Anthropic requires max_tokens on every request
	anthropicDefaultMaxTokens = 4096
)

// AnthropicProvider implements the Anthropic (Claude) messages API
type AnthropicProvider struct {
	*BaseProvider
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(cfg llm.ProviderConfig) (llm.Provider, error) {
	models := map[string]llm.Model{
		"claude-sonnet-4-20250514": {
			ID:          "claude-sonnet-4-20250514",
			Name:        "Claude Sonnet 4",
			Provider:    llm.ProviderAnthropic,
			ContextSize: 200000,
			InputPrice:  3.00,  // $3 per 1M input tokens
			OutputPrice: 15.00, // $15 per 1M output tokens
		},
		"claude-3-5-haiku-20241022": {
			ID:          "claude-3-5-haiku-20241022",
			Name:        "Claude 3.5 Haiku",
			Provider:    llm.ProviderAnthropic,
			ContextSize: 200000,
			InputPrice:  0.80,
			OutputPrice: 4.00,
		},
	}

	cfg.Type = llm.ProviderAnthropic
	return &AnthropicProvider{BaseProvider: newBaseProvider(cfg, models)}, nil
}

// Name returns the provider name
func (a *AnthropicProvider) Name() llm.ProviderType {
	return llm.ProviderAnthropic
}

// Chat generates a chat completion
func (a *AnthropicProvider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	anthropicReq := a.convertRequest(req)

	headers := map[string]string{
		"x-api-key":         a.Config.APIKey,
		"anthropic-version": anthropicVersion,
	}

	var resp anthropicResponse
	if err := a.postJSON(ctx, a.endpoint(anthropicBaseURL, "/messages"), headers, anthropicReq, &resp); err != nil {
		return nil, err
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	if content.Len() == 0 {
		return nil, llm.NewError(llm.ProviderAnthropic, llm.KindUnknown, errors.New("empty response received"))
	}

	return &llm.ChatResponse{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: content.String(),
		Finish:  resp.StopReason,
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		Provider: llm.ProviderAnthropic,
	}, nil
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	Temperature float64            `json:"temperature"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// convertRequest converts a generic request to Anthropic format. System
// messages move to the top-level system field.
func (a *AnthropicProvider) convertRequest(req *llm.ChatRequest) *anthropicRequest {
	var system []string
	messages := make([]anthropicMessage, 0, len(req.Messages))

	for _, msg := range req.Messages {
		if msg.Role == llm.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		messages = append(messages, anthropicMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	anthropicReq := &anthropicRequest{
		Model:       a.ApplyModelAlias(req.Model),
		MaxTokens:   anthropicDefaultMaxTokens,
		Messages:    messages,
		System:      strings.Join(system, "\n\n"),
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		anthropicReq.MaxTokens = req.MaxTokens
	}
	return anthropicReq
}
