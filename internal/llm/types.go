// Package llm defines the provider-neutral chat model interface used by parley
package llm

import (
	"context"
	"time"
)

// ProviderType identifies the LLM provider
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderGroq      ProviderType = "groq"
)

// String returns the provider name
func (p ProviderType) String() string {
	return string(p)
}

// IsValid reports whether p is a supported provider
func (p ProviderType) IsValid() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGroq:
		return true
	}
	return false
}

// Role represents the role of a message sender
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a chat message
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a request to generate a chat completion
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// ChatResponse is the response from a chat completion
type ChatResponse struct {
	ID       string       `json:"id"`
	Model    string       `json:"model"`
	Content  string       `json:"content"`
	Finish   string       `json:"finish_reason"`
	Usage    Usage        `json:"usage"`
	Provider ProviderType `json:"provider"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Model represents an available model
type Model struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Provider    ProviderType `json:"provider"`
	ContextSize int          `json:"context_size"`

	// Pricing (per 1M tokens)
	InputPrice  float64 `json:"input_price,omitempty"`
	OutputPrice float64 `json:"output_price,omitempty"`
}

// Cost represents cost information for a request
type Cost struct {
	InputCost    float64      `json:"input_cost"`
	OutputCost   float64      `json:"output_cost"`
	TotalCost    float64      `json:"total_cost"`
	Currency     string       `json:"currency"`
	InputTokens  int          `json:"input_tokens"`
	OutputTokens int          `json:"output_tokens"`
	Model        string       `json:"model"`
	Provider     ProviderType `json:"provider"`
}

// Provider is the interface that all LLM providers must implement
type Provider interface {
	// Name returns the provider name
	Name() ProviderType

	// Chat generates a non-streaming chat completion. Failures are *Error values.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// GetModels returns a list of known models
	GetModels() []Model

	// CalculateCost calculates the cost for a given usage
	CalculateCost(model string, usage *Usage) (*Cost, error)

	// Validate validates the provider configuration
	Validate() error
}

// ProviderConfig holds configuration for a single provider
type ProviderConfig struct {
	Type       ProviderType      `json:"type" yaml:"type"`
	APIKey     string            `json:"api_key,omitempty" yaml:"api_key"`
	BaseURL    string            `json:"base_url,omitempty" yaml:"base_url"`
	Timeout    time.Duration     `json:"timeout,omitempty" yaml:"timeout"`
	ModelAlias map[string]string `json:"model_alias,omitempty" yaml:"model_alias,omitempty"`
}
