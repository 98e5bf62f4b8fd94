// Package provider implements LLM provider adapters
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cloud-shuttle/parley/internal/llm"
)

// defaultTimeout bounds a single HTTP exchange when the config leaves it unset
const defaultTimeout = 2 * time.Minute

// maxErrorBody caps how much of an error response is kept for diagnostics
const maxErrorBody = 4096

// Factory creates a provider from its configuration
type Factory func(cfg llm.ProviderConfig) (llm.Provider, error)

// Registry holds all registered provider factories
var Registry = map[llm.ProviderType]Factory{
	llm.ProviderOpenAI:    NewOpenAIProvider,
	llm.ProviderAnthropic: NewAnthropicProvider,
	llm.ProviderGroq:      NewGroqProvider,
}

// CreateProvider creates and validates a provider from its configuration
func CreateProvider(cfg llm.ProviderConfig) (llm.Provider, error) {
	factory, ok := Registry[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
	p, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider: %w", cfg.Type, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s provider config: %w", cfg.Type, err)
	}
	return p, nil
}

// BaseProvider provides common functionality for all providers
type BaseProvider struct {
	Config    llm.ProviderConfig
	ModelInfo map[string]llm.Model
	client    *http.Client
}

func newBaseProvider(cfg llm.ProviderConfig, models map[string]llm.Model) *BaseProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &BaseProvider{
		Config:    cfg,
		ModelInfo: models,
		client:    &http.Client{Timeout: timeout},
	}
}

// GetModels returns the list of known models sorted by ID
func (b *BaseProvider) GetModels() []llm.Model {
	models := make([]llm.Model, 0, len(b.ModelInfo))
	for _, m := range b.ModelInfo {
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models
}

// CalculateCost calculates the cost based on token usage
func (b *BaseProvider) CalculateCost(model string, usage *llm.Usage) (*llm.Cost, error) {
	m, ok := b.ModelInfo[b.ApplyModelAlias(model)]
	if !ok {
		return nil, fmt.Errorf("unknown model: %s", model)
	}

	inputCost := (float64(usage.PromptTokens) / 1_000_000) * m.InputPrice
	outputCost := (float64(usage.CompletionTokens) / 1_000_000) * m.OutputPrice

	return &llm.Cost{
		InputCost:    inputCost,
		OutputCost:   outputCost,
		TotalCost:    inputCost + outputCost,
		Currency:     "USD",
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		Model:        model,
		Provider:     b.Config.Type,
	}, nil
}

// Validate checks if the provider configuration is valid
func (b *BaseProvider) Validate() error {
	if b.Config.APIKey == "" {
		return fmt.Errorf("API key is required for %s provider", b.Config.Type)
	}
	if b.Config.BaseURL != "" && !strings.HasPrefix(b.Config.BaseURL, "http") {
		return fmt.Errorf("invalid base URL for %s provider: %q", b.Config.Type, b.Config.BaseURL)
	}
	return nil
}

// ApplyModelAlias applies model alias configuration
func (b *BaseProvider) ApplyModelAlias(model string) string {
	if alias, ok := b.Config.ModelAlias[model]; ok {
		return alias
	}
	return model
}

// endpoint returns the configured base URL joined with path, or fallback
func (b *BaseProvider) endpoint(fallback, path string) string {
	if b.Config.BaseURL == "" {
		return fallback
	}
	return strings.TrimSuffix(b.Config.BaseURL, "/") + path
}

// postJSON sends body to url and decodes a 200 response into out. Every
// failure comes back as a classified *llm.Error.
func (b *BaseProvider) postJSON(ctx context.Context, url string, headers map[string]string, body, out any) error {
	typ := b.Config.Type

	reqBody, err := json.Marshal(body)
	if err != nil {
		return llm.NewError(typ, llm.KindMalformedRequest, fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return llm.NewError(typ, llm.KindMalformedRequest, fmt.Errorf("failed to create request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return llm.TransportError(typ, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return llm.StatusError(typ, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return llm.NewError(typ, llm.KindUnknown, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}
