package provider

import (
	"github.com/cloud-shuttle/parley/internal/llm"
)

const (
	groqBaseURL = "https://api.groq.com/openai/v1/chat/completions"
)

// NewGroqProvider creates a Groq provider. Groq speaks the OpenAI wire format.
func NewGroqProvider(cfg llm.ProviderConfig) (llm.Provider, error) {
	models := map[string]llm.Model{
		"llama-3.3-70b-versatile": {
			ID:          "llama-3.3-70b-versatile",
			Name:        "Llama 3.3 70B Versatile",
			Provider:    llm.ProviderGroq,
			ContextSize: 128000,
		},
		"llama-3.1-8b-instant": {
			ID:          "llama-3.1-8b-instant",
			Name:        "Llama 3.1 8B Instant",
			Provider:    llm.ProviderGroq,
			ContextSize: 128000,
		},
		"gemma2-9b-it": {
			ID:          "gemma2-9b-it",
			Name:        "Gemma 2 9B",
			Provider:    llm.ProviderGroq,
			ContextSize: 8192,
		},
	}

	cfg.Type = llm.ProviderGroq
	return &OpenAIProvider{
		BaseProvider: newBaseProvider(cfg, models),
		name:         llm.ProviderGroq,
		baseURL:      groqBaseURL,
	}, nil
}
