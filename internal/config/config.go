// Package config handles parley configuration
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/cloud-shuttle/parley/internal/llm"
	"github.com/cloud-shuttle/parley/internal/retry"
)

// DefaultSystemPrompt is used when no system prompt is configured
const DefaultSystemPrompt = "You are {assistant_name}, a helpful, friendly, and conversational AI assistant. " +
	"Keep responses concise but complete, and say so when you don't know the answer."

// Seconds is a duration written as a number of seconds in config files
type Seconds float64

// Duration converts s to a time.Duration
func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

// Config holds parley configuration
type Config struct {
	AssistantName string `json:"assistant_name" yaml:"assistant_name"`
	LogLevel      string `json:"log_level" yaml:"log_level"`
	DataDir       string `json:"data_dir" yaml:"data_dir"`

	Model        ModelConfig        `json:"openai" yaml:"openai"`
	RateLimiting RateLimitConfig    `json:"rate_limiting" yaml:"rate_limiting"`
	Conversation ConversationConfig `json:"conversation" yaml:"conversation"`
	Knowledge    KnowledgeConfig    `json:"knowledge" yaml:"knowledge"`
	Server       ServerConfig       `json:"server" yaml:"server"`
}

// ModelConfig selects the remote model and its sampling settings
type ModelConfig struct {
	Provider       string  `json:"provider" yaml:"provider"`
	Model          string  `json:"model" yaml:"model"`
	Temperature    float64 `json:"temperature" yaml:"temperature"`
	MaxTokens      int     `json:"max_tokens" yaml:"max_tokens"`
	SystemPrompt   string  `json:"system_prompt" yaml:"system_prompt"`
	APIKey         string  `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL        string  `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	RequestTimeout Seconds `json:"request_timeout" yaml:"request_timeout"`
}

// RateLimitConfig controls retries and outbound pacing
type RateLimitConfig struct {
	MaxRetries        int     `json:"max_retries" yaml:"max_retries"`
	InitialBackoff    Seconds `json:"initial_backoff" yaml:"initial_backoff"`
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	MaxBackoff        Seconds `json:"max_backoff" yaml:"max_backoff"`

	// RequestsPerMinute throttles model calls; 0 disables throttling
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
}

// ConversationConfig controls history retention
type ConversationConfig struct {
	MaxHistory   int    `json:"max_history" yaml:"max_history"`
	SaveHistory  bool   `json:"save_history" yaml:"save_history"`
	TrimOnAppend bool   `json:"trim_on_append" yaml:"trim_on_append"`
	Backend      string `json:"backend" yaml:"backend"`
	HistoryDir   string `json:"history_dir,omitempty" yaml:"history_dir,omitempty"`
}

// KnowledgeConfig controls retrieval augmentation
type KnowledgeConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	Dir          string `json:"dir" yaml:"dir"`
	ChunkSize    int    `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap int    `json:"chunk_overlap" yaml:"chunk_overlap"`
	TopK         int    `json:"top_k" yaml:"top_k"`
}

// ServerConfig controls the HTTP API
type ServerConfig struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`

	// RequestsPerMinute caps message posts per client; 0 disables the cap
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		AssistantName: "Voice Assistant",
		LogLevel:      "info",
		DataDir:       ".parley",
		Model: ModelConfig{
			Provider:       string(llm.ProviderOpenAI),
			Model:          "gpt-4o",
			Temperature:    0.7,
			MaxTokens:      500,
			SystemPrompt:   DefaultSystemPrompt,
			RequestTimeout: 30,
		},
		RateLimiting: RateLimitConfig{
			MaxRetries:        5,
			InitialBackoff:    1,
			BackoffMultiplier: 2,
			MaxBackoff:        60,
		},
		Conversation: ConversationConfig{
			MaxHistory:   10,
			SaveHistory:  true,
			TrimOnAppend: true,
			Backend:      "json",
		},
		Knowledge: KnowledgeConfig{
			Enabled:      false,
			Dir:          "knowledge",
			ChunkSize:    1000,
			ChunkOverlap: 200,
			TopK:         3,
		},
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:7860",
		},
	}
}

// Load builds the configuration from defaults, the optional file at path,
// a .env file in the working directory, and PARLEY_* environment variables,
// in that order. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing config file %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), c); err != nil {
			return fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	return nil
}

// applyEnv applies PARLEY_* overrides
func (c *Config) applyEnv() {
	if v := os.Getenv("PARLEY_ASSISTANT_NAME"); v != "" {
		c.AssistantName = v
	}
	if v := os.Getenv("PARLEY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("PARLEY_DATA_DIR"); v != "" {
		c.DataDir = v
	}

	// Model
	if v := os.Getenv("PARLEY_PROVIDER"); v != "" {
		c.Model.Provider = v
	}
	if v := os.Getenv("PARLEY_MODEL"); v != "" {
		c.Model.Model = v
	}
	if v := os.Getenv("PARLEY_TEMPERATURE"); v != "" {
		c.Model.Temperature = parseFloatOrDefault(v, c.Model.Temperature)
	}
	if v := os.Getenv("PARLEY_MAX_TOKENS"); v != "" {
		c.Model.MaxTokens = parseIntOrDefault(v, c.Model.MaxTokens)
	}
	if v := os.Getenv("PARLEY_SYSTEM_PROMPT"); v != "" {
		c.Model.SystemPrompt = v
	}
	if v := os.Getenv("PARLEY_BASE_URL"); v != "" {
		c.Model.BaseURL = v
	}
	if v := os.Getenv("PARLEY_REQUEST_TIMEOUT"); v != "" {
		c.Model.RequestTimeout = parseSecondsOrDefault(v, c.Model.RequestTimeout)
	}
	if v := os.Getenv("PARLEY_API_KEY"); v != "" {
		c.Model.APIKey = v
	} else if c.Model.APIKey == "" {
		c.Model.APIKey = os.Getenv(providerKeyEnv(c.Model.Provider))
	}

	// Rate limiting
	if v := os.Getenv("PARLEY_MAX_RETRIES"); v != "" {
		c.RateLimiting.MaxRetries = parseIntOrDefault(v, c.RateLimiting.MaxRetries)
	}
	if v := os.Getenv("PARLEY_INITIAL_BACKOFF"); v != "" {
		c.RateLimiting.InitialBackoff = parseSecondsOrDefault(v, c.RateLimiting.InitialBackoff)
	}
	if v := os.Getenv("PARLEY_BACKOFF_MULTIPLIER"); v != "" {
		c.RateLimiting.BackoffMultiplier = parseFloatOrDefault(v, c.RateLimiting.BackoffMultiplier)
	}
	if v := os.Getenv("PARLEY_MAX_BACKOFF"); v != "" {
		c.RateLimiting.MaxBackoff = parseSecondsOrDefault(v, c.RateLimiting.MaxBackoff)
	}
	if v := os.Getenv("PARLEY_REQUESTS_PER_MINUTE"); v != "" {
		c.RateLimiting.RequestsPerMinute = parseIntOrDefault(v, c.RateLimiting.RequestsPerMinute)
	}

	// Conversation
	if v := os.Getenv("PARLEY_MAX_HISTORY"); v != "" {
		c.Conversation.MaxHistory = parseIntOrDefault(v, c.Conversation.MaxHistory)
	}
	if v := os.Getenv("PARLEY_SAVE_HISTORY"); v != "" {
		c.Conversation.SaveHistory = parseBoolOrDefault(v, c.Conversation.SaveHistory)
	}
	if v := os.Getenv("PARLEY_TRIM_ON_APPEND"); v != "" {
		c.Conversation.TrimOnAppend = parseBoolOrDefault(v, c.Conversation.TrimOnAppend)
	}
	if v := os.Getenv("PARLEY_BACKEND"); v != "" {
		c.Conversation.Backend = v
	}
	if v := os.Getenv("PARLEY_HISTORY_DIR"); v != "" {
		c.Conversation.HistoryDir = v
	}

	// Knowledge
	if v := os.Getenv("PARLEY_KNOWLEDGE_ENABLED"); v != "" {
		c.Knowledge.Enabled = parseBoolOrDefault(v, c.Knowledge.Enabled)
	}
	if v := os.Getenv("PARLEY_KNOWLEDGE_DIR"); v != "" {
		c.Knowledge.Dir = v
	}
	if v := os.Getenv("PARLEY_TOP_K"); v != "" {
		c.Knowledge.TopK = parseIntOrDefault(v, c.Knowledge.TopK)
	}

	// Server
	if v := os.Getenv("PARLEY_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("PARLEY_SERVER_REQUESTS_PER_MINUTE"); v != "" {
		c.Server.RequestsPerMinute = parseIntOrDefault(v, c.Server.RequestsPerMinute)
	}
}

// providerKeyEnv names the conventional API key variable for provider
func providerKeyEnv(provider string) string {
	switch llm.ProviderType(provider) {
	case llm.ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case llm.ProviderGroq:
		return "GROQ_API_KEY"
	}
	return "OPENAI_API_KEY"
}

// Validate rejects values that cannot work
func (c *Config) Validate() error {
	var errs []error

	if !llm.ProviderType(c.Model.Provider).IsValid() {
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Model.Provider))
	}
	if c.Model.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		errs = append(errs, fmt.Errorf("temperature %v must be between 0 and 2", c.Model.Temperature))
	}
	if c.Model.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("max_tokens must be positive, got %d", c.Model.MaxTokens))
	}
	if c.Model.RequestTimeout < 0 {
		errs = append(errs, errors.New("request_timeout must not be negative"))
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.RateLimiting.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("requests_per_minute must not be negative"))
	}
	if c.Conversation.MaxHistory < 0 {
		errs = append(errs, fmt.Errorf("max_history must not be negative, got %d", c.Conversation.MaxHistory))
	}
	if b := c.Conversation.Backend; b != "json" && b != "sqlite" {
		errs = append(errs, fmt.Errorf("unknown history backend %q (want json or sqlite)", b))
	}
	if c.Knowledge.ChunkSize <= 0 || c.Knowledge.ChunkOverlap < 0 || c.Knowledge.ChunkOverlap >= c.Knowledge.ChunkSize {
		errs = append(errs, fmt.Errorf("invalid chunking %d/%d", c.Knowledge.ChunkSize, c.Knowledge.ChunkOverlap))
	}
	if c.Server.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("server requests_per_minute must not be negative"))
	}
	if c.Knowledge.TopK < 0 {
		errs = append(errs, errors.New("top_k must not be negative"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// RetryPolicy returns the retry policy for model calls
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:        c.RateLimiting.MaxRetries,
		InitialBackoff:    c.RateLimiting.InitialBackoff.Duration(),
		BackoffMultiplier: c.RateLimiting.BackoffMultiplier,
		MaxBackoff:        c.RateLimiting.MaxBackoff.Duration(),
		AttemptTimeout:    c.Model.RequestTimeout.Duration(),
	}
}

// ProviderConfig returns the provider settings for the configured model
func (c *Config) ProviderConfig() llm.ProviderConfig {
	return llm.ProviderConfig{
		Type:    llm.ProviderType(c.Model.Provider),
		APIKey:  c.Model.APIKey,
		BaseURL: c.Model.BaseURL,
	}
}

// HistoryDir returns the directory for JSON session files
func (c *Config) HistoryDir() string {
	if c.Conversation.HistoryDir != "" {
		return c.Conversation.HistoryDir
	}
	return filepath.Join(c.DataDir, "history")
}

// DatabasePath returns the SQLite database path
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "parley.db")
}

// ParseLevel converts a level name to a slog.Level
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

func parseIntOrDefault(s string, def int) int {
	var i int
	if _, err := fmt.Sscanf(s, "%d", &i); err != nil {
		return def
	}
	return i
}

func parseFloatOrDefault(s string, def float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return def
	}
	return f
}

func parseBoolOrDefault(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return def
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// parseSecondsOrDefault accepts a bare number of seconds or a Go duration
func parseSecondsOrDefault(s string, def Seconds) Seconds {
	if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		return Seconds(f)
	}
	d := parseDurationOrDefault(s, -1)
	if d < 0 {
		return def
	}
	return Seconds(d.Seconds())
}
