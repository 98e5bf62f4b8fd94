package llm

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/cloud-shuttle/parley/pkg/telemetry"
	"github.com/cloud-shuttle/parley/pkg/types"
)

// Caller adapts a Provider into a single-shot completion function over
// conversation turns. It makes exactly one provider call per Complete.
type Caller struct {
	provider    Provider
	model       string
	temperature float64
	maxTokens   int
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// CallerOption configures a Caller
type CallerOption func(*Caller)

// WithLimiter throttles outgoing calls through l
func WithLimiter(l *rate.Limiter) CallerOption {
	return func(c *Caller) { c.limiter = l }
}

// WithCallerLogger sets the logger used for usage reporting
func WithCallerLogger(l *slog.Logger) CallerOption {
	return func(c *Caller) { c.logger = l }
}

// NewCaller creates a Caller for model on provider
func NewCaller(p Provider, model string, temperature float64, maxTokens int, opts ...CallerOption) *Caller {
	c := &Caller{
		provider:    p,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "llm", "provider", p.Name().String(), "model", model)
	return c
}

// Model returns the configured model name
func (c *Caller) Model() string {
	return c.model
}

// Complete sends turns to the provider and returns the assistant reply
func (c *Caller) Complete(ctx context.Context, turns []types.Turn) (string, error) {
	ctx, span := telemetry.StartModelSpan(ctx, c.provider.Name().String(), c.model,
		attribute.Int(telemetry.KeySessionTurns, len(turns)))
	defer span.End()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				// the limiter refuses waits that would outlive the deadline
				err = NewError(c.provider.Name(), KindRateLimited, fmt.Errorf("rate limiter: %w", err))
			}
			telemetry.RecordError(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryModel)
			return "", err
		}
	}

	req := &ChatRequest{
		Model:       c.model,
		Messages:    ToMessages(turns),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	resp, err := c.provider.Chat(ctx, req)
	if err != nil {
		telemetry.RecordError(span, err, KindOf(err).String(), telemetry.ErrorCategoryModel)
		return "", err
	}

	span.SetAttributes(attribute.Int(telemetry.KeyModelTokens, resp.Usage.TotalTokens))
	attrs := []any{
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	}
	if cost, err := c.provider.CalculateCost(c.model, &resp.Usage); err == nil {
		attrs = append(attrs, "cost_usd", cost.TotalCost)
	}
	c.logger.Debug("completion received", attrs...)

	return resp.Content, nil
}

// ToMessages converts conversation turns to provider messages
func ToMessages(turns []types.Turn) []Message {
	msgs := make([]Message, len(turns))
	for i, t := range turns {
		msgs[i] = Message{Role: Role(t.Role), Content: t.Content}
	}
	return msgs
}
