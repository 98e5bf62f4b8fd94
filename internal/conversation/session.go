package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cloud-shuttle/parley/internal/llm"
	"github.com/cloud-shuttle/parley/internal/retry"
	"github.com/cloud-shuttle/parley/pkg/telemetry"
	"github.com/cloud-shuttle/parley/pkg/types"
)

// Model produces an assistant reply for an assembled prompt. One call is
// one attempt; retries are the session's concern.
type Model interface {
	Complete(ctx context.Context, turns []types.Turn) (string, error)
}

// Retriever finds passages relevant to a query
type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]types.Passage, error)
}

// ClassifyModelError maps model failures onto retry outcomes
func ClassifyModelError(err error) retry.Outcome {
	if err == nil {
		return retry.OutcomeSuccess
	}
	if llm.IsRetryable(err) {
		return retry.OutcomeRetryable
	}
	return retry.OutcomeFatal
}

// SessionOptions configures a Session
type SessionOptions struct {
	// SystemPrompt seeds an empty session. {assistant_name} is replaced
	// with AssistantName.
	SystemPrompt  string
	AssistantName string

	// MaxHistory bounds the prompt window and Trim
	MaxHistory int

	// Retriever and TopK enable retrieval augmentation when both are set
	Retriever Retriever
	TopK      int

	Logger *slog.Logger
}

// Session is one conversation thread. Process may be called concurrently;
// turns are appended in completion order.
type Session struct {
	id       string
	store    *TurnStore
	model    Model
	executor *retry.Executor
	window   Window
	opts     SessionOptions
	logger   *slog.Logger

	seedMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// NewSession creates a session over store. Nothing is loaded until first use.
func NewSession(id string, store *TurnStore, model Model, executor *retry.Executor, opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:       id,
		store:    store,
		model:    model,
		executor: executor,
		window:   Window{MaxHistory: opts.MaxHistory},
		opts:     opts,
		logger:   logger.With("component", "session", "session_id", id),
	}
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// SystemPrompt returns the system prompt with placeholders substituted
func (s *Session) SystemPrompt() string {
	return strings.ReplaceAll(s.opts.SystemPrompt, "{assistant_name}", s.opts.AssistantName)
}

func (s *Session) checkOpen() error {
	return s.whileOpen(func() error { return nil })
}

// whileOpen runs fn unless the session is closed. Cleanup waits for fn to
// return, so nothing fn writes can outlive an eviction.
func (s *Session) whileOpen(fn func() error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.id)
	}
	return fn()
}

// record appends turn while the session is open
func (s *Session) record(ctx context.Context, turn types.Turn) error {
	return s.whileOpen(func() error {
		return s.store.Append(ctx, s.id, turn)
	})
}

// Process records utterance, asks the model for a reply under the retry
// policy, and records the reply. When the model cannot answer the user turn
// stays recorded and a *ChatUnavailableError is returned.
func (s *Session) Process(ctx context.Context, utterance string) (reply string, err error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	if strings.TrimSpace(utterance) == "" {
		return "", ErrEmptyUtterance
	}

	category := telemetry.ErrorCategoryModel
	ctx, span := telemetry.StartSessionSpan(ctx, s.id)
	defer func() {
		if errors.Is(err, context.DeadlineExceeded) {
			category = telemetry.ErrorCategoryTimeout
		}
		telemetry.RecordErrorWithStatus(span, err, telemetry.ErrorTypeFromError(err), category)
		span.End()
	}()

	if err := s.seedSystemPrompt(ctx); err != nil {
		s.logger.Warn("failed to record system prompt", "error", err)
	}

	if err := s.record(ctx, types.NewTurn(types.RoleUser, utterance)); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return "", err
		}
		s.logger.Warn("failed to persist user turn", "error", err)
	}

	turns, err := s.History(ctx)
	if err != nil {
		category = telemetry.ErrorCategoryStorage
		return "", fmt.Errorf("reading history: %w", err)
	}
	span.SetAttributes(telemetry.SessionAttrs(s.id, len(turns))...)

	prompt := s.window.Build(turns, s.augment(ctx, utterance)...)

	reply, err = retry.Value(ctx, s.executor, "model.complete", func(ctx context.Context) (string, error) {
		return s.model.Complete(ctx, prompt)
	})
	if err != nil {
		s.logger.Error("model call failed", "error", err, "kind", llm.KindOf(err).String(), "trace_id", telemetry.GetTraceID(ctx))
		return "", &ChatUnavailableError{SessionID: s.id, Cause: err}
	}

	if err := s.record(ctx, types.NewTurn(types.RoleAssistant, reply)); err != nil {
		s.logger.Warn("failed to record assistant turn", "error", err)
	}
	return reply, nil
}

// seedSystemPrompt records the system prompt as the first turn of an
// empty session
func (s *Session) seedSystemPrompt(ctx context.Context) error {
	prompt := s.SystemPrompt()
	if prompt == "" {
		return nil
	}

	s.seedMu.Lock()
	defer s.seedMu.Unlock()

	turns, err := s.History(ctx)
	if err != nil {
		return err
	}
	if len(turns) > 0 {
		return nil
	}
	return s.record(ctx, types.NewTurn(types.RoleSystem, prompt))
}

// augment returns ephemeral context turns from the retriever. Retrieval
// failures degrade to no augmentation.
func (s *Session) augment(ctx context.Context, query string) []types.Turn {
	if s.opts.Retriever == nil || s.opts.TopK <= 0 {
		return nil
	}

	passages, err := s.opts.Retriever.Search(ctx, query, s.opts.TopK)
	if err != nil {
		s.logger.Warn("retrieval failed, continuing without context", "error", err)
		return nil
	}

	turn, ok := RetrievalTurn(passages)
	if !ok {
		return nil
	}
	s.logger.Debug("augmenting prompt", "passages", len(passages))
	return []types.Turn{turn}
}

// History returns every retained turn
func (s *Session) History(ctx context.Context) (turns []types.Turn, err error) {
	err = s.whileOpen(func() error {
		turns, err = s.store.Turns(ctx, s.id)
		return err
	})
	return turns, err
}

// ClearConversation drops the conversation, keeping the system prompt when asked
func (s *Session) ClearConversation(ctx context.Context, keepSystemPrompt bool) error {
	err := s.whileOpen(func() error {
		return s.store.Clear(ctx, s.id, keepSystemPrompt)
	})
	if err != nil {
		return fmt.Errorf("clearing conversation: %w", err)
	}
	s.logger.Info("conversation cleared", "keep_system_prompt", keepSystemPrompt)
	return nil
}

// Trim permanently discards turns beyond MaxHistory
func (s *Session) Trim(ctx context.Context) (removed int, err error) {
	err = s.whileOpen(func() error {
		removed, err = s.store.Trim(ctx, s.id, s.opts.MaxHistory)
		return err
	})
	return removed, err
}

// Info summarizes the session
func (s *Session) Info(ctx context.Context) (info types.SessionInfo, err error) {
	err = s.whileOpen(func() error {
		info, err = s.store.Info(ctx, s.id)
		return err
	})
	return info, err
}

// Cleanup releases in-memory state. Persisted history is kept. Safe to call
// more than once.
func (s *Session) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.store.Forget(s.id)
	s.logger.Debug("session released")
}
