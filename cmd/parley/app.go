package main

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/cloud-shuttle/parley/internal/config"
	"github.com/cloud-shuttle/parley/internal/conversation"
	"github.com/cloud-shuttle/parley/internal/db"
	"github.com/cloud-shuttle/parley/internal/knowledge"
	"github.com/cloud-shuttle/parley/internal/llm"
	"github.com/cloud-shuttle/parley/internal/llm/provider"
	"github.com/cloud-shuttle/parley/internal/retry"
)

// app holds the components a command needs. Fields stay nil until the
// matching open call.
type app struct {
	cfg *config.Config

	db       *db.Store
	turns    *conversation.TurnStore
	kb       *knowledge.Base
	registry *conversation.Registry
}

// openStore opens history storage according to the conversation settings
func openStore(c *config.Config) (*app, error) {
	a := &app{cfg: c}

	backend, err := a.openBackend()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.turns = conversation.NewTurnStore(backend, conversation.StoreOptions{
		MaxHistory:   c.Conversation.MaxHistory,
		TrimOnAppend: c.Conversation.TrimOnAppend,
		Logger:       logger,
	})
	return a, nil
}

// openChat opens storage, the optional knowledge base, and the model
// pipeline behind a session registry
func openChat(c *config.Config) (*app, error) {
	a, err := openStore(c)
	if err != nil {
		return nil, err
	}

	if c.Knowledge.Enabled {
		if _, err := a.openKnowledge(); err != nil {
			a.Close()
			return nil, err
		}
	}

	model, err := newCaller(c)
	if err != nil {
		a.Close()
		return nil, err
	}

	exec, err := retry.NewExecutor(c.RetryPolicy(), conversation.ClassifyModelError, retry.WithLogger(logger))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("configuring retries: %w", err)
	}

	var retriever conversation.Retriever
	if a.kb != nil {
		retriever = a.kb
	}

	opts := conversation.SessionOptions{
		SystemPrompt:  c.Model.SystemPrompt,
		AssistantName: c.AssistantName,
		MaxHistory:    c.Conversation.MaxHistory,
		Retriever:     retriever,
		TopK:          c.Knowledge.TopK,
		Logger:        logger,
	}
	a.registry = conversation.NewRegistry(func(ctx context.Context, id string) (*conversation.Session, error) {
		return conversation.NewSession(id, a.turns, model, exec, opts), nil
	})
	return a, nil
}

// newCaller builds the model caller from the configured provider
func newCaller(c *config.Config) (*llm.Caller, error) {
	p, err := provider.CreateProvider(c.ProviderConfig())
	if err != nil {
		return nil, err
	}

	opts := []llm.CallerOption{llm.WithCallerLogger(logger)}
	if rpm := c.RateLimiting.RequestsPerMinute; rpm > 0 {
		opts = append(opts, llm.WithLimiter(rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1)))
	}
	return llm.NewCaller(p, c.Model.Model, c.Model.Temperature, c.Model.MaxTokens, opts...), nil
}

func (a *app) openBackend() (conversation.Backend, error) {
	if !a.cfg.Conversation.SaveHistory {
		return nil, nil
	}

	switch a.cfg.Conversation.Backend {
	case "sqlite":
		store, err := a.openDB()
		if err != nil {
			return nil, err
		}
		backend := conversation.NewSQLiteBackend(store)
		zc, err := conversation.NewZstdCompressor()
		if err != nil {
			return nil, fmt.Errorf("creating compressor: %w", err)
		}
		backend.SetCompressor(zc)
		return backend, nil
	default:
		backend, err := conversation.NewJSONBackend(a.cfg.HistoryDir())
		if err != nil {
			return nil, fmt.Errorf("opening history directory: %w", err)
		}
		return backend, nil
	}
}

func (a *app) openDB() (*db.Store, error) {
	if a.db != nil {
		return a.db, nil
	}

	store, err := db.Open(a.cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	a.db = store
	return store, nil
}

func (a *app) openKnowledge() (*knowledge.Base, error) {
	if a.kb != nil {
		return a.kb, nil
	}

	store, err := a.openDB()
	if err != nil {
		return nil, err
	}
	kb, err := knowledge.New(store, knowledge.Options{
		ChunkSize:    a.cfg.Knowledge.ChunkSize,
		ChunkOverlap: a.cfg.Knowledge.ChunkOverlap,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	if err := kb.InitSchema(); err != nil {
		return nil, fmt.Errorf("initializing knowledge schema: %w", err)
	}
	a.kb = kb
	return kb, nil
}

// Close releases sessions, storage, and the database in that order
func (a *app) Close() error {
	var errs []error
	if a.registry != nil {
		a.registry.Close()
	}
	if a.turns != nil {
		errs = append(errs, a.turns.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
