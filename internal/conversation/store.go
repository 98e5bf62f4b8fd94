// Package conversation holds per-session dialogue state: the turn log and
// its persistence, prompt windowing, and the session/registry lifecycle.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cloud-shuttle/parley/pkg/types"
)

// Record is the persisted form of one session
type Record struct {
	ID           string       `json:"session_id"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActiveAt time.Time    `json:"last_active_at"`
	Turns        []types.Turn `json:"turns"`
}

// Backend persists session records. Load of an unknown id returns an empty
// record and no error; unparsable data is reported as ErrStorageCorrupt.
type Backend interface {
	Load(ctx context.Context, id string) (*Record, error)
	Save(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]types.SessionInfo, error)
	Close() error
}

// StoreOptions configures a TurnStore
type StoreOptions struct {
	// MaxHistory caps retained non-system turns when trimming
	MaxHistory int

	// TrimOnAppend trims to MaxHistory after every append
	TrimOnAppend bool

	Logger *slog.Logger
}

// TurnStore owns the in-memory turn log of every session and writes it
// through to an optional Backend.
type TurnStore struct {
	backend      Backend
	maxHistory   int
	trimOnAppend bool
	logger       *slog.Logger

	mu   sync.Mutex
	logs map[string]*sessionLog
}

type sessionLog struct {
	mu         sync.Mutex
	loaded     bool
	detached   bool
	turns      []types.Turn
	createdAt  time.Time
	lastActive time.Time
}

// NewTurnStore creates a store. A nil backend keeps history in memory only.
func NewTurnStore(backend Backend, opts StoreOptions) *TurnStore {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TurnStore{
		backend:      backend,
		maxHistory:   opts.MaxHistory,
		trimOnAppend: opts.TrimOnAppend,
		logger:       logger.With("component", "store"),
		logs:         make(map[string]*sessionLog),
	}
}

// MaxHistory returns the configured history cap
func (s *TurnStore) MaxHistory() int {
	return s.maxHistory
}

// Persistent reports whether the store writes to a backend
func (s *TurnStore) Persistent() bool {
	return s.backend != nil
}

func (s *TurnStore) log(id string) *sessionLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[id]
	if !ok {
		l = &sessionLog{}
		s.logs[id] = l
	}
	return l
}

// ensureLoaded populates l from the backend on first use. Corrupt data is
// recovered as an empty history that the next write replaces. Any other
// load failure also starts an empty history, but the log is detached from
// the backend so the unread data is never overwritten. Only cancellation of
// ctx is returned. Caller holds l.mu.
func (s *TurnStore) ensureLoaded(ctx context.Context, id string, l *sessionLog) error {
	if l.loaded {
		return nil
	}

	if s.backend != nil {
		rec, err := s.backend.Load(ctx, id)
		switch {
		case err != nil && ctx.Err() != nil:
			return fmt.Errorf("loading session %s: %w", id, ctx.Err())
		case errors.Is(err, ErrStorageCorrupt):
			s.logger.Warn("discarding corrupt history", "session_id", id, "error", err)
		case err != nil:
			s.logger.Warn("history unavailable, keeping session in memory only", "session_id", id, "error", err)
			l.detached = true
		default:
			l.turns = rec.Turns
			l.createdAt = rec.CreatedAt
			l.lastActive = rec.LastActiveAt
		}
	}

	if l.createdAt.IsZero() {
		l.createdAt = time.Now().UTC()
	}
	if l.lastActive.IsZero() {
		l.lastActive = l.createdAt
	}
	l.loaded = true
	return nil
}

// Append adds turn to the session, trims when configured, and persists.
// The turn is kept in memory even when the write fails.
func (s *TurnStore) Append(ctx context.Context, id string, turn types.Turn) error {
	if !turn.Role.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, turn.Role)
	}

	l := s.log(id)
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := s.ensureLoaded(ctx, id, l); err != nil {
		return err
	}

	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	turn.Timestamp = turn.Timestamp.UTC()
	if n := len(l.turns); n > 0 && turn.Timestamp.Before(l.turns[n-1].Timestamp) {
		turn.Timestamp = l.turns[n-1].Timestamp
	}

	l.turns = append(l.turns, turn)
	l.lastActive = turn.Timestamp
	if s.trimOnAppend {
		l.turns = trimTurns(l.turns, s.maxHistory)
	}

	return s.persist(ctx, id, l)
}

// Load reads the persisted sequence for id straight from the backend.
// Corrupt data is returned as an error wrapping ErrStorageCorrupt.
func (s *TurnStore) Load(ctx context.Context, id string) ([]types.Turn, error) {
	if s.backend == nil {
		return nil, nil
	}
	rec, err := s.backend.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Turns, nil
}

// Turns returns a copy of the retained sequence for id
func (s *TurnStore) Turns(ctx context.Context, id string) ([]types.Turn, error) {
	l := s.log(id)
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := s.ensureLoaded(ctx, id, l); err != nil {
		return nil, err
	}

	out := make([]types.Turn, len(l.turns))
	copy(out, l.turns)
	return out, nil
}

// Info summarizes the retained state of id
func (s *TurnStore) Info(ctx context.Context, id string) (types.SessionInfo, error) {
	l := s.log(id)
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := s.ensureLoaded(ctx, id, l); err != nil {
		return types.SessionInfo{}, err
	}
	return types.SessionInfo{
		ID:           id,
		TurnCount:    types.CountNonSystem(l.turns),
		CreatedAt:    l.createdAt,
		LastActiveAt: l.lastActive,
	}, nil
}

// Exists reports whether id has in-memory state or persisted history
func (s *TurnStore) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	_, ok := s.logs[id]
	s.mu.Unlock()
	if ok || s.backend == nil {
		return ok, nil
	}

	rec, err := s.backend.Load(ctx, id)
	switch {
	case errors.Is(err, ErrStorageCorrupt):
		return true, nil
	case err != nil:
		return false, fmt.Errorf("loading session %s: %w", id, err)
	}
	return len(rec.Turns) > 0 || !rec.CreatedAt.IsZero(), nil
}

// Trim permanently drops all but the newest maxHistory non-system turns.
// It returns the number of turns removed.
func (s *TurnStore) Trim(ctx context.Context, id string, maxHistory int) (int, error) {
	l := s.log(id)
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := s.ensureLoaded(ctx, id, l); err != nil {
		return 0, err
	}

	before := len(l.turns)
	l.turns = trimTurns(l.turns, maxHistory)
	removed := before - len(l.turns)
	if removed == 0 {
		return 0, nil
	}
	return removed, s.persist(ctx, id, l)
}

// Clear drops every non-system turn. The system turn is dropped too unless
// keepSystemPrompt is set.
func (s *TurnStore) Clear(ctx context.Context, id string, keepSystemPrompt bool) error {
	l := s.log(id)
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := s.ensureLoaded(ctx, id, l); err != nil {
		return err
	}

	var kept []types.Turn
	if keepSystemPrompt && len(l.turns) > 0 && l.turns[0].IsSystem() {
		kept = []types.Turn{l.turns[0]}
	}
	l.turns = kept
	l.lastActive = time.Now().UTC()

	return s.persist(ctx, id, l)
}

// Delete removes both the in-memory and the persisted state of id
func (s *TurnStore) Delete(ctx context.Context, id string) error {
	s.Forget(id)
	if s.backend == nil {
		return nil
	}
	if err := s.backend.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

// Forget drops the in-memory state of id; persisted data is untouched
func (s *TurnStore) Forget(id string) {
	s.mu.Lock()
	delete(s.logs, id)
	s.mu.Unlock()
}

// List returns persisted sessions merged with in-memory ones, newest first
func (s *TurnStore) List(ctx context.Context) ([]types.SessionInfo, error) {
	byID := make(map[string]types.SessionInfo)

	if s.backend != nil {
		infos, err := s.backend.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing sessions: %w", err)
		}
		for _, info := range infos {
			byID[info.ID] = info
		}
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		info, err := s.Info(ctx, id)
		if err != nil {
			return nil, err
		}
		byID[id] = info
	}

	out := make([]types.SessionInfo, 0, len(byID))
	for _, info := range byID {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActiveAt.Equal(out[j].LastActiveAt) {
			return out[i].LastActiveAt.After(out[j].LastActiveAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Close closes the backend
func (s *TurnStore) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

// persist writes l through to the backend. Caller holds l.mu.
func (s *TurnStore) persist(ctx context.Context, id string, l *sessionLog) error {
	if s.backend == nil || l.detached {
		return nil
	}
	rec := &Record{
		ID:           id,
		CreatedAt:    l.createdAt,
		LastActiveAt: l.lastActive,
		Turns:        l.turns,
	}
	if err := s.backend.Save(ctx, rec); err != nil {
		return fmt.Errorf("saving session %s: %w", id, err)
	}
	return nil
}

// trimTurns keeps a leading system turn and the newest maxHistory turns
// after it.
func trimTurns(turns []types.Turn, maxHistory int) []types.Turn {
	if maxHistory < 0 {
		maxHistory = 0
	}

	var system []types.Turn
	rest := turns
	if len(turns) > 0 && turns[0].IsSystem() {
		system = turns[:1]
		rest = turns[1:]
	}
	if len(rest) <= maxHistory {
		return turns
	}

	out := make([]types.Turn, 0, len(system)+maxHistory)
	out = append(out, system...)
	out = append(out, rest[len(rest)-maxHistory:]...)
	return out
}
