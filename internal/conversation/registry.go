package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// SessionFactory builds a new session for id
type SessionFactory func(ctx context.Context, id string) (*Session, error)

// Registry maps session ids to live sessions. Sessions are created lazily
// and live until evicted or the registry is closed.
type Registry struct {
	factory SessionFactory

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a registry that builds sessions with factory
func NewRegistry(factory SessionFactory) *Registry {
	return &Registry{
		factory:  factory,
		sessions: make(map[string]*Session),
	}
}

// NewSessionID returns a fresh random session id
func NewSessionID() string {
	return uuid.NewString()
}

// GetOrCreate returns the live session for id, creating it on first use
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s, nil
	}

	s, err := r.factory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("creating session %s: %w", id, err)
	}
	r.sessions[id] = s
	return s, nil
}

// Lookup returns the live session for id without creating one
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Evict releases the in-memory state of id. Persisted history is untouched.
// It reports whether the session was live.
func (r *Registry) Evict(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		s.Cleanup()
	}
	return ok
}

// ListActive returns the ids of live sessions in sorted order
func (r *Registry) ListActive() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close evicts every live session
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Cleanup()
	}
}
