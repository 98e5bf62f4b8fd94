package conversation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
)

func newTestRegistry(t *testing.T) (*Registry, *int32) {
	t.Helper()
	store := NewTurnStore(nil, StoreOptions{MaxHistory: 10})
	exec, _ := newTestExecutor(t, 3)

	var created int32
	r := NewRegistry(func(ctx context.Context, id string) (*Session, error) {
		atomic.AddInt32(&created, 1)
		return NewSession(id, store, &scriptedModel{}, exec, SessionOptions{MaxHistory: 10}), nil
	})
	return r, &created
}

func TestRegistry_GetOrCreateOnce(t *testing.T) {
	r, created := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	sessions := make([]*Session, 16)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.GetOrCreate(ctx, "shared")
			if err != nil {
				t.Errorf("GetOrCreate failed: %v", err)
				return
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	if *created != 1 {
		t.Errorf("factory called %d times, want 1", *created)
	}
	for i, s := range sessions {
		if s != sessions[0] {
			t.Errorf("session %d differs from the first", i)
		}
	}
}

func TestRegistry_LookupAndEvict(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Lookup("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Lookup error = %v, want ErrSessionNotFound", err)
	}

	s, err := r.GetOrCreate(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := r.Lookup("a"); got != s {
		t.Error("Lookup returned a different session")
	}

	if !r.Evict("a") {
		t.Error("Evict should report a live session")
	}
	if r.Evict("a") {
		t.Error("second Evict should report nothing to evict")
	}
	if _, err := s.Process(ctx, "hi"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("evicted session should be closed, got %v", err)
	}

	fresh, err := r.GetOrCreate(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if fresh == s {
		t.Error("expected a new session after eviction")
	}
}

func TestRegistry_ListActiveAndClose(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		if _, err := r.GetOrCreate(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	got := r.ListActive()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("ListActive() = %v", got)
	}

	r.Close()
	if n := len(r.ListActive()); n != 0 {
		t.Errorf("ListActive after Close = %d sessions", n)
	}
}

func TestRegistry_RejectsEmptyID(t *testing.T) {
	r, _ := newTestRegistry(t)
	if _, err := r.GetOrCreate(context.Background(), ""); err == nil {
		t.Error("expected error for empty id")
	}
}

func TestNewSessionID(t *testing.T) {
	a, b := NewSessionID(), NewSessionID()
	if a == b {
		t.Error("expected distinct ids")
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("NewSessionID() = %q is not a uuid: %v", a, err)
	}
}
