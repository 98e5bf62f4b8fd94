package conversation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloud-shuttle/parley/internal/db"
	"github.com/cloud-shuttle/parley/pkg/types"
)

func newJSONStore(t *testing.T, opts StoreOptions) (*TurnStore, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "history")
	backend, err := NewJSONBackend(dir)
	if err != nil {
		t.Fatalf("NewJSONBackend failed: %v", err)
	}
	return NewTurnStore(backend, opts), dir
}

func newSQLiteBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "parley.db"))
	if err != nil {
		t.Fatalf("db.Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}

	backend := NewSQLiteBackend(store)
	zc, err := NewZstdCompressor()
	if err != nil {
		t.Fatalf("NewZstdCompressor failed: %v", err)
	}
	backend.SetCompressor(zc)
	t.Cleanup(func() { backend.Close() })
	return backend
}

func appendAll(t *testing.T, s *TurnStore, id string, turns ...types.Turn) {
	t.Helper()
	for _, turn := range turns {
		if err := s.Append(context.Background(), id, turn); err != nil {
			t.Fatalf("Append(%q) failed: %v", turn.Content, err)
		}
	}
}

func contents(turns []types.Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Content
	}
	return out
}

func TestTurnStore_RoundTrip(t *testing.T) {
	backends := map[string]func(t *testing.T) Backend{
		"json": func(t *testing.T) Backend {
			b, err := NewJSONBackend(t.TempDir())
			if err != nil {
				t.Fatal(err)
			}
			return b
		},
		"sqlite": func(t *testing.T) Backend { return newSQLiteBackend(t) },
	}

	base := time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC)
	want := []types.Turn{
		{Role: types.RoleSystem, Content: "You are helpful.", Timestamp: base},
		{Role: types.RoleUser, Content: "hi", Timestamp: base.Add(time.Second)},
		{Role: types.RoleAssistant, Content: strings.Repeat("long answer ", 200), Timestamp: base.Add(2 * time.Second)},
		{Role: types.RoleUser, Content: "unicode ✓ ünïcode", Timestamp: base.Add(3 * time.Second)},
	}

	for name, newBackend := range backends {
		t.Run(name, func(t *testing.T) {
			backend := newBackend(t)
			s := NewTurnStore(backend, StoreOptions{MaxHistory: 10})
			appendAll(t, s, "s1", want...)

			// A fresh store sees only what reached the backend
			reloaded := NewTurnStore(backend, StoreOptions{MaxHistory: 10})
			got, err := reloaded.Turns(context.Background(), "s1")
			if err != nil {
				t.Fatalf("Turns failed: %v", err)
			}

			if len(got) != len(want) {
				t.Fatalf("got %d turns, want %d", len(got), len(want))
			}
			for i := range want {
				if got[i].Role != want[i].Role || got[i].Content != want[i].Content || !got[i].Timestamp.Equal(want[i].Timestamp) {
					t.Errorf("turn %d = %+v, want %+v", i, got[i], want[i])
				}
			}

			loaded, err := reloaded.Load(context.Background(), "s1")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if len(loaded) != len(want) {
				t.Errorf("Load returned %d turns, want %d", len(loaded), len(want))
			}
		})
	}
}

func TestTurnStore_LoadUnknownSessionIsEmpty(t *testing.T) {
	s, _ := newJSONStore(t, StoreOptions{MaxHistory: 10})

	turns, err := s.Load(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("expected empty history, got %d turns", len(turns))
	}
}

func TestTurnStore_AppendTrimsEagerly(t *testing.T) {
	s, _ := newJSONStore(t, StoreOptions{MaxHistory: 2, TrimOnAppend: true})

	appendAll(t, s, "s1",
		types.NewTurn(types.RoleSystem, "sys"),
		types.NewTurn(types.RoleUser, "hi"),
		types.NewTurn(types.RoleAssistant, "hello"),
		types.NewTurn(types.RoleUser, "bye"),
		types.NewTurn(types.RoleAssistant, "goodbye"),
	)

	turns, err := s.Turns(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}

	got := strings.Join(contents(turns), ",")
	if got != "sys,bye,goodbye" {
		t.Errorf("turns = %s, want sys,bye,goodbye", got)
	}
	if n := types.CountNonSystem(turns); n > 2 {
		t.Errorf("non-system turns = %d, want <= 2", n)
	}
}

func TestTurnStore_Trim(t *testing.T) {
	tests := []struct {
		name        string
		withSystem  bool
		appended    int
		maxHistory  int
		wantRemoved int
	}{
		{"under cap", true, 3, 5, 0},
		{"over cap keeps system", true, 7, 3, 4},
		{"no system turn", false, 4, 1, 3},
		{"zero keeps system only", true, 4, 0, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newJSONStore(t, StoreOptions{MaxHistory: tt.maxHistory})
			ctx := context.Background()

			if tt.withSystem {
				appendAll(t, s, "s", types.NewTurn(types.RoleSystem, "sys"))
			}
			for i := 0; i < tt.appended; i++ {
				appendAll(t, s, "s", types.NewTurn(types.RoleUser, fmt.Sprintf("m%d", i)))
			}

			removed, err := s.Trim(ctx, "s", tt.maxHistory)
			if err != nil {
				t.Fatalf("Trim failed: %v", err)
			}
			if removed != tt.wantRemoved {
				t.Errorf("removed = %d, want %d", removed, tt.wantRemoved)
			}

			turns, _ := s.Turns(ctx, "s")
			if tt.withSystem && (len(turns) == 0 || !turns[0].IsSystem()) {
				t.Error("system turn was not retained")
			}
			if n := types.CountNonSystem(turns); n > tt.maxHistory {
				t.Errorf("non-system turns = %d, want <= %d", n, tt.maxHistory)
			}
			if n := types.CountNonSystem(turns); n > 0 {
				last := turns[len(turns)-1].Content
				if want := fmt.Sprintf("m%d", tt.appended-1); last != want {
					t.Errorf("newest turn = %q, want %q", last, want)
				}
			}
		})
	}
}

func TestTurnStore_Clear(t *testing.T) {
	for _, keep := range []bool{true, false} {
		t.Run(fmt.Sprintf("keep_system=%v", keep), func(t *testing.T) {
			s, _ := newJSONStore(t, StoreOptions{MaxHistory: 10})
			ctx := context.Background()
			appendAll(t, s, "s",
				types.NewTurn(types.RoleSystem, "sys"),
				types.NewTurn(types.RoleUser, "a"),
				types.NewTurn(types.RoleAssistant, "b"),
			)

			if err := s.Clear(ctx, "s", keep); err != nil {
				t.Fatalf("Clear failed: %v", err)
			}

			turns, _ := s.Load(ctx, "s")
			wantLen := 0
			if keep {
				wantLen = 1
			}
			if len(turns) != wantLen {
				t.Fatalf("persisted %d turns, want %d", len(turns), wantLen)
			}
			if keep && turns[0].Content != "sys" {
				t.Errorf("kept turn = %q, want sys", turns[0].Content)
			}
		})
	}
}

func TestTurnStore_TimestampsNeverDecrease(t *testing.T) {
	s := NewTurnStore(nil, StoreOptions{MaxHistory: 10})
	now := time.Now()

	appendAll(t, s, "s",
		types.Turn{Role: types.RoleUser, Content: "a", Timestamp: now},
		types.Turn{Role: types.RoleAssistant, Content: "b", Timestamp: now.Add(-time.Hour)},
		types.Turn{Role: types.RoleUser, Content: "c"},
	)

	turns, _ := s.Turns(context.Background(), "s")
	for i := 1; i < len(turns); i++ {
		if turns[i].Timestamp.Before(turns[i-1].Timestamp) {
			t.Errorf("turn %d timestamp %v is before turn %d (%v)", i, turns[i].Timestamp, i-1, turns[i-1].Timestamp)
		}
		if turns[i].Timestamp.Location() != time.UTC {
			t.Errorf("turn %d timestamp not in UTC", i)
		}
	}
}

func TestTurnStore_RejectsInvalidRole(t *testing.T) {
	s := NewTurnStore(nil, StoreOptions{MaxHistory: 10})

	err := s.Append(context.Background(), "s", types.Turn{Role: "narrator", Content: "x"})
	if !errors.Is(err, ErrInvalidRole) {
		t.Errorf("expected ErrInvalidRole, got %v", err)
	}
}

func TestTurnStore_CorruptHistoryRecovered(t *testing.T) {
	s, dir := newJSONStore(t, StoreOptions{MaxHistory: 10})
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Load(ctx, "broken"); !errors.Is(err, ErrStorageCorrupt) {
		t.Errorf("Load error = %v, want ErrStorageCorrupt", err)
	}

	turns, err := s.Turns(ctx, "broken")
	if err != nil {
		t.Fatalf("Turns should recover from corrupt data, got %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("expected empty history, got %d turns", len(turns))
	}

	// The next append overwrites the corrupt file
	appendAll(t, s, "broken", types.NewTurn(types.RoleUser, "fresh"))
	loaded, err := s.Load(ctx, "broken")
	if err != nil {
		t.Fatalf("Load after recovery failed: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Content != "fresh" {
		t.Errorf("unexpected history after recovery: %+v", loaded)
	}
}

func TestTurnStore_ConcurrentAppends(t *testing.T) {
	s, _ := newJSONStore(t, StoreOptions{MaxHistory: 1000})
	ctx := context.Background()

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i%2)
			if err := s.Append(ctx, id, types.NewTurn(types.RoleUser, fmt.Sprintf("m%d", i))); err != nil {
				t.Errorf("Append failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, id := range []string{"s0", "s1"} {
		turns, err := s.Load(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		total += len(turns)
	}
	if total != writers {
		t.Errorf("persisted %d turns, want %d", total, writers)
	}
}

func TestTurnStore_DeleteAndForget(t *testing.T) {
	s, _ := newJSONStore(t, StoreOptions{MaxHistory: 10})
	ctx := context.Background()
	appendAll(t, s, "s", types.NewTurn(types.RoleUser, "hello"))

	s.Forget("s")
	turns, _ := s.Turns(ctx, "s")
	if len(turns) != 1 {
		t.Fatalf("Forget should keep persisted history, got %d turns", len(turns))
	}

	if err := s.Delete(ctx, "s"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	turns, _ = s.Load(ctx, "s")
	if len(turns) != 0 {
		t.Errorf("Delete should remove persisted history, got %d turns", len(turns))
	}
}

func TestTurnStore_List(t *testing.T) {
	s, _ := newJSONStore(t, StoreOptions{MaxHistory: 10})
	ctx := context.Background()

	appendAll(t, s, "old", types.NewTurn(types.RoleSystem, "sys"), types.NewTurn(types.RoleUser, "a"))
	time.Sleep(time.Millisecond)
	appendAll(t, s, "new", types.NewTurn(types.RoleUser, "b"), types.NewTurn(types.RoleAssistant, "c"))

	infos, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d sessions, want 2", len(infos))
	}
	if infos[0].ID != "new" || infos[1].ID != "old" {
		t.Errorf("order = [%s %s], want [new old]", infos[0].ID, infos[1].ID)
	}
	if infos[0].TurnCount != 2 || infos[1].TurnCount != 1 {
		t.Errorf("turn counts = %d,%d, want 2,1", infos[0].TurnCount, infos[1].TurnCount)
	}
}

func TestJSONBackend_AcceptsBareTurnArray(t *testing.T) {
	dir := t.TempDir()
	b, err := NewJSONBackend(dir)
	if err != nil {
		t.Fatal(err)
	}

	data := `[{"role":"system","content":"sys","timestamp":"2025-01-01T00:00:00Z"},{"role":"user","content":"hi","timestamp":"2025-01-01T00:00:01Z"}]`
	if err := os.WriteFile(filepath.Join(dir, "legacy.json"), []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	rec, err := b.Load(context.Background(), "legacy")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(rec.Turns) != 2 || rec.Turns[1].Content != "hi" {
		t.Errorf("unexpected turns: %+v", rec.Turns)
	}
}

func TestJSONBackend_SaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	b, _ := NewJSONBackend(dir)

	rec := &Record{ID: "s", Turns: []types.Turn{types.NewTurn(types.RoleUser, "x")}}
	for i := 0; i < 3; i++ {
		if err := b.Save(context.Background(), rec); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != "s.json" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory contents = %v, want [s.json]", names)
	}
}

func TestSafeFileName(t *testing.T) {
	tests := []struct {
		in         string
		wantPrefix string
		hashed     bool
	}{
		{"s1", "s1", false},
		{"3f2c-4a_b", "3f2c-4a_b", false},
		{"v1.2", "v1.2", false},
		{"user@example.com", "user_example.com~", true},
		{"../../etc/passwd", "_.._etc_passwd~", true},
		{"..", "~", true},
		{"", "~", true},
	}

	for _, tt := range tests {
		got := SafeFileName(tt.in)
		if !strings.HasPrefix(got, tt.wantPrefix) {
			t.Errorf("SafeFileName(%q) = %q, want prefix %q", tt.in, got, tt.wantPrefix)
		}
		if !tt.hashed && got != tt.in {
			t.Errorf("SafeFileName(%q) = %q, want it unchanged", tt.in, got)
		}
		if strings.ContainsAny(got, "/\\") || strings.HasPrefix(got, ".") {
			t.Errorf("SafeFileName(%q) = %q is not a plain file name", tt.in, got)
		}
	}
}

func TestSafeFileName_Distinct(t *testing.T) {
	ids := []string{
		"alice bob", "alice_bob", "alice/bob", "alice\\bob",
		".", "..", "", "_", "~",
		"a.b", ".a.b", "é", "_~" + strings.Repeat("0", 16),
	}

	seen := make(map[string]string)
	for _, id := range ids {
		name := SafeFileName(id)
		if prev, ok := seen[name]; ok {
			t.Errorf("ids %q and %q both map to %q", prev, id, name)
		}
		seen[name] = id
	}
}

func TestTurnStore_SimilarIDsStayIsolated(t *testing.T) {
	store, dir := newJSONStore(t, StoreOptions{MaxHistory: 10})
	ctx := context.Background()

	appendAll(t, store, "alice bob", types.NewTurn(types.RoleUser, "secret of alice bob"))
	appendAll(t, store, "alice/bob", types.NewTurn(types.RoleUser, "secret of alice/bob"))

	backend, err := NewJSONBackend(dir)
	if err != nil {
		t.Fatal(err)
	}
	fresh := NewTurnStore(backend, StoreOptions{MaxHistory: 10})

	tests := []struct {
		id   string
		want []string
	}{
		{"alice bob", []string{"secret of alice bob"}},
		{"alice/bob", []string{"secret of alice/bob"}},
		{"alice_bob", []string{}},
	}
	for _, tt := range tests {
		turns, err := fresh.Turns(ctx, tt.id)
		if err != nil {
			t.Fatalf("Turns(%q) failed: %v", tt.id, err)
		}
		if got := contents(turns); strings.Join(got, "|") != strings.Join(tt.want, "|") {
			t.Errorf("Turns(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestJSONBackend_RejectsRecordOfAnotherSession(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewJSONBackend(dir)
	if err != nil {
		t.Fatal(err)
	}

	data := `{"session_id":"other","turns":[{"role":"user","content":"not yours","timestamp":"2024-01-01T00:00:00Z"}]}`
	if err := os.WriteFile(filepath.Join(dir, "mine.json"), []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := backend.Load(context.Background(), "mine"); !errors.Is(err, ErrSessionMismatch) {
		t.Fatalf("Load error = %v, want ErrSessionMismatch", err)
	}

	// The foreign file must survive writes to the session that found it
	store := NewTurnStore(backend, StoreOptions{MaxHistory: 10})
	appendAll(t, store, "mine", types.NewTurn(types.RoleUser, "hello"))

	got, err := os.ReadFile(filepath.Join(dir, "mine.json"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != data {
		t.Errorf("foreign record was overwritten: %s", got)
	}
}

func TestTurnStore_UnreadableHistoryKeepsWorking(t *testing.T) {
	store, dir := newJSONStore(t, StoreOptions{MaxHistory: 10})
	ctx := context.Background()

	if err := os.Mkdir(filepath.Join(dir, "s1.json"), 0755); err != nil {
		t.Fatal(err)
	}

	appendAll(t, store, "s1", types.NewTurn(types.RoleUser, "hello"))
	turns, err := store.Turns(ctx, "s1")
	if err != nil {
		t.Fatalf("Turns failed: %v", err)
	}
	if got := contents(turns); len(got) != 1 || got[0] != "hello" {
		t.Errorf("Turns = %v, want [hello]", got)
	}
}

func TestTurnStore_Exists(t *testing.T) {
	store, dir := newJSONStore(t, StoreOptions{MaxHistory: 10})
	ctx := context.Background()

	appendAll(t, store, "live", types.NewTurn(types.RoleUser, "hi"))
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	backend, err := NewJSONBackend(dir)
	if err != nil {
		t.Fatal(err)
	}
	fresh := NewTurnStore(backend, StoreOptions{MaxHistory: 10})

	tests := []struct {
		store *TurnStore
		id    string
		want  bool
	}{
		{store, "live", true},
		{fresh, "live", true},
		{fresh, "broken", true},
		{fresh, "missing", false},
		{NewTurnStore(nil, StoreOptions{}), "missing", false},
	}
	for _, tt := range tests {
		got, err := tt.store.Exists(ctx, tt.id)
		if err != nil {
			t.Fatalf("Exists(%q) failed: %v", tt.id, err)
		}
		if got != tt.want {
			t.Errorf("Exists(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestSQLiteBackend_CompressesLargeContent(t *testing.T) {
	backend := newSQLiteBackend(t)
	ctx := context.Background()

	big := strings.Repeat("a", 4096)
	rec := &Record{
		ID:           "big",
		CreatedAt:    time.Now().UTC(),
		LastActiveAt: time.Now().UTC(),
		Turns:        []types.Turn{types.NewTurn(types.RoleAssistant, big)},
	}
	if err := backend.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	var stored []byte
	var compressed bool
	err := backend.db.QueryRowContext(ctx, `SELECT content, compressed FROM session_turns WHERE session_id = ?`, "big").Scan(&stored, &compressed)
	if err != nil {
		t.Fatal(err)
	}
	if !compressed || len(stored) >= len(big) {
		t.Errorf("expected compressed content, got compressed=%v len=%d", compressed, len(stored))
	}

	got, err := backend.Load(ctx, "big")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got.Turns) != 1 || got.Turns[0].Content != big {
		t.Error("content did not survive compression round-trip")
	}

	if err := backend.Delete(ctx, "big"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	infos, _ := backend.List(ctx)
	if len(infos) != 0 {
		t.Errorf("expected no sessions after delete, got %d", len(infos))
	}
}
