package conversation

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/cloud-shuttle/parley/pkg/types"
)

// JSONBackend stores each session as <dir>/<session_id>.json
type JSONBackend struct {
	dir string
}

// NewJSONBackend creates the history directory if needed
func NewJSONBackend(dir string) (*JSONBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}
	return &JSONBackend{dir: dir}, nil
}

// Dir returns the history directory
func (b *JSONBackend) Dir() string {
	return b.dir
}

func (b *JSONBackend) path(id string) string {
	return filepath.Join(b.dir, SafeFileName(id)+".json")
}

// Load reads the session file. A bare JSON array of turns is accepted as
// well as the full record.
func (b *JSONBackend) Load(ctx context.Context, id string) (*Record, error) {
	data, err := os.ReadFile(b.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return &Record{ID: id}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading history file: %w", err)
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStorageCorrupt, b.path(id), err)
	}
	if rec.ID != "" && rec.ID != id {
		return nil, fmt.Errorf("%w: %s holds %q, want %q", ErrSessionMismatch, b.path(id), rec.ID, id)
	}
	rec.ID = id
	return rec, nil
}

func decodeRecord(data []byte) (*Record, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var turns []types.Turn
		if err := json.Unmarshal(data, &turns); err != nil {
			return nil, err
		}
		return &Record{Turns: turns}, validateTurns(turns)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, validateTurns(rec.Turns)
}

func validateTurns(turns []types.Turn) error {
	for i, t := range turns {
		if !t.Role.IsValid() {
			return fmt.Errorf("turn %d: %w: %q", i, ErrInvalidRole, t.Role)
		}
	}
	return nil
}

// Save writes the record atomically through a temp file and rename
func (b *JSONBackend) Save(ctx context.Context, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}

	tmp, err := os.CreateTemp(b.dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing history: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing history: %w", err)
	}

	if err := os.Rename(tmpName, b.path(rec.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming history file: %w", err)
	}
	return nil
}

// Delete removes the session file. A missing file is not an error.
func (b *JSONBackend) Delete(ctx context.Context, id string) error {
	if err := os.Remove(b.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing history file: %w", err)
	}
	return nil
}

// List summarizes every readable session file. Corrupt files are skipped.
func (b *JSONBackend) List(ctx context.Context) ([]types.SessionInfo, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("reading history directory: %w", err)
	}

	var infos []types.SessionInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(b.dir, name))
		if err != nil {
			continue
		}
		rec, err := decodeRecord(data)
		if err != nil {
			continue
		}

		id := rec.ID
		if id == "" {
			id = strings.TrimSuffix(name, ".json")
		}
		infos = append(infos, types.SessionInfo{
			ID:           id,
			TurnCount:    types.CountNonSystem(rec.Turns),
			CreatedAt:    rec.CreatedAt,
			LastActiveAt: rec.LastActiveAt,
		})
	}
	return infos, nil
}

// Close is a no-op
func (b *JSONBackend) Close() error {
	return nil
}

// SafeFileName maps a session id onto a distinct file name. Ids made only of
// letters, digits, dashes, underscores and non-leading dots are used as is.
// Any other id is sanitised and suffixed with '~' and a hash of the raw id,
// so it can never equal a plain id or another sanitised one.
func SafeFileName(id string) string {
	var sb strings.Builder
	plain := id != "" && !strings.HasPrefix(id, ".")
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
			plain = false
		}
	}
	if plain {
		return id
	}

	sum := blake3.Sum256([]byte(id))
	return strings.TrimLeft(sb.String(), ".") + "~" + hex.EncodeToString(sum[:8])
}
