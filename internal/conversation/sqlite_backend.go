package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cloud-shuttle/parley/internal/db"
	"github.com/cloud-shuttle/parley/pkg/types"
)

// SQLiteBackend stores sessions in the shared SQLite database
type SQLiteBackend struct {
	db         *sql.DB
	compressor Compressor
}

// NewSQLiteBackend creates a backend over store. The session schema must
// already exist (see db.Store.InitSchema).
func NewSQLiteBackend(store *db.Store) *SQLiteBackend {
	return &SQLiteBackend{
		db:         store.DB,
		compressor: &NoopCompressor{},
	}
}

// SetCompressor sets the compressor for turn content
func (b *SQLiteBackend) SetCompressor(c Compressor) {
	b.compressor = c
}

// Load reads the session row and its turns in order
func (b *SQLiteBackend) Load(ctx context.Context, id string) (*Record, error) {
	rec := &Record{ID: id}

	var created, active int64
	err := b.db.QueryRowContext(ctx, `
		SELECT created_at, last_active_at FROM sessions WHERE id = ?
	`, id).Scan(&created, &active)
	if err == sql.ErrNoRows {
		return rec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.LastActiveAt = time.Unix(0, active).UTC()

	rows, err := b.db.QueryContext(ctx, `
		SELECT seq, role, content, compressed, created_at
		FROM session_turns WHERE session_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq        int
			role       string
			content    []byte
			compressed bool
			ts         int64
		)
		if err := rows.Scan(&seq, &role, &content, &compressed, &ts); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}

		if compressed {
			content, err = b.compressor.Decompress(content)
			if err != nil {
				return nil, fmt.Errorf("%w: turn %d: %v", ErrStorageCorrupt, seq, err)
			}
		}

		turn := types.Turn{
			Role:      types.Role(role),
			Content:   string(content),
			Timestamp: time.Unix(0, ts).UTC(),
		}
		if !turn.Role.IsValid() {
			return nil, fmt.Errorf("%w: turn %d has role %q", ErrStorageCorrupt, seq, role)
		}
		rec.Turns = append(rec.Turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turns: %w", err)
	}

	return rec, nil
}

// Save replaces the session's turns inside one transaction
func (b *SQLiteBackend) Save(ctx context.Context, rec *Record) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, last_active_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_active_at = excluded.last_active_at
	`, rec.ID, rec.CreatedAt.UnixNano(), rec.LastActiveAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_turns WHERE session_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("clearing turns: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO session_turns (session_id, seq, role, content, compressed, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for i, turn := range rec.Turns {
		content := []byte(turn.Content)
		compressed := false

		// Compress content if enabled and large enough
		if b.compressor.Type() != CompressionNone && len(content) > compressThreshold {
			if data, err := b.compressor.Compress(content); err == nil {
				content = data
				compressed = true
			}
		}

		if _, err := stmt.ExecContext(ctx, rec.ID, i, string(turn.Role), content, compressed, turn.Timestamp.UnixNano()); err != nil {
			return fmt.Errorf("inserting turn %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing session: %w", err)
	}
	return nil
}

// Delete removes the session and, by cascade, its turns
func (b *SQLiteBackend) Delete(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM session_turns WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("deleting turns: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// List summarizes every stored session
func (b *SQLiteBackend) List(ctx context.Context) ([]types.SessionInfo, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT s.id, s.created_at, s.last_active_at,
		       (SELECT COUNT(*) FROM session_turns t WHERE t.session_id = s.id AND t.role != 'system')
		FROM sessions s
		ORDER BY s.last_active_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var infos []types.SessionInfo
	for rows.Next() {
		var (
			info            types.SessionInfo
			created, active int64
		)
		if err := rows.Scan(&info.ID, &created, &active, &info.TurnCount); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		info.CreatedAt = time.Unix(0, created).UTC()
		info.LastActiveAt = time.Unix(0, active).UTC()
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Close closes the compressor when it holds resources. The database handle
// belongs to the caller.
func (b *SQLiteBackend) Close() error {
	if c, ok := b.compressor.(interface{ Close() }); ok {
		c.Close()
	}
	return nil
}
