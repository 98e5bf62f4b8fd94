// Package knowledge provides retrieval over local documents using SQLite FTS5
package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cloud-shuttle/parley/internal/db"
	"github.com/cloud-shuttle/parley/pkg/telemetry"
	"github.com/cloud-shuttle/parley/pkg/types"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// Options configures a Base
type Options struct {
	ChunkSize    int
	ChunkOverlap int
	Logger       *slog.Logger
}

// Base is a full-text index of document chunks
type Base struct {
	db           *sql.DB
	chunkSize    int
	chunkOverlap int
	logger       *slog.Logger
}

// IndexStats reports what IndexDir did
type IndexStats struct {
	Files  int `json:"files"`
	Chunks int `json:"chunks"`
}

// New creates a knowledge base over the shared database
func New(store *db.Store, opts Options) (*Base, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		return nil, fmt.Errorf("chunk overlap %d must be in [0, %d)", opts.ChunkOverlap, opts.ChunkSize)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Base{
		db:           store.DB,
		chunkSize:    opts.ChunkSize,
		chunkOverlap: opts.ChunkOverlap,
		logger:       logger.With("component", "knowledge"),
	}, nil
}

// InitSchema creates the chunk table, its FTS5 index and sync triggers
func (b *Base) InitSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS knowledge_chunks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			chunk INTEGER NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_source ON knowledge_chunks(source)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS knowledge_fts USING fts5(
			content,
			content='knowledge_chunks',
			content_rowid='id'
		)`,
		`CREATE TRIGGER IF NOT EXISTS knowledge_ai AFTER INSERT ON knowledge_chunks BEGIN
			INSERT INTO knowledge_fts(rowid, content) VALUES (NEW.id, NEW.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS knowledge_ad AFTER DELETE ON knowledge_chunks BEGIN
			INSERT INTO knowledge_fts(knowledge_fts, rowid, content) VALUES ('delete', OLD.id, OLD.content);
		END`,
	}

	for _, stmt := range statements {
		if _, err := b.db.Exec(stmt); err != nil {
			return fmt.Errorf("creating knowledge schema: %w", err)
		}
	}
	return nil
}

// AddDocument splits text into chunks and replaces any chunks previously
// indexed under source. It returns the number of chunks written.
func (b *Base) AddDocument(ctx context.Context, source, text string) (int, error) {
	chunks := Chunk(text, b.chunkSize, b.chunkOverlap)

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_chunks WHERE source = ?`, source); err != nil {
		return 0, fmt.Errorf("removing old chunks: %w", err)
	}

	now := time.Now().Unix()
	for i, c := range chunks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO knowledge_chunks (source, chunk, content, created_at) VALUES (?, ?, ?, ?)
		`, source, i, c, now); err != nil {
			return 0, fmt.Errorf("inserting chunk %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing document: %w", err)
	}
	return len(chunks), nil
}

// IndexDir indexes every .txt and .md file under dir. Markdown is
// flattened to plain text first.
func (b *Base) IndexDir(ctx context.Context, dir string) (IndexStats, error) {
	ctx, span := telemetry.StartKnowledgeSpan(ctx, telemetry.SpanKnowledgeIndex,
		attribute.String(telemetry.KeyKnowledgeSource, dir))
	defer span.End()

	var stats IndexStats
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".txt" && ext != ".md" && ext != ".markdown" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}

		text := string(data)
		if ext != ".txt" {
			text = PlainText(data)
		}

		source, err := filepath.Rel(dir, path)
		if err != nil {
			source = path
		}
		source = filepath.ToSlash(source)

		n, err := b.AddDocument(ctx, source, text)
		if err != nil {
			return fmt.Errorf("indexing %s: %w", source, err)
		}
		b.logger.Debug("indexed document", "source", source, "chunks", n)

		stats.Files++
		stats.Chunks += n
		return nil
	})
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryKnowledge)
		return stats, err
	}

	span.SetAttributes(attribute.Int(telemetry.KeyKnowledgeChunks, stats.Chunks))
	b.logger.Info("knowledge base indexed", "dir", dir, "files", stats.Files, "chunks", stats.Chunks)
	return stats, nil
}

// Search returns up to k passages ranked by BM25, best first. A query with
// no searchable terms returns no passages.
func (b *Base) Search(ctx context.Context, query string, k int) ([]types.Passage, error) {
	ctx, span := telemetry.StartKnowledgeSpan(ctx, telemetry.SpanKnowledgeSearch,
		attribute.Int(telemetry.KeyKnowledgeTopK, k))
	defer span.End()

	match := buildQuery(query)
	if match == "" || k <= 0 {
		return nil, nil
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT c.content, c.source, bm25(knowledge_fts) AS rank
		FROM knowledge_fts
		INNER JOIN knowledge_chunks c ON c.id = knowledge_fts.rowid
		WHERE knowledge_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, match, k)
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryKnowledge)
		return nil, fmt.Errorf("searching knowledge base: %w", err)
	}
	defer rows.Close()

	var passages []types.Passage
	for rows.Next() {
		var (
			p    types.Passage
			rank float64
		)
		if err := rows.Scan(&p.Text, &p.Source, &rank); err != nil {
			return nil, fmt.Errorf("scanning passage: %w", err)
		}
		// bm25() is lower-is-better
		p.Score = -rank
		passages = append(passages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating passages: %w", err)
	}

	span.SetAttributes(attribute.Int(telemetry.KeyKnowledgeMatches, len(passages)))
	return passages, nil
}

// Count returns the number of indexed chunks
func (b *Base) Count(ctx context.Context) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge_chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting chunks: %w", err)
	}
	return n, nil
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "by": true, "from": true, "as": true, "is": true, "are": true,
	"i": true, "my": true, "me": true, "do": true, "does": true, "can": true,
	"how": true, "what": true, "when": true, "where": true, "which": true,
	"who": true, "why": true, "it": true, "be": true, "you": true, "your": true,
	"not": true, "near": true,
}

// buildQuery turns free text into an FTS5 OR query of quoted terms. Terms
// longer than three characters match as prefixes.
func buildQuery(query string) string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool)
	var terms []string
	for _, w := range words {
		if stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true

		term := `"` + w + `"`
		if len([]rune(w)) > 3 {
			term += "*"
		}
		terms = append(terms, term)
	}
	return strings.Join(terms, " OR ")
}

// Chunk splits text into windows of size runes that overlap by overlap
// runes. Whitespace runs are collapsed first.
func Chunk(text string, size, overlap int) []string {
	runes := []rune(strings.Join(strings.Fields(text), " "))
	if len(runes) == 0 {
		return nil
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}

	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
