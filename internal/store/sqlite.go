package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite is a collection/document store on top of a single sqlite table.
// Document bodies are JSON objects; filters and patches use the JSON1
// functions so every update is a single-statement read-modify-write.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

func Open(dbPath string) (*SQLite, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// pragmas below are per-connection
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			collection TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Insert stores doc (any JSON-object-encodable value) and returns its new id.
func (s *SQLite) Insert(ctx context.Context, collection string, doc any) (string, error) {
	collection = strings.TrimSpace(collection)
	if collection == "" {
		return "", fmt.Errorf("insert: collection is required")
	}
	body, err := encodeObject(doc)
	if err != nil {
		return "", fmt.Errorf("insert %s: %w", collection, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, collection, body) VALUES (?, ?, ?)
	`, id, collection, string(body))
	if err != nil {
		return "", fmt.Errorf("insert %s: %w", collection, err)
	}
	return id, nil
}

// Query returns the documents of collection matching every filter, oldest first.
func (s *SQLite) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	where, args, err := buildWhere(collection, filters)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, collection, body, created_at, updated_at
		FROM documents
		WHERE `+where+`
		ORDER BY seq ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	result := make([]Document, 0)
	for rows.Next() {
		var d Document
		var body string
		if err := rows.Scan(&d.ID, &d.Collection, &body, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		d.Body = json.RawMessage(body)
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collection, err)
	}
	return result, nil
}

// Latest returns the most recently inserted matching document.
func (s *SQLite) Latest(ctx context.Context, collection string, filters ...Filter) (Document, error) {
	where, args, err := buildWhere(collection, filters)
	if err != nil {
		return Document{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, collection, body, created_at, updated_at
		FROM documents
		WHERE `+where+`
		ORDER BY seq DESC
		LIMIT 1
	`, args...)

	var d Document
	var body string
	if err := row.Scan(&d.ID, &d.Collection, &body, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("latest %s: %w", collection, err)
	}
	d.Body = json.RawMessage(body)
	return d, nil
}

func (s *SQLite) Count(ctx context.Context, collection string, filters ...Filter) (int, error) {
	where, args, err := buildWhere(collection, filters)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

// Update merges patch into the stored body (RFC 7396 merge patch).
func (s *SQLite) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	n, err := s.patch(ctx, collection, id, patch, nil)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update %s/%s: %w", collection, id, ErrNotFound)
	}
	return nil
}

// UpdateIf applies patch only while the document still matches filters.
// It reports false when the document is missing or no longer matches.
func (s *SQLite) UpdateIf(ctx context.Context, collection, id string, patch map[string]any, filters ...Filter) (bool, error) {
	n, err := s.patch(ctx, collection, id, patch, filters)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLite) patch(ctx context.Context, collection, id string, patch map[string]any, filters []Filter) (int64, error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return 0, fmt.Errorf("encode patch: %w", err)
	}
	where, args, err := buildWhere(collection, filters)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET body = json_patch(body, ?), updated_at = datetime('now')
		WHERE id = ? AND `+where,
		append([]any{string(body), id}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	return n, nil
}

func buildWhere(collection string, filters []Filter) (string, []any, error) {
	clauses := []string{"collection = ?"}
	args := []any{collection}
	for _, f := range filters {
		if err := f.validate(); err != nil {
			return "", nil, err
		}
		clauses = append(clauses, "json_extract(body, ?) "+string(f.Op)+" ?")
		args = append(args, "$."+f.Field, f.Value)
	}
	return strings.Join(clauses, " AND "), args, nil
}

func encodeObject(doc any) ([]byte, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("document must encode to a JSON object")
	}
	return body, nil
}
