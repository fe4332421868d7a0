package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (CGO-free)
)

// SQLiteStore persists signups and the song catalog in a local SQLite file so
// the board survives restarts. dbPath is created if it does not exist.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed creates) the database at dbPath, applies
// pragmas and ensures the schema. A fresh database is seeded with the default
// song catalog.
func OpenSQLite(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := ensureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.seedSongs(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("set busy_timeout: %w", err)
	}
	return nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	create := `
	CREATE TABLE IF NOT EXISTS signups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at DATETIME NOT NULL,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		instagram TEXT NOT NULL DEFAULT '',
		song TEXT NOT NULL,
		suggestion TEXT NOT NULL DEFAULT '',
		done INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_signups_created_at ON signups(created_at);
	CREATE TABLE IF NOT EXISTS songs (
		position INTEGER PRIMARY KEY,
		title TEXT NOT NULL
	);
	`
	if _, err := db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) seedSongs(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM songs").Scan(&count); err != nil {
		return fmt.Errorf("count songs: %w", err)
	}
	if count > 0 {
		return nil
	}
	return s.ReplaceSongs(ctx, DefaultSongs())
}

// AddSignup validates and inserts a signup, returning it with its assigned ID.
func (s *SQLiteStore) AddSignup(ctx context.Context, signup Signup) (Signup, error) {
	normalized, err := normalizeSignup(signup)
	if err != nil {
		return Signup{}, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO signups (created_at, name, phone, instagram, song, suggestion, done)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		normalized.CreatedAt.UTC().Format(time.RFC3339Nano),
		normalized.Name, normalized.Phone, normalized.Instagram,
		normalized.Song, normalized.Suggestion,
	)
	if err != nil {
		return Signup{}, fmt.Errorf("insert signup: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Signup{}, fmt.Errorf("signup id: %w", err)
	}
	normalized.ID = id
	return normalized, nil
}

// ListSignups returns the queue in arrival order.
func (s *SQLiteStore) ListSignups(ctx context.Context) ([]Signup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, name, phone, instagram, song, suggestion, done
		FROM signups ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list signups: %w", err)
	}
	defer rows.Close()

	var out []Signup
	for rows.Next() {
		var signup Signup
		var createdAt string
		var done int
		if err := rows.Scan(&signup.ID, &createdAt, &signup.Name, &signup.Phone,
			&signup.Instagram, &signup.Song, &signup.Suggestion, &done); err != nil {
			return nil, fmt.Errorf("scan signup: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse signup timestamp: %w", err)
		}
		signup.CreatedAt = ts
		signup.Done = done != 0
		out = append(out, signup)
	}
	return out, rows.Err()
}

// MarkDone flags the signup with the given ID as performed.
func (s *SQLiteStore) MarkDone(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "UPDATE signups SET done = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	return requireRow(res)
}

// RemoveSignup deletes the signup with the given ID.
func (s *SQLiteStore) RemoveSignup(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM signups WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("remove signup: %w", err)
	}
	return requireRow(res)
}

// ListSongs returns the song catalog in stored order.
func (s *SQLiteStore) ListSongs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT title FROM songs ORDER BY position")
	if err != nil {
		return nil, fmt.Errorf("list songs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, fmt.Errorf("scan song: %w", err)
		}
		out = append(out, title)
	}
	return out, rows.Err()
}

// ReplaceSongs validates, normalises, and atomically replaces the catalog.
func (s *SQLiteStore) ReplaceSongs(ctx context.Context, titles []string) error {
	normalized, err := normalizeSongs(titles)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace songs: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM songs"); err != nil {
		return fmt.Errorf("clear songs: %w", err)
	}
	for i, title := range normalized {
		if _, err := tx.ExecContext(ctx, "INSERT INTO songs (position, title) VALUES (?, ?)", i, title); err != nil {
			return fmt.Errorf("insert song: %w", err)
		}
	}
	return tx.Commit()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrSignupNotFound
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
var _ Store = (*MemoryStore)(nil)
