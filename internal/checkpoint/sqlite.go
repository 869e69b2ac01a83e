package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteEngine stores one row per thread in a SQLite database.
type SQLiteEngine struct {
	db    *sql.DB
	owned bool
}

// OpenSQLite opens (creating if needed) the database at path with the
// mattn/go-sqlite3 driver.
func OpenSQLite(path string) (*SQLiteEngine, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	e, err := NewSQLiteEngine(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	e.owned = true
	return e, nil
}

// NewSQLiteEngine uses an already open database. The caller keeps
// ownership of db; Close does not close it.
func NewSQLiteEngine(db *sql.DB) (*SQLiteEngine, error) {
	e := &SQLiteEngine{db: db}
	if err := e.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return e, nil
}

func (e *SQLiteEngine) migrate() error {
	_, err := e.db.Exec(`
		CREATE TABLE IF NOT EXISTS threads (
			thread_id TEXT PRIMARY KEY,
			state_gz BLOB NOT NULL,
			excerpt TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL,
			byte_size INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_threads_updated
			ON threads(updated_at DESC);
	`)
	return err
}

// Get implements [Engine].
func (e *SQLiteEngine) Get(ctx context.Context, threadID string) (*Record, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT thread_id, state_gz, excerpt, message_count, byte_size, created_at, updated_at
		FROM threads WHERE thread_id = ?
	`, threadID)

	var (
		rec              Record
		created, updated string
	)
	err := row.Scan(&rec.ThreadID, &rec.Data, &rec.Excerpt, &rec.MessageCount, &rec.Size, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &rec, nil
}

// Put implements [Engine].
func (e *SQLiteEngine) Put(ctx context.Context, rec *Record) error {
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO threads (thread_id, state_gz, excerpt, message_count, byte_size, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			state_gz = excluded.state_gz,
			excerpt = excluded.excerpt,
			message_count = excluded.message_count,
			byte_size = excluded.byte_size,
			updated_at = excluded.updated_at
	`, rec.ThreadID, rec.Data, rec.Excerpt, rec.MessageCount, rec.Size,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// List implements [Engine].
func (e *SQLiteEngine) List(ctx context.Context) ([]Record, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT thread_id, excerpt, message_count, byte_size, created_at, updated_at
		FROM threads
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec              Record
			created, updated string
		)
		if err := rows.Scan(&rec.ThreadID, &rec.Excerpt, &rec.MessageCount, &rec.Size, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close implements [Engine].
func (e *SQLiteEngine) Close() error {
	if !e.owned {
		return nil
	}
	return e.db.Close()
}
