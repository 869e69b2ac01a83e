// Package checkpoint persists conversation threads between turns.
//
// A thread is stored as one gzip-compressed JSON snapshot of its full
// message history, keyed by thread ID. The [Bridge] is the only writer
// of record; it refuses any save that would rewrite history rather than
// extend it. Storage engines ([SQLiteEngine], [PebbleEngine],
// [MemoryEngine]) only move opaque records.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by engines when no record exists for a thread.
var ErrNotFound = errors.New("thread not found")

// ErrNotAppendOnly is returned when a save would drop or alter
// messages that were already persisted.
var ErrNotAppendOnly = errors.New("history is not an extension of the stored thread")

// Record is one stored thread. Data holds the compressed snapshot; the
// remaining fields are denormalized for listing without decompression.
type Record struct {
	ThreadID     string
	Data         []byte
	Excerpt      string
	MessageCount int
	Size         int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Engine is a key-value home for thread records. Implementations must
// serialize concurrent writes to the same thread.
type Engine interface {
	// Get returns the record for threadID or ErrNotFound.
	Get(ctx context.Context, threadID string) (*Record, error)

	// Put inserts or replaces the record for rec.ThreadID.
	Put(ctx context.Context, rec *Record) error

	// List returns every record without Data.
	List(ctx context.Context) ([]Record, error)

	Close() error
}

// ThreadSummary is one row of the thread listing.
type ThreadSummary struct {
	ThreadID     string    `json:"thread_id"`
	Excerpt      string    `json:"first_message"`
	MessageCount int       `json:"message_count"`
	Bytes        int       `json:"bytes"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Observer receives one call per bridge operation. op is "load",
// "save" or "list".
type Observer interface {
	ObserveCheckpoint(op string, bytes int, elapsed time.Duration, err error)
}
