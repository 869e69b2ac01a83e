package checkpoint

import (
	"bytes"
	"context"
	"sync"
)

// MemoryEngine keeps records in process memory. Used by the one-shot
// CLI and in tests.
type MemoryEngine struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryEngine creates an empty in-memory engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{records: make(map[string]Record)}
}

// Get implements [Engine].
func (e *MemoryEngine) Get(_ context.Context, threadID string) (*Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Data = bytes.Clone(rec.Data)
	return &rec, nil
}

// Put implements [Engine].
func (e *MemoryEngine) Put(_ context.Context, rec *Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *rec
	cp.Data = bytes.Clone(rec.Data)
	e.records[rec.ThreadID] = cp
	return nil
}

// List implements [Engine].
func (e *MemoryEngine) List(_ context.Context) ([]Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Record, 0, len(e.records))
	for _, rec := range e.records {
		rec.Data = nil
		out = append(out, rec)
	}
	return out, nil
}

// Close implements [Engine].
func (e *MemoryEngine) Close() error { return nil }
