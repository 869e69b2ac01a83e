package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/pebble"
)

// Key layout: "meta:<id>" holds the JSON listing fields, "data:<id>"
// the compressed snapshot. Both are written in one batch.
var (
	metaPrefix = []byte("meta:")
	dataPrefix = []byte("data:")
)

type pebbleMeta struct {
	Excerpt      string    `json:"excerpt"`
	MessageCount int       `json:"message_count"`
	Size         int       `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PebbleEngine stores threads in a Pebble key-value store.
type PebbleEngine struct {
	db *pebble.DB
}

// OpenPebble opens (creating if needed) a Pebble store in dir.
func OpenPebble(dir string) (*PebbleEngine, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleEngine{db: db}, nil
}

// Get implements [Engine]. Both keys come from one snapshot so a
// concurrent Put cannot pair old metadata with new data.
func (e *PebbleEngine) Get(_ context.Context, threadID string) (*Record, error) {
	snap := e.db.NewSnapshot()
	defer snap.Close()

	metaRaw, err := get(snap, append(bytes.Clone(metaPrefix), threadID...))
	if err != nil {
		return nil, err
	}
	data, err := get(snap, append(bytes.Clone(dataPrefix), threadID...))
	if err != nil {
		return nil, err
	}

	var m pebbleMeta
	if err := json.Unmarshal(metaRaw, &m); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	rec := m.record(threadID)
	rec.Data = data
	return &rec, nil
}

func get(r pebble.Reader, key []byte) ([]byte, error) {
	v, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer closer.Close()
	return bytes.Clone(v), nil
}

// Put implements [Engine].
func (e *PebbleEngine) Put(_ context.Context, rec *Record) error {
	meta, err := json.Marshal(pebbleMeta{
		Excerpt:      rec.Excerpt,
		MessageCount: rec.MessageCount,
		Size:         rec.Size,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	batch := e.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(append(bytes.Clone(dataPrefix), rec.ThreadID...), rec.Data, nil); err != nil {
		return fmt.Errorf("batch set data: %w", err)
	}
	if err := batch.Set(append(bytes.Clone(metaPrefix), rec.ThreadID...), meta, nil); err != nil {
		return fmt.Errorf("batch set meta: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// List implements [Engine].
func (e *PebbleEngine) List(_ context.Context) ([]Record, error) {
	it, err := e.db.NewIter(&pebble.IterOptions{
		LowerBound: metaPrefix,
		UpperBound: []byte("meta;"), // ';' follows ':'
	})
	if err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	defer it.Close()

	var out []Record
	for ok := it.First(); ok; ok = it.Next() {
		id := string(it.Key()[len(metaPrefix):])
		var m pebbleMeta
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			return nil, fmt.Errorf("decode meta for %s: %w", id, err)
		}
		out = append(out, m.record(id))
	}
	return out, it.Error()
}

// Close implements [Engine].
func (e *PebbleEngine) Close() error {
	return e.db.Close()
}

func (m pebbleMeta) record(id string) Record {
	return Record{
		ThreadID:     id,
		Excerpt:      m.Excerpt,
		MessageCount: m.MessageCount,
		Size:         m.Size,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}
