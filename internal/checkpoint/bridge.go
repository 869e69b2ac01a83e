package checkpoint

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nugget/parley/internal/memory"
)

// DefaultExcerptChars is the listing excerpt length used when none is
// configured.
const DefaultExcerptChars = 30

// snapshotVersion is bumped when the snapshot layout changes.
const snapshotVersion = 1

type snapshot struct {
	Version  int              `json:"version"`
	ThreadID string           `json:"thread_id"`
	Messages []memory.Message `json:"messages"`
}

// Bridge loads and saves thread histories through an [Engine].
type Bridge struct {
	engine       Engine
	logger       *slog.Logger
	excerptChars int
	observer     Observer

	// locks serializes load-compare-write per thread.
	locks sync.Map // thread ID -> *sync.Mutex
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithExcerptChars sets the listing excerpt length in characters.
func WithExcerptChars(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.excerptChars = n
		}
	}
}

// WithObserver reports every operation to o.
func WithObserver(o Observer) Option {
	return func(b *Bridge) { b.observer = o }
}

// NewBridge creates a bridge over engine.
func NewBridge(engine Engine, logger *slog.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		engine:       engine,
		logger:       logger.With("component", "checkpoint"),
		excerptChars: DefaultExcerptChars,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Close closes the underlying engine.
func (b *Bridge) Close() error {
	return b.engine.Close()
}

// Load returns the persisted history for threadID. An unknown thread
// yields an empty history, not an error.
func (b *Bridge) Load(ctx context.Context, threadID string) (msgs []memory.Message, err error) {
	start := time.Now()
	size := 0
	defer func() { b.observe("load", size, start, err) }()

	rec, err := b.engine.Get(ctx, threadID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	size = len(rec.Data)

	snap, err := decode(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}

	b.logger.Debug("thread loaded",
		"thread", threadID,
		"messages", len(snap.Messages),
		"size", humanize.Bytes(uint64(size)),
	)
	return snap.Messages, nil
}

// Save persists msgs as the full history of threadID. The stored
// history must be a prefix of msgs; anything else is ErrNotAppendOnly
// and nothing is written.
func (b *Bridge) Save(ctx context.Context, threadID string, msgs []memory.Message) (err error) {
	start := time.Now()
	size := 0
	defer func() { b.observe("save", size, start, err) }()

	if threadID == "" {
		return fmt.Errorf("save thread: empty thread id")
	}
	if err := memory.ValidateCorrelation(msgs); err != nil {
		return fmt.Errorf("save thread %s: %w", threadID, err)
	}

	mu := b.lock(threadID)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	created := now

	prev, err := b.engine.Get(ctx, threadID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return fmt.Errorf("save thread %s: read current: %w", threadID, err)
	default:
		old, err := decode(prev.Data)
		if err != nil {
			return fmt.Errorf("save thread %s: read current: %w", threadID, err)
		}
		if !memory.IsPrefix(old.Messages, msgs) {
			return fmt.Errorf("save thread %s: %w", threadID, ErrNotAppendOnly)
		}
		created = prev.CreatedAt
	}

	data, err := encode(snapshot{Version: snapshotVersion, ThreadID: threadID, Messages: msgs})
	if err != nil {
		return fmt.Errorf("save thread %s: %w", threadID, err)
	}
	size = len(data)

	rec := &Record{
		ThreadID:     threadID,
		Data:         data,
		Excerpt:      Excerpt(memory.FirstUserText(msgs), b.excerptChars),
		MessageCount: len(msgs),
		Size:         size,
		CreatedAt:    created,
		UpdatedAt:    now,
	}
	if err := b.engine.Put(ctx, rec); err != nil {
		return fmt.Errorf("save thread %s: %w", threadID, err)
	}

	b.logger.Debug("thread saved",
		"thread", threadID,
		"messages", len(msgs),
		"size", humanize.Bytes(uint64(size)),
	)
	return nil
}

// ListThreads returns a summary of every stored thread, most recently
// updated first.
func (b *Bridge) ListThreads(ctx context.Context) (out []ThreadSummary, err error) {
	start := time.Now()
	defer func() { b.observe("list", 0, start, err) }()

	recs, err := b.engine.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	out = make([]ThreadSummary, 0, len(recs))
	for _, r := range recs {
		out = append(out, ThreadSummary{
			ThreadID:     r.ThreadID,
			Excerpt:      r.Excerpt,
			MessageCount: r.MessageCount,
			Bytes:        r.Size,
			CreatedAt:    r.CreatedAt,
			UpdatedAt:    r.UpdatedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ThreadID < out[j].ThreadID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (b *Bridge) lock(threadID string) *sync.Mutex {
	mu, _ := b.locks.LoadOrStore(threadID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (b *Bridge) observe(op string, size int, start time.Time, err error) {
	if b.observer != nil {
		b.observer.ObserveCheckpoint(op, size, time.Since(start), err)
	}
}

// Excerpt truncates text to n characters, marking truncation with "...".
func Excerpt(text string, n int) string {
	r := []rune(text)
	if n <= 0 || len(r) <= n {
		return text
	}
	return string(r[:n]) + "..."
}

func encode(s snapshot) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (*snapshot, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}

	var s snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if s.Version > snapshotVersion {
		return nil, fmt.Errorf("snapshot version %d is newer than supported %d", s.Version, snapshotVersion)
	}
	return &s, nil
}
