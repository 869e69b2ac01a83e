package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/parley/internal/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// engines returns a fresh instance of every engine for table tests.
func engines(t *testing.T) map[string]Engine {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	sqlite, err := NewSQLiteEngine(db)
	if err != nil {
		t.Fatalf("NewSQLiteEngine: %v", err)
	}

	peb, err := OpenPebble(filepath.Join(t.TempDir(), "pebble"))
	if err != nil {
		t.Fatalf("OpenPebble: %v", err)
	}
	t.Cleanup(func() { peb.Close() })

	return map[string]Engine{
		"sqlite": sqlite,
		"pebble": peb,
		"memory": NewMemoryEngine(),
	}
}

func toolTurn() []memory.Message {
	call := memory.AssistantMessage("")
	call.ToolCalls = []memory.ToolCall{{ID: "call_1", Name: "get_current_time", Arguments: map[string]any{"timezone": "UTC"}}}
	return []memory.Message{
		memory.UserMessage("What time is it in UTC right now, please?"),
		call,
		memory.ToolResultMessage("call_1", "get_current_time", "The current date and time in UTC is: 2025-03-14 15:09:26 UTC"),
		memory.AssistantMessage("It is 15:09 UTC."),
	}
}

func TestBridgeRoundTrip(t *testing.T) {
	for name, engine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := NewBridge(engine, quietLogger())

			got, err := b.Load(ctx, "absent")
			if err != nil || len(got) != 0 {
				t.Fatalf("Load(absent) = %v, %v; want empty", got, err)
			}

			history := toolTurn()
			if err := b.Save(ctx, "t1", history[:1]); err != nil {
				t.Fatalf("Save first message: %v", err)
			}
			if err := b.Save(ctx, "t1", history); err != nil {
				t.Fatalf("Save full turn: %v", err)
			}

			got, err = b.Load(ctx, "t1")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if len(got) != len(history) {
				t.Fatalf("loaded %d messages, want %d", len(got), len(history))
			}
			if !memory.IsPrefix(history, got) {
				t.Error("loaded history differs from saved")
			}
			if got[1].ToolCalls[0].Arguments["timezone"] != "UTC" {
				t.Errorf("tool call arguments lost: %+v", got[1].ToolCalls)
			}
			if got[2].ToolCallID != "call_1" {
				t.Errorf("tool_call_id lost: %+v", got[2])
			}
		})
	}
}

func TestBridgeRejectsRewrite(t *testing.T) {
	for name, engine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := NewBridge(engine, quietLogger())

			history := toolTurn()
			if err := b.Save(ctx, "t1", history); err != nil {
				t.Fatalf("Save: %v", err)
			}

			// Shorter history.
			if err := b.Save(ctx, "t1", history[:2]); !errors.Is(err, ErrNotAppendOnly) {
				t.Errorf("truncating save err = %v, want ErrNotAppendOnly", err)
			}

			// Same length, altered content.
			altered := memory.CloneMessages(history)
			altered[0] = memory.UserMessage("something else")
			if err := b.Save(ctx, "t1", altered); !errors.Is(err, ErrNotAppendOnly) {
				t.Errorf("rewriting save err = %v, want ErrNotAppendOnly", err)
			}

			got, _ := b.Load(ctx, "t1")
			if len(got) != len(history) || got[0].Content.Text() != history[0].Content.Text() {
				t.Error("rejected save must not modify the stored thread")
			}
		})
	}
}

func TestBridgeRejectsBadCorrelation(t *testing.T) {
	b := NewBridge(NewMemoryEngine(), quietLogger())
	msgs := []memory.Message{
		memory.UserMessage("hi"),
		memory.ToolResultMessage("call_x", "web_search", "[]"),
	}
	err := b.Save(context.Background(), "t1", msgs)
	if !errors.Is(err, memory.ErrCorrelation) {
		t.Errorf("err = %v, want ErrCorrelation", err)
	}
}

func TestBridgeListThreads(t *testing.T) {
	for name, engine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := NewBridge(engine, quietLogger())

			if err := b.Save(ctx, "older", []memory.Message{memory.UserMessage("short")}); err != nil {
				t.Fatal(err)
			}
			time.Sleep(5 * time.Millisecond)
			if err := b.Save(ctx, "newer", toolTurn()); err != nil {
				t.Fatal(err)
			}

			list, err := b.ListThreads(ctx)
			if err != nil {
				t.Fatalf("ListThreads: %v", err)
			}
			if len(list) != 2 {
				t.Fatalf("got %d threads, want 2", len(list))
			}
			if list[0].ThreadID != "newer" {
				t.Errorf("first thread = %s, want most recently updated", list[0].ThreadID)
			}
			if list[0].Excerpt != "What time is it in UTC right n..." {
				t.Errorf("excerpt = %q", list[0].Excerpt)
			}
			if list[0].MessageCount != 4 || list[0].Bytes == 0 {
				t.Errorf("summary = %+v", list[0])
			}
			if list[1].Excerpt != "short" {
				t.Errorf("untruncated excerpt = %q", list[1].Excerpt)
			}
		})
	}
}

func TestBridgeKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	engine := NewMemoryEngine()
	b := NewBridge(engine, quietLogger())

	history := toolTurn()
	b.Save(ctx, "t1", history[:1])
	first, _ := engine.Get(ctx, "t1")
	time.Sleep(2 * time.Millisecond)
	b.Save(ctx, "t1", history)
	second, _ := engine.Get(ctx, "t1")

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("created_at changed on update")
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Error("updated_at did not advance")
	}
}

func TestExcerpt(t *testing.T) {
	tests := []struct {
		text string
		n    int
		want string
	}{
		{"hello", 30, "hello"},
		{strings.Repeat("a", 30), 30, strings.Repeat("a", 30)},
		{strings.Repeat("a", 31), 30, strings.Repeat("a", 30) + "..."},
		{"héllo wörld", 5, "héllo..."},
		{"", 30, ""},
	}
	for _, tt := range tests {
		if got := Excerpt(tt.text, tt.n); got != tt.want {
			t.Errorf("Excerpt(%q, %d) = %q, want %q", tt.text, tt.n, got, tt.want)
		}
	}
}

type recordingObserver struct {
	mu  sync.Mutex
	ops []string
}

func (r *recordingObserver) ObserveCheckpoint(op string, _ int, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		op += ":error"
	}
	r.ops = append(r.ops, op)
}

func TestBridgeObserver(t *testing.T) {
	obs := &recordingObserver{}
	b := NewBridge(NewMemoryEngine(), quietLogger(), WithObserver(obs), WithExcerptChars(10))
	ctx := context.Background()

	b.Save(ctx, "t1", []memory.Message{memory.UserMessage("hi")})
	b.Load(ctx, "t1")
	b.ListThreads(ctx)
	b.Save(ctx, "", nil)

	want := "save,load,list,save:error"
	if got := strings.Join(obs.ops, ","); got != want {
		t.Errorf("observed %s, want %s", got, want)
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{EngineSQLite, EnginePebble, EngineMemory} {
		e, err := Open(name, "", dir)
		if err != nil {
			t.Fatalf("Open(%s): %v", name, err)
		}
		e.Close()
	}
	if _, err := Open("cassandra", "", dir); err == nil {
		t.Error("unknown engine should fail")
	}
}

// A record read while another goroutine rewrites it must come from a
// single write: its listing fields always describe its own data.
func TestEngineGetConsistentDuringPut(t *testing.T) {
	for name, engine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			put := func(i int) error {
				data := []byte(strings.Repeat("x", i+1))
				return engine.Put(ctx, &Record{
					ThreadID:     "busy",
					Data:         data,
					MessageCount: i,
					Size:         len(data),
					CreatedAt:    time.Unix(0, 0).UTC(),
					UpdatedAt:    time.Unix(int64(i), 0).UTC(),
				})
			}
			if err := put(0); err != nil {
				t.Fatal(err)
			}

			const writes = 200
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 1; i <= writes; i++ {
					if err := put(i); err != nil {
						t.Errorf("put %d: %v", i, err)
						return
					}
				}
			}()

			for i := 0; i < writes; i++ {
				rec, err := engine.Get(ctx, "busy")
				if err != nil {
					t.Errorf("get: %v", err)
					break
				}
				if rec.Size != len(rec.Data) || rec.MessageCount+1 != len(rec.Data) {
					t.Errorf("torn read: size %d, message_count %d, data %d bytes", rec.Size, rec.MessageCount, len(rec.Data))
					break
				}
			}
			wg.Wait()
		})
	}
}
