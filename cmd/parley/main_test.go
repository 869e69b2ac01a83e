package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/nugget/parley/internal/checkpoint"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/llm"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// clearUmask sets the process umask to 0 so file permission assertions
// are deterministic.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, []string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "Parley ") || !strings.Contains(out.String(), "go_version:") {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	if err := run(context.Background(), &out, io.Discard, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("json version: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("json output: %v", err)
	}
	if info["version"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRunArgumentErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown command", []string{"dance"}, "unknown command"},
		{"unknown flag", []string{"-verbose", "serve"}, "unknown flag"},
		{"bad output", []string{"-o", "xml", "version"}, "unknown output format"},
		{"search without query", []string{"search"}, "usage"},
		{"ask without question", []string{"ask", "-model", "fast"}, "usage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), io.Discard, io.Discard, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestRunUsage(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Usage: parley") {
		t.Errorf("usage = %q", out.String())
	}
}

func TestRunInit(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var out bytes.Buffer

	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}
	path := filepath.Join(dir, "config.yaml")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}
	if fi, err := os.Stat(filepath.Join(dir, "data")); err != nil || !fi.IsDir() {
		t.Errorf("data directory missing: %v", err)
	}

	// The shipped example must load and validate.
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load example: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("example config invalid: %v", err)
	}

	// A second run leaves user edits alone.
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0o600)
	out.Reset()
	if err := runInit(&out, dir); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "9999") {
		t.Error("init overwrote an existing config")
	}
	if !strings.Contains(out.String(), "left alone") {
		t.Errorf("output = %q", out.String())
	}
}

// ollamaStub answers every chat request with text.
func ollamaStub(t *testing.T, text string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model":   "qwen3:4b",
			"message": map[string]any{"role": "assistant", "content": text},
			"done":    true,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAskAndThreads(t *testing.T) {
	stub := ollamaStub(t, "hi from the stub")
	dataDir := t.TempDir()
	path := writeConfig(t, `
data_dir: `+dataDir+`
storage:
  engine: pebble
models:
  selections:
    local:
      provider: ollama
      model: qwen3:4b
ollama:
  url: `+stub.URL+`
`)

	var out, errOut bytes.Buffer
	err := run(context.Background(), &out, &errOut, []string{"-config", path, "ask", "-thread", "cli-1", "hello", "there"})
	if err != nil {
		t.Fatalf("ask: %v (stderr %s)", err, errOut.String())
	}
	if out.String() != "hi from the stub\n" {
		t.Errorf("answer = %q", out.String())
	}
	if !strings.Contains(errOut.String(), "thread: cli-1") {
		t.Errorf("stderr = %q", errOut.String())
	}

	out.Reset()
	if err := run(context.Background(), &out, io.Discard, []string{"-config", path, "-o", "json", "threads"}); err != nil {
		t.Fatalf("threads: %v", err)
	}
	var list []checkpoint.ThreadSummary
	if err := json.Unmarshal(out.Bytes(), &list); err != nil {
		t.Fatalf("threads output %q: %v", out.String(), err)
	}
	if len(list) != 1 || list[0].ThreadID != "cli-1" || list[0].Excerpt != "hello there" || list[0].MessageCount != 2 {
		t.Errorf("threads = %+v", list)
	}

	out.Reset()
	if err := run(context.Background(), &out, io.Discard, []string{"-config", path, "threads"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "cli-1") || !strings.Contains(out.String(), "hello there") {
		t.Errorf("table = %q", out.String())
	}
}

func TestAskWithoutThreadKeepsNothing(t *testing.T) {
	stub := ollamaStub(t, "ephemeral")
	dataDir := t.TempDir()
	path := writeConfig(t, `
data_dir: `+dataDir+`
storage:
  engine: pebble
models:
  selections:
    local:
      provider: ollama
      model: qwen3:4b
ollama:
  url: `+stub.URL+`
`)

	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, []string{"-config", path, "ask", "-stream", "hello"}); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if strings.TrimSpace(out.String()) != "ephemeral" {
		t.Errorf("answer = %q", out.String())
	}
	if _, err := os.Stat(filepath.Join(dataDir, "threads.pebble")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ask without -thread opened the store: %v", err)
	}
}

func TestBuildGateway(t *testing.T) {
	t.Run("no credentials", func(t *testing.T) {
		cfg := config.Default()
		if _, err := buildGateway(cfg, quietLogger()); !errors.Is(err, llm.ErrNoBackend) {
			t.Errorf("err = %v, want ErrNoBackend", err)
		}
	})

	t.Run("gemini catalogue", func(t *testing.T) {
		cfg := config.Default()
		cfg.Gemini.APIKey = "key"
		gw, err := buildGateway(cfg, quietLogger())
		if err != nil {
			t.Fatal(err)
		}
		if gw.Default() != "fast" {
			t.Errorf("default = %q", gw.Default())
		}
		if got := strings.Join(gw.Selections(), ","); got != "fast,unlimited,pro,flash" {
			t.Errorf("selections = %s", got)
		}
	})

	t.Run("pinned default", func(t *testing.T) {
		cfg := config.Default()
		cfg.Gemini.APIKey = "key"
		cfg.Models.DefaultSelection = "pro"
		gw, err := buildGateway(cfg, quietLogger())
		if err != nil {
			t.Fatal(err)
		}
		if gw.Default() != "pro" {
			t.Errorf("default = %q", gw.Default())
		}
	})

	t.Run("pinned default without credentials", func(t *testing.T) {
		cfg := config.Default()
		cfg.Gemini.APIKey = "key"
		cfg.Models.Selections["claude"] = config.SelectionConfig{Provider: config.ProviderAnthropic, Model: "claude-sonnet-4-20250514"}
		cfg.Models.DefaultSelection = "claude"
		gw, err := buildGateway(cfg, quietLogger())
		if err != nil {
			t.Fatal(err)
		}
		if gw.Default() != "fast" {
			t.Errorf("default = %q, want priority fallback", gw.Default())
		}
		if b, fellBack, _ := gw.Resolve("claude"); !fellBack || b.Selection != "fast" {
			t.Errorf("claude resolved to %+v (fellBack %v)", b, fellBack)
		}
	})
}

func TestSelectionOrder(t *testing.T) {
	m := config.ModelsConfig{
		Priority: []string{"pro", "missing", "fast"},
		Selections: map[string]config.SelectionConfig{
			"fast": {}, "pro": {}, "zeta": {}, "alpha": {},
		},
	}
	if got := strings.Join(selectionOrder(m), ","); got != "pro,fast,alpha,zeta" {
		t.Errorf("order = %s", got)
	}
}

func TestBuildSearch(t *testing.T) {
	if _, err := buildSearch(config.SearchConfig{Provider: "tavily"}); !errors.Is(err, errNoSearch) {
		t.Errorf("err = %v, want errNoSearch", err)
	}

	mgr, err := buildSearch(config.SearchConfig{Provider: "tavily", Brave: config.BraveConfig{APIKey: "b"}})
	if err != nil {
		t.Fatal(err)
	}
	if mgr.Primary() != "brave" {
		t.Errorf("primary = %q, want the only configured provider", mgr.Primary())
	}

	mgr, _ = buildSearch(config.SearchConfig{
		Provider: "searxng",
		Tavily:   config.TavilyConfig{APIKey: "t"},
		SearXNG:  config.SearXNGConfig{URL: "http://searx.test"},
	})
	if mgr.Primary() != "searxng" || len(mgr.Providers()) != 2 {
		t.Errorf("primary = %q, providers = %v", mgr.Primary(), mgr.Providers())
	}
}

func TestBuildToolsWithoutSearch(t *testing.T) {
	reg := buildTools(config.Default(), quietLogger())
	if got := strings.Join(reg.Names(), ","); got != "get_current_time" {
		t.Errorf("tools = %s", got)
	}
}

func TestParseAskArgs(t *testing.T) {
	opts, err := parseAskArgs([]string{"-model", "pro", "what", "-thread", "t9", "time?"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.model != "pro" || opts.threadID != "t9" || opts.question != "what time?" || opts.stream {
		t.Errorf("opts = %+v", opts)
	}
}
