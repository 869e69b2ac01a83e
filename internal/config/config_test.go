package config

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// Run from an empty dir so the repo's own config.yaml is not found.
	dir := t.TempDir()
	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)
	t.Setenv("HOME", dir)

	_, err := FindConfig("")
	if !errors.Is(err, ErrNoConfig) {
		t.Fatalf("FindConfig(\"\") err = %v, want ErrNoConfig", err)
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("gemini:\n  api_key: ${PARLEY_TEST_KEY}\n"), 0600)
	t.Setenv("PARLEY_TEST_KEY", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Gemini.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.Gemini.APIKey, "secret123")
	}
}

func TestLoad_KeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9000\nagent:\n  recursion_limit: 12\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 9000 || cfg.Agent.RecursionLimit != 12 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Agent.MaxInputChars != 10000 || !cfg.Agent.CheckpointEachStep || cfg.Agent.ExcerptChars != 30 {
		t.Errorf("agent defaults lost: %+v", cfg.Agent)
	}
	if len(cfg.Models.Selections) != 4 || strings.Join(cfg.Models.Priority, ",") != "fast,unlimited,pro,flash" {
		t.Errorf("model catalogue defaults lost: %+v", cfg.Models)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_SelectionsReplaceCatalogue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`
models:
  default_selection: local
  selections:
    local:
      provider: ollama
      model: qwen3:4b
`), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.Models.Selections) != 1 || cfg.Models.Selections["local"].Model != "qwen3:4b" {
		t.Errorf("selections = %+v", cfg.Models.Selections)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen: [unclosed\n"), 0600)
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "g")
	t.Setenv("TAVILY_API_KEY", "tv")
	cfg := Default()
	cfg.Anthropic.APIKey = "explicit"
	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	cfg.ApplyEnv()

	if cfg.Gemini.APIKey != "g" || cfg.Search.Tavily.APIKey != "tv" {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.Anthropic.APIKey != "explicit" {
		t.Error("explicit value must win over environment")
	}
	if !cfg.Search.Configured() {
		t.Error("search should be configured")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "bad engine", mutate: func(c *Config) { c.Storage.Engine = "redis" }, wantErr: "storage.engine"},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "log_level"},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "log_format"},
		{name: "zero input limit", mutate: func(c *Config) { c.Agent.MaxInputChars = 0 }, wantErr: "max_input_chars"},
		{name: "recursion too high", mutate: func(c *Config) { c.Agent.RecursionLimit = 101 }, wantErr: "recursion_limit"},
		{name: "unknown provider", mutate: func(c *Config) {
			c.Models.Selections["odd"] = SelectionConfig{Provider: "openai", Model: "gpt"}
		}, wantErr: "unknown provider"},
		{name: "missing model", mutate: func(c *Config) {
			c.Models.Selections["odd"] = SelectionConfig{Provider: "ollama"}
		}, wantErr: "model is required"},
		{name: "default not in selections", mutate: func(c *Config) { c.Models.DefaultSelection = "nope" }, wantErr: "default_selection"},
		{name: "bad search provider", mutate: func(c *Config) { c.Search.Provider = "bing" }, wantErr: "search.provider"},
		{name: "bad max body", mutate: func(c *Config) { c.API.MaxBody = "lots" }, wantErr: "api.max_body"},
		{name: "bad port", mutate: func(c *Config) { c.Listen.Port = 0 }, wantErr: "listen.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateReportsAll(t *testing.T) {
	cfg := Default()
	cfg.Storage.Engine = "redis"
	cfg.LogLevel = "loud"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "storage.engine") || !strings.Contains(err.Error(), "log_level") {
		t.Errorf("err = %v, want both problems", err)
	}
}

func TestMaxBodyBytes(t *testing.T) {
	if got := (APIConfig{MaxBody: "64KB"}).MaxBodyBytes(); got != 64000 {
		t.Errorf("64KB = %d", got)
	}
	if got := (APIConfig{MaxBody: "1MiB"}).MaxBodyBytes(); got != 1<<20 {
		t.Errorf("1MiB = %d", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("unknown level should error")
	}
}

func TestNewLoggerRendersTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "text")
	logger.Log(context.Background(), LevelTrace, "payload")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("output = %q", buf.String())
	}

	buf.Reset()
	NewLogger(&buf, slog.LevelInfo, "json").Info("hello")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("json output = %q", buf.String())
	}
}
