package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/checkpoint"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/metrics"
	"github.com/nugget/parley/internal/search"
	"github.com/nugget/parley/internal/tools"
)

// app is the wired set of components shared by serve and ask.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	gateway  *llm.Gateway
	bridge   *checkpoint.Bridge
	registry *tools.Registry
	loop     *agent.Loop
}

// newApp wires every component from cfg. A gateway without any
// backend is a startup failure.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	gw, err := buildGateway(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.gateway = gw

	a.bridge, err = openBridge(cfg, logger, a.metrics)
	if err != nil {
		return nil, err
	}

	a.registry = buildTools(cfg, logger)

	a.loop = agent.NewLoop(logger, a.gateway, a.registry, a.bridge, a.metrics, agent.Config{
		SystemPrompt:       cfg.Agent.SystemPrompt,
		MaxInputChars:      cfg.Agent.MaxInputChars,
		RecursionLimit:     cfg.Agent.RecursionLimit,
		CheckpointEachStep: cfg.Agent.CheckpointEachStep,
		NewThreadSentinel:  cfg.Agent.NewThreadSentinel,
	})
	return a, nil
}

func (a *app) Close() error {
	if a.bridge == nil {
		return nil
	}
	return a.bridge.Close()
}

// buildGateway registers one backend per model selection whose
// provider has credentials. Selections without them are skipped with a
// warning. The result is ErrNoBackend when none initialized.
func buildGateway(cfg *config.Config, logger *slog.Logger) (*llm.Gateway, error) {
	gw := llm.NewGateway(cfg.Models.Priority, logger)

	clients := make(map[string]llm.Client)
	clientFor := func(provider string) llm.Client {
		if c, ok := clients[provider]; ok {
			return c
		}
		var c llm.Client
		switch provider {
		case config.ProviderGemini:
			if cfg.Gemini.APIKey != "" {
				c = llm.NewGeminiClient(cfg.Gemini.APIKey, logger)
			}
		case config.ProviderAnthropic:
			if cfg.Anthropic.APIKey != "" {
				c = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
			}
		case config.ProviderOllama:
			if cfg.Ollama.URL != "" {
				c = llm.NewOllamaClient(cfg.Ollama.URL, logger)
			}
		}
		clients[provider] = c
		return c
	}

	for _, key := range selectionOrder(cfg.Models) {
		sel := cfg.Models.Selections[key]
		client := clientFor(sel.Provider)
		if client == nil {
			logger.Warn("model selection disabled, provider has no credentials",
				"selection", key, "provider", sel.Provider, "model", sel.Model)
			continue
		}
		err := gw.Register(&llm.Backend{
			Selection:   key,
			Provider:    sel.Provider,
			Model:       sel.Model,
			Temperature: sel.Temperature,
			Client:      client,
		})
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", key, err)
		}
		logger.Info("model backend initialized", "selection", key, "provider", sel.Provider, "model", sel.Model)
	}

	if err := gw.Ready(); err != nil {
		return nil, fmt.Errorf("%w: set GEMINI_API_KEY, ANTHROPIC_API_KEY or an Ollama selection", err)
	}

	if d := cfg.Models.DefaultSelection; d != "" {
		if err := gw.SetDefault(d); err != nil {
			logger.Warn("configured default selection unavailable, using priority order",
				"selection", d, "error", err)
		}
	}
	logger.Info("model gateway ready", "default", gw.Default(), "selections", gw.Selections())
	return gw, nil
}

// selectionOrder lists priority keys first, then the rest sorted, so
// registration and its log lines are deterministic.
func selectionOrder(m config.ModelsConfig) []string {
	seen := make(map[string]bool, len(m.Selections))
	var out []string
	for _, key := range m.Priority {
		if _, ok := m.Selections[key]; ok && !seen[key] {
			out = append(out, key)
			seen[key] = true
		}
	}
	var rest []string
	for key := range m.Selections {
		if !seen[key] {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// openBridge opens the configured storage engine.
// obs may be nil.
func openBridge(cfg *config.Config, logger *slog.Logger, obs checkpoint.Observer) (*checkpoint.Bridge, error) {
	engineName := cfg.Storage.Engine
	if engineName != checkpoint.EngineMemory && cfg.Storage.Path == "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	engine, err := checkpoint.Open(engineName, cfg.Storage.Path, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", engineName, err)
	}
	logger.Info("thread store opened", "engine", engineName, "path", cfg.Storage.Path, "data_dir", cfg.DataDir)

	opts := []checkpoint.Option{checkpoint.WithExcerptChars(cfg.Agent.ExcerptChars)}
	if obs != nil {
		opts = append(opts, checkpoint.WithObserver(obs))
	}
	return checkpoint.NewBridge(engine, logger, opts...), nil
}

// buildTools registers the built-in tools. web_search is added only
// when a search provider has credentials.
func buildTools(cfg *config.Config, logger *slog.Logger) *tools.Registry {
	reg := tools.NewRegistry(logger)
	reg.Register(tools.TimeTool(nil))

	mgr, err := buildSearch(cfg.Search)
	if err != nil {
		logger.Warn("web search disabled", "reason", err)
	} else {
		reg.Register(search.Tool(mgr, cfg.Search.MaxResults))
		logger.Info("web search enabled", "primary", mgr.Primary(), "providers", mgr.Providers())
	}

	logger.Info("tools registered", "tools", reg.Names())
	return reg
}

var errNoSearch = errors.New("no search provider configured (set TAVILY_API_KEY, BRAVE_API_KEY or SEARXNG_URL)")

// buildSearch registers every provider with credentials, the
// configured one first so it becomes the primary.
func buildSearch(sc config.SearchConfig) (*search.Manager, error) {
	available := map[string]search.Provider{}
	if sc.Tavily.APIKey != "" {
		available["tavily"] = search.NewTavily(sc.Tavily.APIKey)
	}
	if sc.Brave.APIKey != "" {
		available["brave"] = search.NewBrave(sc.Brave.APIKey)
	}
	if sc.SearXNG.URL != "" {
		available["searxng"] = search.NewSearXNG(sc.SearXNG.URL)
	}
	if len(available) == 0 {
		return nil, errNoSearch
	}

	mgr := search.NewManager("")
	if p, ok := available[sc.Provider]; ok {
		mgr.Register(p)
	}
	for _, name := range []string{"tavily", "brave", "searxng"} {
		if p, ok := available[name]; ok && name != sc.Provider {
			mgr.Register(p)
		}
	}
	return mgr, nil
}
