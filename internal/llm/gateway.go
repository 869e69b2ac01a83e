package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nugget/parley/internal/memory"
)

// Selection keys of the built-in model catalogue.
const (
	SelectionFast      = "fast"
	SelectionUnlimited = "unlimited"
	SelectionPro       = "pro"
	SelectionFlash     = "flash"
)

// DefaultPriority is the order in which selections are tried when
// choosing the process-wide default backend.
var DefaultPriority = []string{SelectionFast, SelectionUnlimited, SelectionPro, SelectionFlash}

// ErrNoBackend is returned when no model backend initialized. It is a
// configuration failure: the process has nothing to serve with.
var ErrNoBackend = errors.New("no model backend available")

// ErrMalformedResponse is returned when a provider reply cannot be
// used as an assistant message.
var ErrMalformedResponse = errors.New("malformed model response")

// Backend is a concrete model: a provider client plus the model name
// and parameters a selection key resolves to.
type Backend struct {
	Selection   string
	Provider    string
	Model       string
	Temperature *float64
	Client      Client
}

// Gateway resolves selection keys to backends and invokes them. It
// performs no retries; a provider failure is returned to the caller
// once.
type Gateway struct {
	logger   *slog.Logger
	priority []string

	mu         sync.RWMutex
	backends   map[string]*Backend
	defaultKey string
	pinned     bool
}

// NewGateway creates a gateway. priority fixes the order in which
// registered selections are considered for the default; nil means
// [DefaultPriority]. Selections outside priority rank after it, in
// registration order.
func NewGateway(priority []string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if priority == nil {
		priority = DefaultPriority
	}
	return &Gateway{
		logger:   logger.With("component", "gateway"),
		priority: append([]string(nil), priority...),
		backends: make(map[string]*Backend),
	}
}

// Register adds a backend under its selection key.
func (g *Gateway) Register(b *Backend) error {
	if b == nil || b.Client == nil {
		return fmt.Errorf("register backend: nil client")
	}
	key := normalizeKey(b.Selection)
	if key == "" {
		return fmt.Errorf("register backend: empty selection key")
	}
	b.Selection = key

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.backends[key]; !exists && !contains(g.priority, key) {
		g.priority = append(g.priority, key)
	}
	g.backends[key] = b
	if !g.pinned {
		g.defaultKey = g.firstByPriority()
	}
	return nil
}

// SetDefault pins the default to a registered selection, overriding
// the priority order.
func (g *Gateway) SetDefault(selection string) error {
	key := normalizeKey(selection)
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.backends[key]; !ok {
		return fmt.Errorf("default selection %q has no backend", selection)
	}
	g.defaultKey = key
	g.pinned = true
	return nil
}

func (g *Gateway) firstByPriority() string {
	for _, key := range g.priority {
		if _, ok := g.backends[key]; ok {
			return key
		}
	}
	return ""
}

// Ready returns ErrNoBackend if nothing was registered.
func (g *Gateway) Ready() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.backends) == 0 {
		return ErrNoBackend
	}
	return nil
}

// Default returns the default selection key, or "" when there is none.
func (g *Gateway) Default() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.defaultKey
}

// Selections returns registered keys in priority order.
func (g *Gateway) Selections() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for _, key := range g.priority {
		if _, ok := g.backends[key]; ok {
			out = append(out, key)
		}
	}
	return out
}

// Resolve maps a selection key to a backend. Unknown and empty keys
// resolve to the default; fellBack reports when that happened for a
// non-empty key. The only error is ErrNoBackend.
func (g *Gateway) Resolve(selection string) (b *Backend, fellBack bool, err error) {
	key := normalizeKey(selection)

	g.mu.RLock()
	defer g.mu.RUnlock()

	if b, ok := g.backends[key]; ok {
		return b, false, nil
	}
	def, ok := g.backends[g.defaultKey]
	if !ok {
		return nil, false, ErrNoBackend
	}
	return def, key != "", nil
}

// Invoke sends history to the backend for selection and returns the
// assistant message.
func (g *Gateway) Invoke(ctx context.Context, selection string, req Request) (*ChatResponse, error) {
	return g.invoke(ctx, selection, req, nil)
}

// InvokeStream is Invoke with incremental text delivery. Fragments
// reach callback in order; their concatenation is the returned text.
func (g *Gateway) InvokeStream(ctx context.Context, selection string, req Request, callback StreamCallback) (*ChatResponse, error) {
	if callback == nil {
		callback = func(StreamEvent) {}
	}
	return g.invoke(ctx, selection, req, callback)
}

func (g *Gateway) invoke(ctx context.Context, selection string, req Request, callback StreamCallback) (*ChatResponse, error) {
	b, fellBack, err := g.Resolve(selection)
	if err != nil {
		return nil, err
	}
	if fellBack {
		g.logger.Warn("unknown model selection, using default",
			"requested", selection,
			"default", b.Selection,
		)
	}

	req.Model = b.Model
	if req.Temperature == nil {
		req.Temperature = b.Temperature
	}

	g.logger.Debug("invoking model",
		"selection", b.Selection,
		"provider", b.Provider,
		"model", b.Model,
		"messages", len(req.Messages),
		"tools", len(req.Tools),
	)

	var resp *ChatResponse
	if callback != nil {
		resp, err = b.Client.ChatStream(ctx, req, callback)
	} else {
		resp, err = b.Client.Chat(ctx, req)
	}
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", b.Provider, b.Model, err)
	}
	if err := normalize(resp); err != nil {
		return nil, fmt.Errorf("%s/%s: %w", b.Provider, b.Model, err)
	}
	resp.Selection = b.Selection
	if resp.Model == "" {
		resp.Model = b.Model
	}
	return resp, nil
}

// normalize checks a provider reply and fills in what the thread
// requires: the assistant role and a unique ID on every tool call.
func normalize(resp *ChatResponse) error {
	if resp == nil {
		return fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}
	resp.Message.Role = memory.RoleAssistant
	seen := make(map[string]struct{}, len(resp.Message.ToolCalls))
	for i := range resp.Message.ToolCalls {
		tc := &resp.Message.ToolCalls[i]
		if strings.TrimSpace(tc.Name) == "" {
			return fmt.Errorf("%w: tool call %d has no name", ErrMalformedResponse, i)
		}
		if _, dup := seen[tc.ID]; tc.ID == "" || dup {
			tc.ID = "call_" + uuid.NewString()
		}
		seen[tc.ID] = struct{}{}
	}
	if !resp.Message.HasToolCalls() && resp.Message.Content.IsEmpty() {
		return fmt.Errorf("%w: no text and no tool calls", ErrMalformedResponse)
	}
	return nil
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
