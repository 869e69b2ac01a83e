// Package tools defines the tools available to the agent and the
// registry that dispatches model tool calls to them.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"
)

// Handler executes a tool. args is the decoded JSON argument object.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Registry holds available tools. Tools are registered at startup;
// after that the registry is only read, so it needs no locking.
type Registry struct {
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger,
	}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get returns the named tool, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns tool definitions in the OpenAI function format that the
// model providers translate from.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, name := range r.Names() {
		t := r.tools[name]
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return result
}

// Dispatch runs the named tool with args. Every failure, including a
// panic inside the handler, comes back as an *[Error]; nothing escapes
// the registry boundary.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any) (result string, err error) {
	tool := r.tools[name]
	if tool == nil || tool.Handler == nil {
		return "", &Error{Kind: UnknownTool, Tool: name}
	}

	if args == nil {
		args = map[string]any{}
	}
	if verr := ValidateArguments(tool.Parameters, args); verr != nil {
		return "", &Error{Kind: InvalidArguments, Tool: name, Err: verr}
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked",
				"tool", name,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			result = ""
			err = &Error{Kind: ExecutionFailed, Tool: name, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	result, err = tool.Handler(ctx, args)
	r.logger.Debug("tool executed",
		"tool", name,
		"duration", time.Since(start).Round(time.Millisecond),
		"ok", err == nil,
	)
	if err != nil {
		kind := ExecutionFailed
		if errors.Is(err, ErrInvalidArguments) {
			kind = InvalidArguments
		}
		return "", &Error{Kind: kind, Tool: name, Err: err}
	}
	return result, nil
}
