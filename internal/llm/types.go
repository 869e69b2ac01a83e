// Package llm provides the model providers and the gateway that maps a
// model selection key to one of them.
package llm

import (
	"log/slog"
	"time"

	"github.com/nugget/parley/internal/memory"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Request is one chat completion call. System is framing text sent to
// the provider alongside Messages; it is never part of the thread.
type Request struct {
	Model       string
	System      string
	Messages    []memory.Message
	Tools       []map[string]any
	Temperature *float64
	MaxTokens   int
}

// ChatResponse is the unified response from any LLM provider.
// Wire format conversion happens at the provider boundaries.
type ChatResponse struct {
	Model   string
	Message memory.Message

	// Selection is the gateway key that served the request. It differs
	// from the requested key when the gateway fell back.
	Selection string

	StopReason string

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	Duration time.Duration
}

// StreamEvent represents a single event in a streaming response.
// Consumers switch on Kind to determine what data is available.
type StreamEvent struct {
	Kind StreamEventKind

	// Iteration is the 1-based model invocation within the turn. The
	// agent loop sets it; providers leave it zero.
	Iteration int

	// Token is set for KindToken events.
	Token string

	// ToolCall is set for KindToolCallStart events.
	ToolCall *memory.ToolCall

	// ToolName and ToolResult are set for KindToolCallDone events.
	ToolName   string
	ToolResult string
	ToolError  string

	// Response is set for KindDone events (final summary).
	Response *ChatResponse
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text token from the model.
	KindToken StreamEventKind = iota

	// KindToolCallStart fires when the model invokes a tool.
	KindToolCallStart

	// KindToolCallDone fires when a tool execution completes.
	KindToolCallDone

	// KindDone signals the stream is complete. Response carries final metadata.
	KindDone
)

// String returns the wire name used by the streaming endpoints.
func (k StreamEventKind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindToolCallStart:
		return "tool_call_start"
	case KindToolCallDone:
		return "tool_call_done"
	case KindDone:
		return "done"
	}
	return "unknown"
}

// StreamCallback receives streaming events. Events arrive in order on
// the calling goroutine.
type StreamCallback func(event StreamEvent)

// textOrParts builds a body from the text blocks of a provider reply.
// More than one block becomes a multi-part body.
func textOrParts(blocks []string) memory.Content {
	switch len(blocks) {
	case 0:
		return memory.TextContent("")
	case 1:
		return memory.TextContent(blocks[0])
	}
	parts := make([]memory.Part, len(blocks))
	for i, b := range blocks {
		parts[i] = memory.Part{Type: memory.PartText, Text: b}
	}
	return memory.PartsContent(parts...)
}
