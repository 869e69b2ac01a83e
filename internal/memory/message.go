// Package memory holds the conversation data model: messages, their
// content parts and tool calls, and the append-only thread ledger that
// the turn loop builds up and the checkpoint store persists.
package memory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role identifies the sender of a message. The set is closed; roles
// are assigned when a message is constructed and never inferred later.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool, RoleSystem:
		return true
	}
	return false
}

// ParseRole converts a wire string into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// PartText is the only part type produced today. Unknown part types
// are preserved on load but contribute nothing to Text.
const PartText = "text"

// Part is one segment of a multi-part message body.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Content is a message body. It is either a single string or an ordered
// list of parts. Both shapes round-trip through JSON unchanged: a plain
// body encodes as a JSON string, a multi-part body as an array.
type Content struct {
	text  string
	parts []Part
}

// TextContent returns a plain single-string body.
func TextContent(s string) Content {
	return Content{text: s}
}

// PartsContent returns a multi-part body. The slice is copied.
func PartsContent(parts ...Part) Content {
	if len(parts) == 0 {
		return Content{}
	}
	cp := make([]Part, len(parts))
	copy(cp, parts)
	return Content{parts: cp}
}

// IsMultipart reports whether the body is a list of parts.
func (c Content) IsMultipart() bool { return c.parts != nil }

// Parts returns a copy of the parts. A plain body is returned as a
// single text part, an empty body as nil.
func (c Content) Parts() []Part {
	if c.parts == nil {
		if c.text == "" {
			return nil
		}
		return []Part{{Type: PartText, Text: c.text}}
	}
	cp := make([]Part, len(c.parts))
	copy(cp, c.parts)
	return cp
}

// Text flattens the body to a string. Text parts of a multi-part body
// are joined with a newline.
func (c Content) Text() string {
	if c.parts == nil {
		return c.text
	}
	texts := make([]string, 0, len(c.parts))
	for _, p := range c.parts {
		if p.Type == PartText || p.Type == "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// IsEmpty reports whether the body carries no text at all.
func (c Content) IsEmpty() bool {
	return strings.TrimSpace(c.Text()) == ""
}

// MarshalJSON implements [json.Marshaler].
func (c Content) MarshalJSON() ([]byte, error) {
	if c.parts != nil {
		return json.Marshal(c.parts)
	}
	return json.Marshal(c.text)
}

// UnmarshalJSON implements [json.Unmarshaler]. It accepts a string,
// an array of parts, or null.
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = Content{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{text: s}
		return nil
	case data[0] == '[':
		var parts []Part
		if err := json.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("decode content parts: %w", err)
		}
		if parts == nil {
			parts = []Part{}
		}
		*c = Content{parts: parts}
		return nil
	default:
		return fmt.Errorf("content must be a string or an array of parts")
	}
}

// ToolCall is a model-issued request to run a named tool. It only ever
// exists embedded in the assistant message that issued it.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Message is a single unit of conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    Content    `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`

	// Name is the tool name on tool-result messages.
	Name string `json:"name,omitempty"`

	// Synthetic marks the assistant message written in place of a
	// failed model invocation.
	Synthetic bool `json:"synthetic,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// UserMessage builds a user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: TextContent(text), Timestamp: time.Now().UTC()}
}

// AssistantMessage builds a plain assistant answer.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: TextContent(text), Timestamp: time.Now().UTC()}
}

// SystemMessage builds a system framing message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: TextContent(text), Timestamp: time.Now().UTC()}
}

// ToolResultMessage builds the result message for a tool call.
func ToolResultMessage(callID, toolName, result string) Message {
	return Message{
		Role:       RoleTool,
		Content:    TextContent(result),
		ToolCallID: callID,
		Name:       toolName,
		Timestamp:  time.Now().UTC(),
	}
}

// HasToolCalls reports whether m requests tool execution. A missing
// list and an empty list are treated the same.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// Clone returns a deep copy of m, including tool call argument maps.
func (m Message) Clone() Message {
	out := m
	out.Content = cloneContent(m.Content)
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = ToolCall{ID: tc.ID, Name: tc.Name, Arguments: cloneArgs(tc.Arguments)}
		}
	}
	return out
}

func cloneContent(c Content) Content {
	if c.parts == nil {
		return Content{text: c.text}
	}
	cp := make([]Part, len(c.parts))
	copy(cp, c.parts)
	return Content{parts: cp}
}

// CloneMessages deep-copies a message slice.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

func cloneArgs(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneArgs(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = cloneValue(e)
		}
		return cp
	default:
		return v
	}
}
