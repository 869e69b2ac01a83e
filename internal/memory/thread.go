package memory

import (
	"errors"
	"fmt"
	"sync"
)

// ErrCorrelation is returned when a tool-result message does not answer
// a call of the most recent assistant message, or answers one twice.
var ErrCorrelation = errors.New("tool result correlation")

// Thread is the in-progress message ledger for one conversation. It only
// grows; there is no way to remove or rewrite a message once appended.
//
// A Thread is owned by a single turn at a time, but it is safe for
// concurrent readers (the streaming endpoints read while the loop appends).
type Thread struct {
	id string

	mu       sync.RWMutex
	messages []Message

	// loaded is the number of messages that came from the store; the
	// rest were appended during this turn.
	loaded int

	// answered holds the call IDs of every tool-result message seen.
	answered map[string]struct{}
	// pending holds the call IDs issued by the last assistant message
	// that have not been answered yet.
	pending map[string]struct{}
}

// NewThread builds a thread from previously persisted history. The
// history is deep-copied.
func NewThread(id string, history []Message) *Thread {
	t := &Thread{
		id:       id,
		messages: CloneMessages(history),
		loaded:   len(history),
		answered: make(map[string]struct{}),
		pending:  make(map[string]struct{}),
	}
	for _, m := range t.messages {
		t.track(m)
	}
	return t
}

// ID returns the thread identifier.
func (t *Thread) ID() string { return t.id }

// Append validates m against the thread's correlation rules and adds it
// to the end of the ledger.
func (t *Thread) Append(m Message) error {
	if !m.Role.Valid() {
		return fmt.Errorf("append message: invalid role %q", m.Role)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if m.Role == RoleTool {
		if m.ToolCallID == "" {
			return fmt.Errorf("%w: tool result without tool_call_id", ErrCorrelation)
		}
		if _, dup := t.answered[m.ToolCallID]; dup {
			return fmt.Errorf("%w: call %s already answered", ErrCorrelation, m.ToolCallID)
		}
		if _, ok := t.pending[m.ToolCallID]; !ok {
			return fmt.Errorf("%w: call %s was not issued by the last assistant message", ErrCorrelation, m.ToolCallID)
		}
	}

	m = m.Clone()
	t.messages = append(t.messages, m)
	t.track(m)
	return nil
}

func (t *Thread) track(m Message) {
	switch m.Role {
	case RoleAssistant:
		t.pending = make(map[string]struct{}, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			t.pending[tc.ID] = struct{}{}
		}
	case RoleTool:
		delete(t.pending, m.ToolCallID)
		t.answered[m.ToolCallID] = struct{}{}
	}
}

// Answered reports whether a tool result for callID is already in the
// thread.
func (t *Thread) Answered(callID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.answered[callID]
	return ok
}

// Unanswered returns the tool calls of the most recent assistant
// message that have no result yet, in call order.
func (t *Thread) Unanswered() []ToolCall {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.pending) == 0 {
		return nil
	}
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].Role != RoleAssistant {
			continue
		}
		var out []ToolCall
		for _, tc := range t.messages[i].ToolCalls {
			if _, ok := t.pending[tc.ID]; ok {
				out = append(out, tc)
			}
		}
		return out
	}
	return nil
}

// Messages returns a deep copy of the full history.
func (t *Thread) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return CloneMessages(t.messages)
}

// Len returns the number of messages in the thread.
func (t *Thread) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Appended returns the number of messages added since the thread was
// loaded.
func (t *Thread) Appended() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages) - t.loaded
}

// Last returns the most recent message, if any.
func (t *Thread) Last() (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.messages) == 0 {
		return Message{}, false
	}
	return t.messages[len(t.messages)-1].Clone(), true
}

// FirstUserText returns the text of the first user message, or "".
func (t *Thread) FirstUserText() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return FirstUserText(t.messages)
}

// FirstUserText returns the text of the first user message in msgs.
func FirstUserText(msgs []Message) string {
	for _, m := range msgs {
		if m.Role == RoleUser {
			return m.Content.Text()
		}
	}
	return ""
}

// ValidateCorrelation checks a complete history: every tool-result message
// must answer a call issued by the nearest preceding assistant message, and
// no call ID may be answered twice.
func ValidateCorrelation(msgs []Message) error {
	answered := make(map[string]struct{})
	pending := map[string]struct{}{}
	for i, m := range msgs {
		switch m.Role {
		case RoleAssistant:
			pending = make(map[string]struct{}, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				pending[tc.ID] = struct{}{}
			}
		case RoleTool:
			if _, dup := answered[m.ToolCallID]; dup {
				return fmt.Errorf("%w: message %d answers %s twice", ErrCorrelation, i, m.ToolCallID)
			}
			if _, ok := pending[m.ToolCallID]; !ok {
				return fmt.Errorf("%w: message %d answers unknown call %q", ErrCorrelation, i, m.ToolCallID)
			}
			delete(pending, m.ToolCallID)
			answered[m.ToolCallID] = struct{}{}
		}
	}
	return nil
}

// IsPrefix reports whether prev is a prefix of next, comparing role,
// text, and tool call identity. It is used to guard checkpoint writes
// against history being rewritten.
func IsPrefix(prev, next []Message) bool {
	if len(prev) > len(next) {
		return false
	}
	for i := range prev {
		if !sameMessage(prev[i], next[i]) {
			return false
		}
	}
	return true
}

func sameMessage(a, b Message) bool {
	if a.Role != b.Role || a.ToolCallID != b.ToolCallID || a.Content.Text() != b.Content.Text() {
		return false
	}
	if len(a.ToolCalls) != len(b.ToolCalls) {
		return false
	}
	for i := range a.ToolCalls {
		if a.ToolCalls[i].ID != b.ToolCalls[i].ID || a.ToolCalls[i].Name != b.ToolCalls[i].Name {
			return false
		}
	}
	return true
}
