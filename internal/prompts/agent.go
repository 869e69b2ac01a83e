package prompts

import (
	"fmt"
	"strings"
	"time"
)

// DefaultSystemPrompt frames every model invocation unless config
// supplies its own.
const DefaultSystemPrompt = `You are a knowledgeable assistant. If a question is about software, answer it as an experienced engineer would. If it needs current information, such as news or today's date and time, use the tools available to you rather than guessing. Otherwise answer as an experienced, practical person would.

Keep answers direct. When a tool returns an error, tell the user what went wrong in plain words and, if you can, answer without it.`

// ModelFailureReply is the assistant text recorded when the model
// cannot be reached or returns something unusable. The turn still
// completes so the thread stays usable.
const ModelFailureReply = "Sorry, I couldn't get a response from the language model just now. Please try again in a moment."

// MalformedReply is used instead of ModelFailureReply when the model
// answered but its reply could not be parsed.
const MalformedReply = "Error: Could not parse LLM response."

// System returns the system prompt for a turn. base replaces
// [DefaultSystemPrompt] when non-empty; the current UTC date is
// appended so the model has a reference point without a tool call.
func System(base string, now time.Time) string {
	if strings.TrimSpace(base) == "" {
		base = DefaultSystemPrompt
	}
	return fmt.Sprintf("%s\n\nToday is %s (UTC).", strings.TrimSpace(base), now.UTC().Format("Monday, 2006-01-02"))
}

// ToolError renders a tool failure as result text for the model.
func ToolError(err error) string {
	return "Error: " + err.Error()
}
