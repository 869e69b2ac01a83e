package prompts

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSystem(t *testing.T) {
	now := time.Date(2025, 3, 14, 23, 30, 0, 0, time.FixedZone("X", -5*3600))

	got := System("", now)
	if !strings.HasPrefix(got, DefaultSystemPrompt) {
		t.Error("empty base should fall back to the default prompt")
	}
	if !strings.HasSuffix(got, "Today is Saturday, 2025-03-15 (UTC).") {
		t.Errorf("date suffix wrong: %q", got)
	}

	custom := System("  Be terse.  ", now)
	if !strings.HasPrefix(custom, "Be terse.\n\n") {
		t.Errorf("custom prompt = %q", custom)
	}
}

func TestToolError(t *testing.T) {
	if got := ToolError(errors.New("unknown tool")); got != "Error: unknown tool" {
		t.Errorf("ToolError = %q", got)
	}
}
