package tools

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "unknown tool",
			err:  &Error{Kind: UnknownTool, Tool: "web_search"},
			want: `tool "web_search" is not available`,
		},
		{
			name: "schema failure names the tool",
			err:  &Error{Kind: InvalidArguments, Tool: "echo", Err: errors.New(`missing required argument "text"`)},
			want: `invalid arguments for tool "echo": missing required argument "text"`,
		},
		{
			name: "handler rejection keeps its own message",
			err:  &Error{Kind: InvalidArguments, Tool: "echo", Err: fmt.Errorf("%w: text must not be blank", ErrInvalidArguments)},
			want: "text must not be blank",
		},
		{
			name: "bare sentinel",
			err:  &Error{Kind: InvalidArguments, Tool: "echo", Err: ErrInvalidArguments},
			want: "invalid arguments",
		},
		{
			name: "execution failure",
			err:  &Error{Kind: ExecutionFailed, Tool: "fetch", Err: errors.New("connection refused")},
			want: `tool "fetch" failed: connection refused`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("upstream unavailable")
	err := &Error{Kind: ExecutionFailed, Tool: "fetch", Err: cause}
	if err.Unwrap() != cause {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), cause)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the cause")
	}
	if (&Error{Kind: UnknownTool, Tool: "x"}).Unwrap() != nil {
		t.Error("Unwrap() of an unknown-tool error should be nil")
	}
}

func TestError_WrappedErrorsAs(t *testing.T) {
	orig := &Error{Kind: InvalidArguments, Tool: "get_current_time", Err: ErrInvalidArguments}
	wrapped := fmt.Errorf("turn step 2: %w", orig)

	var target *Error
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As failed to match wrapped *Error")
	}
	if target.Tool != "get_current_time" || target.Kind != InvalidArguments {
		t.Errorf("target = %+v", target)
	}
	if !errors.Is(wrapped, ErrInvalidArguments) {
		t.Error("errors.Is should find ErrInvalidArguments through both wraps")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"plain error", errors.New("some other error"), ""},
		{"direct", &Error{Kind: UnknownTool, Tool: "x"}, UnknownTool},
		{"wrapped", fmt.Errorf("ctx: %w", &Error{Kind: ExecutionFailed, Tool: "x"}), ExecutionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDispatchTimezoneErrorText(t *testing.T) {
	r := NewRegistry(quietLogger())
	r.Register(TimeTool(nil))

	tests := []struct {
		tz   string
		want string
	}{
		{"Bad-Zone!", "Invalid timezone format. Please use a valid IANA timezone string."},
		{"Mars/Olympus_Mons", "Unknown timezone or unable to get current time. Please use a valid IANA timezone string (e.g., 'America/Los_Angeles')."},
	}
	for _, tt := range tests {
		t.Run(tt.tz, func(t *testing.T) {
			_, err := r.Dispatch(context.Background(), TimeToolName, map[string]any{"timezone": tt.tz})
			if KindOf(err) != InvalidArguments {
				t.Fatalf("kind = %q, want %q", KindOf(err), InvalidArguments)
			}
			if got := err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}
