package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, req Request) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. Text fragments are
	// delivered to callback as KindToken events, in order; their
	// concatenation equals the returned message text.
	ChatStream(ctx context.Context, req Request, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
