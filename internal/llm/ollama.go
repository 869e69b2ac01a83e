package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/parley/internal/httpkit"
	"github.com/nugget/parley/internal/memory"
)

// OllamaClient is a client for a local Ollama server.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", "ollama"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			// Large local models can take minutes to load.
			httpkit.WithResponseHeaderTimeout(5*time.Minute),
		),
	}
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
	Options  *ollamaOptions   `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"` // Ollama returns object, not string
	} `json:"function"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// Chat sends a chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, req Request) (*ChatResponse, error) {
	return c.ChatStream(ctx, req, nil)
}

// ChatStream sends a chat request to Ollama, streaming tokens to
// callback when it is non-nil.
func (c *OllamaClient) ChatStream(ctx context.Context, req Request, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil
	start := time.Now()

	wire := ollamaRequest{
		Model:    req.Model,
		Messages: convertToOllama(req.System, req.Messages),
		Stream:   stream,
		Tools:    req.Tools,
	}
	if req.Temperature != nil || req.MaxTokens > 0 {
		wire.Options = &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var final ollamaResponse
	if !stream {
		if err := json.NewDecoder(resp.Body).Decode(&final); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	} else {
		// Newline-delimited JSON chunks; the last has done=true.
		var content strings.Builder
		var calls []ollamaToolCall
		decoder := json.NewDecoder(resp.Body)
		for {
			var chunk ollamaResponse
			if err := decoder.Decode(&chunk); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, fmt.Errorf("decode stream chunk: %w", err)
			}
			if chunk.Error != "" {
				return nil, fmt.Errorf("ollama stream error: %s", chunk.Error)
			}
			if chunk.Message.Content != "" {
				content.WriteString(chunk.Message.Content)
				callback(StreamEvent{Kind: KindToken, Token: chunk.Message.Content})
			}
			calls = append(calls, chunk.Message.ToolCalls...)
			if chunk.Done {
				final = chunk
				break
			}
		}
		final.Message.Content = content.String()
		final.Message.ToolCalls = calls
	}
	if final.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", final.Error)
	}

	result := convertFromOllama(&final, extractToolNames(req.Tools), stream)
	result.Duration = time.Since(start)

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	return result, nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}

func convertToOllama(system string, messages []memory.Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, ollamaMessage{Role: "system", Content: system})
	}
	for _, m := range messages {
		om := ollamaMessage{Role: string(m.Role), Content: m.Content.Text()}
		switch m.Role {
		case memory.RoleAssistant:
			for _, tc := range m.ToolCalls {
				var call ollamaToolCall
				call.Function.Name = tc.Name
				call.Function.Arguments = tc.Arguments
				om.ToolCalls = append(om.ToolCalls, call)
			}
		case memory.RoleTool:
			om.ToolName = m.Name
		}
		out = append(out, om)
	}
	return out
}

// convertFromOllama builds the unified response. streamed keeps text
// that turned out to be a tool call, since the caller has already seen
// those tokens.
func convertFromOllama(resp *ollamaResponse, validTools []string, streamed bool) *ChatResponse {
	content := resp.Message.Content
	calls := resp.Message.ToolCalls

	// Many local models write the tool call as JSON in the content
	// instead of using the native field.
	if len(calls) == 0 && content != "" {
		if parsed := parseTextToolCalls(content, validTools); len(parsed) > 0 {
			calls = parsed
			if !streamed {
				content = ""
			}
		}
	}

	msg := memory.Message{
		Role:      memory.RoleAssistant,
		Content:   memory.TextContent(content),
		Timestamp: time.Now().UTC(),
	}
	for _, tc := range calls {
		// Ollama assigns no call IDs.
		msg.ToolCalls = append(msg.ToolCalls, memory.ToolCall{
			ID:        "call_" + uuid.NewString(),
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	return &ChatResponse{
		Model:        resp.Model,
		Message:      msg,
		StopReason:   resp.DoneReason,
		InputTokens:  resp.PromptEvalCount,
		OutputTokens: resp.EvalCount,
	}
}

// parseTextToolCalls extracts tool calls that a model wrote into its
// content instead of the native field. Accepted shapes: a JSON object
// {"name": ..., "arguments": {...}}, an array of those, several objects
// concatenated, any of these inside <tool_call> tags, and the
// `tool_name {json}` form. When validTools is non-empty, calls naming
// anything else are dropped so that prose about tools is not executed.
func parseTextToolCalls(content string, validTools []string) []ollamaToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	allowed := func(name string) bool {
		return name != "" && (len(validTools) == 0 || contains(validTools, name))
	}

	type textCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	var found []textCall

	switch {
	case strings.HasPrefix(content, "["):
		if err := json.Unmarshal([]byte(content), &found); err != nil {
			return nil
		}
	case strings.HasPrefix(content, "{"):
		// One or more objects back to back; stop at the first thing
		// that is not one.
		dec := json.NewDecoder(strings.NewReader(content))
		for {
			var c textCall
			if err := dec.Decode(&c); err != nil {
				break
			}
			found = append(found, c)
		}
	default:
		name, rest, ok := strings.Cut(content, " ")
		if !ok || len(validTools) == 0 || !contains(validTools, name) {
			return nil
		}
		var args map[string]any
		if err := json.NewDecoder(strings.NewReader(rest)).Decode(&args); err != nil {
			return nil
		}
		found = []textCall{{Name: name, Arguments: args}}
	}

	var result []ollamaToolCall
	for _, c := range found {
		if !allowed(c.Name) {
			continue
		}
		var tc ollamaToolCall
		tc.Function.Name = c.Name
		tc.Function.Arguments = c.Arguments
		result = append(result, tc)
	}
	return result
}

// extractToolNames lists the function names in OpenAI-format tool
// definitions.
func extractToolNames(tools []map[string]any) []string {
	if len(tools) == 0 {
		return nil
	}
	names := []string{}
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		if name, ok := fn["name"].(string); ok && name != "" {
			names = append(names, name)
		}
	}
	return names
}
