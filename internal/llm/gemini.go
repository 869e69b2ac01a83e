package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/parley/internal/httpkit"
	"github.com/nugget/parley/internal/memory"
)

const geminiAPIURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiClient is a client for the Gemini generateContent API.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(apiKey string, logger *slog.Logger) *GeminiClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiClient{
		apiKey:  apiKey,
		baseURL: geminiAPIURL,
		logger:  logger.With("provider", "gemini"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithResponseHeaderTimeout(120*time.Second),
		),
	}
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	Thought          bool                    `json:"thought,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiFunctionDeclaration struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

// Chat sends a non-streaming generateContent request.
func (c *GeminiClient) Chat(ctx context.Context, req Request) (*ChatResponse, error) {
	return c.ChatStream(ctx, req, nil)
}

// ChatStream sends a request to streamGenerateContent when callback is
// non-nil, generateContent otherwise.
func (c *GeminiClient) ChatStream(ctx context.Context, req Request, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil
	start := time.Now()

	wire := geminiRequest{
		Contents: convertToGemini(req.Messages),
		Tools:    convertToolsToGemini(req.Tools),
	}
	if req.System != "" {
		wire.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	if req.Temperature != nil || req.MaxTokens > 0 {
		wire.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"contents", len(wire.Contents),
		"stream", stream,
	)
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	method := "generateContent"
	query := ""
	if stream {
		method = "streamGenerateContent"
		query = "?alt=sse"
	}
	endpoint := fmt.Sprintf("%s/models/%s:%s%s", c.baseURL, url.PathEscape(req.Model), method, query)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("gemini API error %d: %s", resp.StatusCode, errBody)
	}

	var result *ChatResponse
	if stream {
		result, err = c.handleStreaming(resp.Body, callback)
	} else {
		var gr geminiResponse
		if err = json.NewDecoder(resp.Body).Decode(&gr); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		result, err = convertFromGemini(&gr)
	}
	if err != nil {
		return nil, err
	}
	if result.Model == "" {
		result.Model = req.Model
	}
	result.Duration = time.Since(start)

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
		"finish_reason", result.StopReason,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content.Text())
	return result, nil
}

// handleStreaming reads SSE chunks. Each chunk is a partial
// GenerateContentResponse whose text parts continue the same answer.
func (c *GeminiClient) handleStreaming(body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		text   strings.Builder
		calls  []memory.ToolCall
		result = &ChatResponse{}
	)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk geminiResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.PromptFeedback != nil && chunk.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("gemini blocked prompt: %s", chunk.PromptFeedback.BlockReason)
		}
		if chunk.ModelVersion != "" {
			result.Model = chunk.ModelVersion
		}
		if chunk.UsageMetadata.PromptTokenCount > 0 {
			result.InputTokens = chunk.UsageMetadata.PromptTokenCount
		}
		if chunk.UsageMetadata.CandidatesTokenCount > 0 {
			result.OutputTokens = chunk.UsageMetadata.CandidatesTokenCount
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		cand := chunk.Candidates[0]
		if cand.FinishReason != "" {
			result.StopReason = cand.FinishReason
		}
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				calls = append(calls, memory.ToolCall{
					ID:        p.FunctionCall.ID,
					Name:      p.FunctionCall.Name,
					Arguments: p.FunctionCall.Args,
				})
			case p.Text != "" && !p.Thought:
				text.WriteString(p.Text)
				callback(StreamEvent{Kind: KindToken, Token: p.Text})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	result.Message = memory.Message{
		Role:      memory.RoleAssistant,
		Content:   memory.TextContent(text.String()),
		ToolCalls: calls,
		Timestamp: time.Now().UTC(),
	}
	return result, nil
}

// Ping lists the model catalogue to verify the key.
func (c *GeminiClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models?pageSize=1", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("invalid API key")
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status from Gemini API: %d", resp.StatusCode)
	}
	return nil
}

// convertToGemini maps thread messages onto Gemini contents. Gemini has
// only "user" and "model" roles; tool results travel as user-role
// functionResponse parts, merged when several answer one model turn.
// System messages are dropped here; framing goes in systemInstruction.
func convertToGemini(messages []memory.Message) []geminiContent {
	var out []geminiContent
	for _, m := range messages {
		switch m.Role {
		case memory.RoleUser:
			out = append(out, geminiContent{Role: "user", Parts: textParts(m.Content)})

		case memory.RoleAssistant:
			parts := textParts(m.Content)
			for _, tc := range m.ToolCalls {
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{
					ID:   tc.ID,
					Name: tc.Name,
					Args: tc.Arguments,
				}})
			}
			if len(parts) == 0 {
				parts = []geminiPart{{Text: ""}}
			}
			out = append(out, geminiContent{Role: "model", Parts: parts})

		case memory.RoleTool:
			part := geminiPart{FunctionResponse: &geminiFunctionResponse{
				ID:       m.ToolCallID,
				Name:     m.Name,
				Response: map[string]any{"result": m.Content.Text()},
			}}
			if n := len(out); n > 0 && out[n-1].Role == "user" && isFunctionResponse(out[n-1]) {
				out[n-1].Parts = append(out[n-1].Parts, part)
				continue
			}
			out = append(out, geminiContent{Role: "user", Parts: []geminiPart{part}})
		}
	}
	return out
}

func isFunctionResponse(c geminiContent) bool {
	return len(c.Parts) > 0 && c.Parts[0].FunctionResponse != nil
}

func textParts(c memory.Content) []geminiPart {
	var parts []geminiPart
	for _, p := range c.Parts() {
		if p.Type == memory.PartText && p.Text != "" {
			parts = append(parts, geminiPart{Text: p.Text})
		}
	}
	return parts
}

func convertToolsToGemini(tools []map[string]any) []geminiTool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]geminiFunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		decl := geminiFunctionDeclaration{Name: name, Description: desc}
		// Gemini rejects an object schema with no properties.
		if params, ok := fn["parameters"].(map[string]any); ok {
			if props, ok := params["properties"].(map[string]any); !ok || len(props) > 0 {
				decl.Parameters = params
			}
		}
		decls = append(decls, decl)
	}
	return []geminiTool{{FunctionDeclarations: decls}}
}

func convertFromGemini(resp *geminiResponse) (*ChatResponse, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, fmt.Errorf("gemini blocked prompt: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini returned no candidates")
	}
	cand := resp.Candidates[0]

	var texts []string
	var calls []memory.ToolCall
	for _, p := range cand.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			calls = append(calls, memory.ToolCall{
				ID:        p.FunctionCall.ID,
				Name:      p.FunctionCall.Name,
				Arguments: p.FunctionCall.Args,
			})
		case p.Text != "" && !p.Thought:
			texts = append(texts, p.Text)
		}
	}

	return &ChatResponse{
		Model: resp.ModelVersion,
		Message: memory.Message{
			Role:      memory.RoleAssistant,
			Content:   textOrParts(texts),
			ToolCalls: calls,
			Timestamp: time.Now().UTC(),
		},
		StopReason:   cand.FinishReason,
		InputTokens:  resp.UsageMetadata.PromptTokenCount,
		OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
	}, nil
}
