package search

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nugget/parley/internal/tools"
)

// ToolName is the name the model uses for web search.
const ToolName = "web_search"

// Tool wraps mgr as the web_search tool. maxResults caps how many
// results the model can ask for and is the default when it asks for
// none.
func Tool(mgr *Manager, maxResults int) *tools.Tool {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &tools.Tool{
		Name: ToolName,
		Description: "Search the web for current information. Use this for news, recent events, " +
			"facts you are unsure about, or anything that may have changed after your training.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query string.",
				},
				"count": map[string]any{
					"type":        "integer",
					"description": fmt.Sprintf("Maximum number of results to return (1-%d). Default: %d.", maxResults, maxResults),
				},
				"language": map[string]any{
					"type":        "string",
					"description": "ISO 639-1 language code for results (e.g., 'en', 'de').",
				},
			},
			"required": []string{"query"},
		},
		Handler: handler(mgr, maxResults),
	}
}

func handler(mgr *Manager, maxResults int) tools.Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		query, _ := args["query"].(string)
		if query == "" {
			return "", fmt.Errorf("%w: query is required", tools.ErrInvalidArguments)
		}

		opts := Options{Count: maxResults}
		if count, ok := args["count"].(float64); ok && count > 0 && int(count) < maxResults {
			opts.Count = int(count)
		}
		if lang, ok := args["language"].(string); ok {
			opts.Language = lang
		}

		results, err := mgr.Search(ctx, query, opts)
		if err != nil {
			return "", err
		}
		if len(results) > opts.Count {
			results = results[:opts.Count]
		}

		out, err := json.Marshal(map[string]any{
			"query":   query,
			"results": results,
		})
		if err != nil {
			return FormatResults(results), nil
		}
		return string(out), nil
	}
}
