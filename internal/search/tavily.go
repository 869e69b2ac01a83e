package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nugget/parley/internal/httpkit"
)

const tavilyEndpoint = "https://api.tavily.com/search"

// Tavily implements the Provider interface for the Tavily search API.
type Tavily struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

// NewTavily creates a Tavily provider.
func NewTavily(apiKey string) *Tavily {
	return &Tavily{
		apiKey:     apiKey,
		endpoint:   tavilyEndpoint,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(20 * time.Second)),
	}
}

func (t *Tavily) Name() string { return "tavily" }

type tavilyRequest struct {
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth"`
	Topic       string `json:"topic"`
}

type tavilyResponse struct {
	Query   string `json:"query"`
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

func (t *Tavily) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	payload, err := json.Marshal(tavilyRequest{
		Query:       query,
		MaxResults:  resultCount(opts, 3),
		SearchDepth: "basic",
		Topic:       "general",
	})
	if err != nil {
		return nil, fmt.Errorf("tavily: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("tavily: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	var body tavilyResponse
	if err := fetchJSON(t.httpClient, t.Name(), req, &body); err != nil {
		return nil, err
	}

	results := make([]Result, len(body.Results))
	for i, r := range body.Results {
		results[i] = Result{Title: r.Title, URL: r.URL, Snippet: r.Content, Score: r.Score}
	}
	return results, nil
}
