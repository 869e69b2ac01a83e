package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nugget/parley/internal/httpkit"
)

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// Brave queries the Brave Search web endpoint. Its descriptions carry
// <strong> highlighting, which the Manager strips.
type Brave struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

func NewBrave(apiKey string) *Brave {
	return &Brave{
		apiKey:     apiKey,
		endpoint:   braveEndpoint,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

func (b *Brave) Name() string { return "brave" }

type braveResponse struct {
	Web struct {
		Results []braveHit `json:"results"`
	} `json:"web"`
}

type braveHit struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

func (h braveHit) result() Result {
	return Result{Title: h.Title, URL: h.URL, Snippet: h.Description}
}

func (b *Brave) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", strconv.Itoa(resultCount(opts, 5)))
	q.Set("result_filter", "web")
	if opts.Language != "" {
		q.Set("search_lang", opts.Language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("brave: build request: %w", err)
	}
	req.Header.Set("X-Subscription-Token", b.apiKey)

	var body braveResponse
	if err := fetchJSON(b.httpClient, b.Name(), req, &body); err != nil {
		return nil, err
	}

	results := make([]Result, len(body.Web.Results))
	for i, h := range body.Web.Results {
		results[i] = h.result()
	}
	return results, nil
}
