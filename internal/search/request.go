package search

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nugget/parley/internal/httpkit"
)

// maxErrorBody bounds how much of a failed response ends up in an
// error message.
const maxErrorBody = 512

// fetchJSON sends req and decodes a 200 response into out. Errors are
// prefixed with the provider name.
func fetchJSON(client *http.Client, provider string, req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d: %s", provider, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, maxErrorBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", provider, err)
	}
	return nil
}

// resultCount is opts.Count, or def when the caller left it unset.
func resultCount(opts Options, def int) int {
	if opts.Count > 0 {
		return opts.Count
	}
	return def
}
