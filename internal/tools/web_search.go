package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	defaultSearchCount  = 5
	maxSearchCount      = 10
	searchTimeout       = 30 * time.Second
	searchCacheTTL      = 5 * time.Minute
	searchUserAgent     = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	braveSearchEndpoint = "https://api.search.brave.com/res/v1/web/search"
)

// SearchBackend abstracts one web search provider.
type SearchBackend interface {
	Search(ctx context.Context, query string, count int) ([]searchResult, error)
	Name() string
}

type searchResult struct {
	Title       string
	URL         string
	Description string
}

// WebSearchTool queries the configured backends in priority order. Results
// are cached through the registry's result cache.
type WebSearchTool struct {
	backends []SearchBackend
}

// NewWebSearchTool builds the tool. Brave is preferred when a key is set,
// DuckDuckGo is the keyless fallback.
func NewWebSearchTool(braveAPIKey string) *WebSearchTool {
	var backends []SearchBackend
	if braveAPIKey != "" {
		backends = append(backends, newBraveBackend(braveAPIKey))
	}
	backends = append(backends, newDDGBackend())
	return &WebSearchTool{backends: backends}
}

func (t *WebSearchTool) Name() string { return "web_search" }
func (t *WebSearchTool) Description() string {
	return "Search the web for current information. Returns titles, URLs and snippets."
}

func (t *WebSearchTool) CacheKey(args map[string]interface{}) string {
	query, _ := args["query"].(string)
	count := defaultSearchCount
	if c, ok := asFloat(args["count"]); ok {
		count = int(c)
	}
	return fmt.Sprintf("%s|%d", query, count)
}

func (t *WebSearchTool) CacheTTL() time.Duration { return searchCacheTTL }

func (t *WebSearchTool) Timeout() time.Duration { return searchTimeout + 5*time.Second }

func (t *WebSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search query string",
			},
			"count": map[string]interface{}{
				"type":        "integer",
				"description": "Number of results to return",
				"minimum":     1,
				"maximum":     maxSearchCount,
			},
		},
		"required": []interface{}{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return ErrorResult("Error: query is required")
	}
	count := defaultSearchCount
	if c, ok := asFloat(args["count"]); ok && int(c) >= 1 && int(c) <= maxSearchCount {
		count = int(c)
	}

	var lastErr error
	for _, backend := range t.backends {
		results, err := backend.Search(ctx, query, count)
		if err != nil {
			slog.Warn("search backend failed", "backend", backend.Name(), "error", err)
			lastErr = err
			continue
		}
		return NewResult(formatSearchResults(query, results, backend.Name()))
	}
	return ErrorResult(fmt.Sprintf("Error: all search backends failed: %v", lastErr))
}

func formatSearchResults(query string, results []searchResult, backend string) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for: %s", query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Search results for: %s (via %s)\n\n", query, backend)
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Description != "" {
			fmt.Fprintf(&b, "   %s\n", r.Description)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
