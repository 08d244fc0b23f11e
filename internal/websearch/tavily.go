// Package websearch pulls live snippets from the Tavily search API. Web
// results are an optional enrichment: every failure path yields an empty
// result set, never an error the request pipeline has to handle.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultBaseURL = "https://api.tavily.com"
	defaultTimeout = 10 * time.Second

	// providerMaxResults is what we ask Tavily for; the configured snippet
	// cap is applied after the fact.
	providerMaxResults = 8
)

// Snippet is one web search result.
type Snippet struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Client queries Tavily. A Client with an empty API key is valid and always
// returns no results.
type Client struct {
	apiKey      string
	baseURL     string
	maxSnippets int
	httpClient  *http.Client
}

// NewClient creates a Tavily client capped at maxSnippets results per query.
func NewClient(apiKey string, maxSnippets int) *Client {
	if maxSnippets <= 0 {
		maxSnippets = 6
	}
	return &Client{
		apiKey:      apiKey,
		baseURL:     defaultBaseURL,
		maxSnippets: maxSnippets,
		httpClient:  &http.Client{Timeout: defaultTimeout},
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(apiKey string, maxSnippets int, baseURL string) *Client {
	c := NewClient(apiKey, maxSnippets)
	c.baseURL = baseURL
	return c
}

type searchRequest struct {
	APIKey            string `json:"api_key"`
	Query             string `json:"query"`
	SearchDepth       string `json:"search_depth"`
	MaxResults        int    `json:"max_results"`
	IncludeAnswer     bool   `json:"include_answer"`
	IncludeRawContent bool   `json:"include_raw_content"`
}

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
		Snippet string `json:"snippet"`
	} `json:"results"`
}

// Search returns up to the configured number of snippets for query. Missing
// credentials, transport errors, non-200 responses and malformed bodies all
// degrade to an empty slice; failures are logged at debug level only.
func (c *Client) Search(ctx context.Context, query string) []Snippet {
	if c.apiKey == "" {
		return nil
	}

	body, err := json.Marshal(searchRequest{
		APIKey:      c.apiKey,
		Query:       query,
		SearchDepth: "advanced",
		MaxResults:  providerMaxResults,
	})
	if err != nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Debug("websearch: request failed", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Debug("websearch: unexpected status", "status", resp.StatusCode)
		return nil
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		slog.Debug("websearch: decoding response", "error", err)
		return nil
	}

	out := make([]Snippet, 0, c.maxSnippets)
	for _, r := range sr.Results {
		if len(out) >= c.maxSnippets {
			break
		}
		snippet := r.Content
		if snippet == "" {
			snippet = r.Snippet
		}
		out = append(out, Snippet{Title: r.Title, URL: r.URL, Snippet: snippet})
	}
	return out
}
