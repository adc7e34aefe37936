package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const defaultSearchEndpoint = "https://html.duckduckgo.com/html/"

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchConfig configures the DuckDuckGo HTML search service.
type SearchConfig struct {
	// Endpoint overrides the search URL; the query is set as parameter q.
	Endpoint   string
	Timeout    time.Duration
	MaxResults int
	UserAgent  string
}

// Search runs DuckDuckGo HTML searches. No API key is required.
type Search struct {
	endpoint   string
	client     *http.Client
	maxResults int
	userAgent  string
}

func NewSearch(cfg SearchConfig) *Search {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultSearchEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "stackrun/1.0"
	}
	return &Search{
		endpoint:   cfg.Endpoint,
		client:     &http.Client{Timeout: cfg.Timeout},
		maxResults: cfg.MaxResults,
		userAgent:  cfg.UserAgent,
	}
}

func (*Search) Name() string { return "search" }

func (s *Search) Methods() map[string]Method {
	return map[string]Method{"query": s.query}
}

func (s *Search) query(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	in.Query = strings.TrimSpace(in.Query)
	if in.Query == "" {
		return nil, errors.New("query is required")
	}
	limit := s.maxResults
	if in.Limit > 0 && in.Limit < limit {
		limit = in.Limit
	}
	results, err := s.Search(ctx, in.Query, limit)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []SearchResult{}
	}
	return encode(map[string]any{"query": in.Query, "results": results})
}

// Search fetches and parses one results page.
func (s *Search) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	endpoint, err := searchURL(s.endpoint, query)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("search endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return parseHTMLResults(string(body), limit), nil
}

func searchURL(endpoint, query string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

var (
	reResultLink    = regexp.MustCompile(`(?i)<a[^>]+class="result__a"[^>]*href="([^"]*)"[^>]*>(.*?)</a>`)
	reResultSnippet = regexp.MustCompile(`(?i)<a[^>]+class="result__snippet"[^>]*>(.*?)</a>`)
	reTag           = regexp.MustCompile(`<[^>]+>`)
)

func parseHTMLResults(html string, limit int) []SearchResult {
	links := reResultLink.FindAllStringSubmatch(html, 2*limit)
	snippets := reResultSnippet.FindAllStringSubmatch(html, 2*limit)

	var results []SearchResult
	for i, link := range links {
		rawURL := link[1]
		// DuckDuckGo wraps URLs in a redirect; extract the actual URL.
		if u, err := url.Parse(rawURL); err == nil {
			if actual := u.Query().Get("uddg"); actual != "" {
				rawURL = actual
			}
		}
		snippet := ""
		if i < len(snippets) {
			snippet = stripTags(snippets[i][1])
		}
		results = append(results, SearchResult{
			Title:   stripTags(link[2]),
			URL:     rawURL,
			Snippet: snippet,
		})
		if len(results) >= limit {
			break
		}
	}
	return results
}

func stripTags(s string) string {
	return strings.TrimSpace(reTag.ReplaceAllString(s, ""))
}
