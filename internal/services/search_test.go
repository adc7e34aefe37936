package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseHTMLResults(t *testing.T) {
	html := `<a class="result__a" href="https://example.com">Example <b>Title</b></a>
		<a class="result__snippet">Example snippet text</a>
		<a class="result__a" href="/l/?uddg=https%3A%2F%2Freal.com%2Fpage">Other Title</a>
		<a class="result__snippet">Other snippet</a>`

	results := parseHTMLResults(html, 5)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Title != "Example Title" {
		t.Errorf("expected title 'Example Title', got %q", results[0].Title)
	}
	if results[0].Snippet != "Example snippet text" {
		t.Errorf("unexpected snippet %q", results[0].Snippet)
	}
	if results[1].URL != "https://real.com/page" {
		t.Errorf("expected uddg-extracted URL, got %q", results[1].URL)
	}

	if got := parseHTMLResults(html, 1); len(got) != 1 {
		t.Fatalf("limit ignored: %d results", len(got))
	}
}

func TestSearch_QueryAgainstEndpoint(t *testing.T) {
	var gotQuery, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(`<a class="result__a" href="https://go.dev">Go</a><a class="result__snippet">The Go language</a>`))
	}))
	defer srv.Close()

	s := NewSearch(SearchConfig{Endpoint: srv.URL + "/html/"})
	res, err := s.query(context.Background(), json.RawMessage(`{"query":" golang "}`))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if gotQuery != "golang" || gotUA != "stackrun/1.0" {
		t.Fatalf("request q=%q ua=%q", gotQuery, gotUA)
	}
	var out struct {
		Query   string         `json:"query"`
		Results []SearchResult `json:"results"`
	}
	if err := json.Unmarshal(res, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Query != "golang" || len(out.Results) != 1 || out.Results[0].URL != "https://go.dev" {
		t.Fatalf("unexpected result %s", res)
	}
}

func TestSearch_EmptyQueryAndHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewSearch(SearchConfig{Endpoint: srv.URL})
	if _, err := s.query(context.Background(), json.RawMessage(`{"query":""}`)); err == nil {
		t.Fatal("expected error for empty query")
	}
	if _, err := s.query(context.Background(), json.RawMessage(`{"query":"x"}`)); err == nil {
		t.Fatal("expected error for 429 response")
	}
}

func TestSearch_NoResultsIsEmptyList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html></html>`))
	}))
	defer srv.Close()

	res, err := NewSearch(SearchConfig{Endpoint: srv.URL}).query(context.Background(), json.RawMessage(`{"query":"x"}`))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if string(res) != `{"query":"x","results":[]}` {
		t.Fatalf("result = %s", res)
	}
}
