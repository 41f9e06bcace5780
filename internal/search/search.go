// Package search finds documents whose extracted page text contains a query
// and builds highlighted snippets around the matches.
package search

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/dgallion1/dococr/internal/document"
	"github.com/dgallion1/dococr/internal/store"
)

// Snippet window, in runes, measured from the start of the first match on a
// page. A match longer than SnippetAfter is still included whole.
const (
	SnippetBefore = 60
	SnippetAfter  = 200
	Ellipsis      = "..."
)

// Request is one search call. Zero Page and Limit take the defaults.
type Request struct {
	Query string
	Page  int
	Limit int
}

// Span is a highlighted [Start, End) rune range inside a snippet.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// PageHit is one matching page.
type PageHit struct {
	PageNumber int     `json:"pageNumber"`
	Confidence float64 `json:"confidence"`
	Snippet    string  `json:"snippet"`
	MatchIndex int     `json:"matchIndex"`
	Highlights []Span  `json:"highlights"`
}

// Result is one matching document with its matching pages in page order.
type Result struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Filename   string    `json:"filename"`
	Status     string    `json:"status"`
	TotalPages int       `json:"totalPages"`
	Pages      []PageHit `json:"pages"`
}

type Response struct {
	Query   string   `json:"query"`
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Page    int      `json:"page"`
	Limit   int      `json:"limit"`
}

// Engine runs searches against a store and counts them.
type Engine struct {
	store    store.Store
	searches atomic.Int64
}

func NewEngine(st store.Store) *Engine {
	return &Engine{store: st}
}

// Search returns documents with at least one page containing req.Query,
// most recently updated first. A blank query returns no results; any other
// query is matched as given, surrounding spaces included.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	p := store.Pagination{Page: req.Page, Limit: req.Limit}.Normalize()
	resp := &Response{Query: req.Query, Results: []Result{}, Page: p.Page, Limit: p.Limit}

	query := req.Query
	if strings.TrimSpace(query) == "" {
		return resp, nil
	}
	e.searches.Add(1)

	docs, err := e.store.Search(ctx, store.Filter{Contains: query, InText: true}, p)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	for _, d := range docs {
		if r, ok := match(d, query); ok {
			resp.Results = append(resp.Results, r)
		}
	}
	resp.Total = len(resp.Results)
	return resp, nil
}

// Searches is the number of non-empty searches served.
func (e *Engine) Searches() int64 { return e.searches.Load() }

// CountSearch records a search run elsewhere, such as a client-side filter.
func (e *Engine) CountSearch() int64 { return e.searches.Add(1) }

func match(d *document.Document, query string) (Result, bool) {
	r := Result{
		ID:         d.ID,
		Title:      d.Title,
		Filename:   d.Filename,
		Status:     string(d.Status),
		TotalPages: len(d.Pages),
	}
	for _, p := range d.Pages {
		if p.Text == "" {
			continue
		}
		snip, ok := MakeSnippet(p.Text, query)
		if !ok {
			continue
		}
		r.Pages = append(r.Pages, PageHit{
			PageNumber: p.PageNumber,
			Confidence: p.Confidence,
			Snippet:    snip.Text,
			MatchIndex: snip.MatchIndex,
			Highlights: snip.Highlights,
		})
	}
	return r, len(r.Pages) > 0
}
