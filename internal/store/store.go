// Package store persists documents and their pages. It is the single source
// of truth for extraction status.
package store

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/dgallion1/dococr/internal/document"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 50
)

// Store is implemented by Memory and SQLite.
type Store interface {
	// FindByHash returns nil, nil when no document has the hash.
	FindByHash(ctx context.Context, hash string) (*document.Document, error)
	Get(ctx context.Context, id string) (*document.Document, error)
	// Create fails with *document.DuplicateError if the hash exists.
	Create(ctx context.Context, meta document.Metadata) (*document.Document, error)

	SetPageCount(ctx context.Context, id string, n int) (*document.Document, error)
	UpdatePage(ctx context.Context, id string, pageNumber int, patch document.PagePatch) (*document.Document, error)
	MarkFailed(ctx context.Context, id, reason string) (*document.Document, error)
	ResetForReprocess(ctx context.Context, id string) (*document.Document, error)

	Search(ctx context.Context, f Filter, p Pagination) ([]*document.Document, error)
	RecoverInterrupted(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Filter selects documents by case-insensitive substring.
type Filter struct {
	Contains string
	InTitle  bool
	InText   bool
}

// All reports whether the filter matches every document.
func (f Filter) All() bool {
	return f.Contains == "" || (!f.InTitle && !f.InText)
}

// Match applies the filter to one document.
func (f Filter) Match(d *document.Document) bool {
	if f.All() {
		return true
	}
	if f.InTitle && document.ContainsFold(d.Title, f.Contains) {
		return true
	}
	if f.InText {
		for _, p := range d.Pages {
			if document.ContainsFold(p.Text, f.Contains) {
				return true
			}
		}
	}
	return false
}

// Pagination is a 1-based page of results.
type Pagination struct {
	Page  int
	Limit int
}

// Normalize applies defaults: page < 1 becomes 1, limit 0 becomes
// DefaultPageSize, other values are clamped to [1, MaxPageSize].
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	switch {
	case p.Limit == 0:
		p.Limit = DefaultPageSize
	case p.Limit < 1:
		p.Limit = 1
	case p.Limit > MaxPageSize:
		p.Limit = MaxPageSize
	}
	return p
}

// Offset is the number of documents to skip. It saturates at math.MaxInt
// for page numbers whose offset would overflow.
func (p Pagination) Offset() int {
	if p.Page < 1 || p.Limit < 1 {
		return 0
	}
	if p.Page-1 > math.MaxInt/p.Limit {
		return math.MaxInt
	}
	return (p.Page - 1) * p.Limit
}

// Stats are aggregate counts.
type Stats struct {
	Documents int            `json:"documents"`
	Pages     int            `json:"pages"`
	ByStatus  map[string]int `json:"by_status"`
}

// clock hands out strictly increasing timestamps so that updatedAt ordering
// is total even when two mutations land in the same clock tick.
type clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func newClock() *clock {
	return &clock{now: time.Now}
}

func (c *clock) tick() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC()
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}

func (c *clock) observe(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.last) {
		c.last = t
	}
}
