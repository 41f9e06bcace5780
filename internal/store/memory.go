package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dgallion1/dococr/internal/document"
)

// Memory is a thread-safe in-process Store. Every mutation, including the
// aggregate status recomputation, happens under one lock, and callers only
// ever see clones.
type Memory struct {
	mu     sync.RWMutex
	docs   map[string]*document.Document
	byHash map[string]string
	clock  *clock
}

func NewMemory() *Memory {
	return &Memory{
		docs:   make(map[string]*document.Document),
		byHash: make(map[string]string),
		clock:  newClock(),
	}
}

func (m *Memory) FindByHash(_ context.Context, hash string) (*document.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byHash[hash]
	if !ok {
		return nil, nil
	}
	return m.docs[id].Clone(), nil
}

func (m *Memory) Get(_ context.Context, id string) (*document.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, document.ErrNotFound)
	}
	return d.Clone(), nil
}

func (m *Memory) Create(_ context.Context, meta document.Metadata) (*document.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byHash[meta.Hash]; ok {
		return nil, &document.DuplicateError{Hash: meta.Hash, ExistingID: existing}
	}
	now := m.clock.tick()
	d := &document.Document{
		ID:        document.NewID(),
		Hash:      meta.Hash,
		Title:     meta.Title,
		Filename:  meta.Filename,
		Size:      meta.Size,
		MimeType:  meta.MimeType,
		Language:  meta.Language,
		Status:    document.StatusQueued,
		Pages:     []document.Page{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.docs[d.ID] = d
	m.byHash[d.Hash] = d.ID
	return d.Clone(), nil
}

// mutate runs fn on the live document under the write lock and bumps
// updatedAt when fn succeeds.
func (m *Memory) mutate(id string, fn func(d *document.Document) error) (*document.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, document.ErrNotFound)
	}
	if err := fn(d); err != nil {
		return nil, err
	}
	d.UpdatedAt = m.clock.tick()
	return d.Clone(), nil
}

func (m *Memory) SetPageCount(_ context.Context, id string, n int) (*document.Document, error) {
	if n < 1 {
		return nil, fmt.Errorf("page count %d: %w", n, document.ErrInvalidPage)
	}
	return m.mutate(id, func(d *document.Document) error {
		d.Pages = resizePages(d.Pages, n)
		d.Status = document.StatusProcessing
		d.Error = ""
		return nil
	})
}

func (m *Memory) UpdatePage(_ context.Context, id string, pageNumber int, patch document.PagePatch) (*document.Document, error) {
	return m.mutate(id, func(d *document.Document) error {
		pages, err := upsertPage(d.Pages, pageNumber, patch)
		if err != nil {
			return err
		}
		d.Pages = pages
		d.Status = document.Aggregate(d.Status, d.Pages)
		return nil
	})
}

func (m *Memory) MarkFailed(_ context.Context, id, reason string) (*document.Document, error) {
	return m.mutate(id, func(d *document.Document) error {
		d.Status = document.StatusFailed
		d.Error = reason
		return nil
	})
}

func (m *Memory) ResetForReprocess(_ context.Context, id string) (*document.Document, error) {
	return m.mutate(id, func(d *document.Document) error {
		for i := range d.Pages {
			d.Pages[i] = document.Page{PageNumber: i + 1, Status: document.PagePending}
		}
		d.Status = document.StatusQueued
		d.Error = ""
		return nil
	})
}

func (m *Memory) Search(_ context.Context, f Filter, p Pagination) ([]*document.Document, error) {
	p = p.Normalize()
	m.mu.RLock()
	matched := make([]*document.Document, 0)
	for _, d := range m.docs {
		if f.Match(d) {
			matched = append(matched, d)
		}
	}
	sortRecent(matched)
	out := make([]*document.Document, 0, p.Limit)
	if off := p.Offset(); off < len(matched) {
		for _, d := range matched[off:min(len(matched), off+p.Limit)] {
			out = append(out, d.Clone())
		}
	}
	m.mu.RUnlock()
	return out, nil
}

func (m *Memory) RecoverInterrupted(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, d := range m.docs {
		if d.Status != document.StatusQueued && d.Status != document.StatusProcessing {
			continue
		}
		for i := range d.Pages {
			if d.Pages[i].Status == document.PageProcessing {
				document.Failed(interruptedReason).Apply(&d.Pages[i])
			}
		}
		d.Status = document.Aggregate(d.Status, d.Pages)
		d.UpdatedAt = m.clock.tick()
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{ByStatus: make(map[string]int)}
	for _, d := range m.docs {
		st.Documents++
		st.Pages += len(d.Pages)
		st.ByStatus[string(d.Status)]++
	}
	return st, nil
}

func (m *Memory) Close() error { return nil }

const interruptedReason = "interrupted before extraction finished"

// resizePages makes pages exactly n long, appending pending pages.
func resizePages(pages []document.Page, n int) []document.Page {
	if len(pages) > n {
		return pages[:n]
	}
	for i := len(pages) + 1; i <= n; i++ {
		pages = append(pages, document.Page{PageNumber: i, Status: document.PagePending})
	}
	return pages
}

// upsertPage patches an existing page or appends the next one in sequence.
func upsertPage(pages []document.Page, pageNumber int, patch document.PagePatch) ([]document.Page, error) {
	switch {
	case pageNumber >= 1 && pageNumber <= len(pages):
	case pageNumber == len(pages)+1:
		pages = append(pages, document.Page{PageNumber: pageNumber, Status: document.PagePending})
	default:
		return nil, fmt.Errorf("page %d of %d: %w", pageNumber, len(pages), document.ErrInvalidPage)
	}
	patch.Apply(&pages[pageNumber-1])
	return pages, nil
}

func sortRecent(docs []*document.Document) {
	sort.Slice(docs, func(i, j int) bool {
		a, b := docs[i], docs[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}
