package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dgallion1/dococr/internal/document"
	"github.com/dgallion1/dococr/internal/store"
	"github.com/go-chi/chi/v5"
)

// docSummary is a document without page text.
type docSummary struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Filename    string          `json:"filename"`
	Size        int64           `json:"size"`
	MimeType    string          `json:"mimeType"`
	Language    string          `json:"language"`
	Status      document.Status `json:"status"`
	TotalPages  int             `json:"totalPages"`
	PagesDone   int             `json:"pagesDone"`
	PagesFailed int             `json:"pagesFailed"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func summarize(d *document.Document) docSummary {
	sum := docSummary{
		ID:         d.ID,
		Title:      d.Title,
		Filename:   d.Filename,
		Size:       d.Size,
		MimeType:   d.MimeType,
		Language:   d.Language,
		Status:     d.Status,
		TotalPages: len(d.Pages),
		Error:      d.Error,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
	for _, p := range d.Pages {
		switch p.Status {
		case document.PageDone:
			sum.PagesDone++
		case document.PageFailed:
			sum.PagesFailed++
		}
	}
	return sum
}

// pagination reads page and limit query parameters. Unparseable values are
// treated as missing.
func pagination(r *http.Request) store.Pagination {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return store.Pagination{Page: page, Limit: limit}.Normalize()
}

// handleListDocuments lists documents, optionally filtered by q over title
// and page text. in=title or in=text narrows the filter.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	p := pagination(r)
	f := store.Filter{Contains: strings.TrimSpace(r.URL.Query().Get("q")), InTitle: true, InText: true}
	switch r.URL.Query().Get("in") {
	case "title":
		f.InText = false
	case "text":
		f.InTitle = false
	}

	docs, err := s.store.Search(r.Context(), f, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]docSummary, 0, len(docs))
	for _, d := range docs {
		out = append(out, summarize(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents": out,
		"page":      p.Page,
		"limit":     p.Limit,
	})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Get(r.Context(), chi.URLParam(r, "docID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"doc": doc})
}

// handleGetRun reports the latest pipeline run for a document.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	run := s.orchestrator.Run(docID)
	if run == nil {
		jsonError(w, "no run for document", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run.Snapshot())
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	if err := s.orchestrator.Reprocess(r.Context(), docID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok":         true,
		"docId":      docID,
		"events_url": "/api/events/" + docID,
	})
}
