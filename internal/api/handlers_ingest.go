package api

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/dgallion1/dococr/internal/document"
	"github.com/dgallion1/dococr/internal/pipeline"
	"github.com/dgallion1/dococr/internal/source"
)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Limit total request size.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+1024*1024) // extra 1MB for form overhead

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			jsonError(w, "upload exceeds size limit", http.StatusRequestEntityTooLarge)
			return
		}
		jsonError(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, "no file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	filename := sanitizeFilename(header.Filename)
	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil {
		jsonError(w, "failed to read file", http.StatusInternalServerError)
		return
	}

	res, err := s.orchestrator.Ingest(r.Context(), pipeline.Upload{
		Data:     data,
		MimeType: source.DetectMIME(filename, header.Header.Get("Content-Type"), data),
		Filename: filename,
		Title:    r.FormValue("title"),
		Language: r.FormValue("language"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if res.Duplicate {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":        true,
			"duplicate": true,
			"docId":     res.Document.ID,
			"document":  res.Document,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok":         true,
		"docId":      res.Document.ID,
		"document":   res.Document,
		"events_url": "/api/events/" + res.Document.ID,
	})
}

// writeError maps pipeline and store errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, document.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, pipeline.ErrBusy):
		code = http.StatusConflict
	case errors.Is(err, pipeline.ErrEmptyUpload):
		code = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrUnsupportedType):
		code = http.StatusUnsupportedMediaType
	case errors.Is(err, pipeline.ErrTooLarge):
		code = http.StatusRequestEntityTooLarge
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, document.ErrStorageUnavailable):
		code = http.StatusServiceUnavailable
	}
	if code >= 500 {
		s.log.Error("request failed", "path", r.URL.Path, "error", err)
	}
	jsonError(w, err.Error(), code)
}

func sanitizeFilename(name string) string {
	// Browsers on Windows may send the full client path.
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" || name == "." || name == "/" {
		name = "unnamed"
	}
	return name
}
