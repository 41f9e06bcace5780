package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dgallion1/dococr/internal/blob"
	"github.com/dgallion1/dococr/internal/document"
	"github.com/dgallion1/dococr/internal/parser"
	"github.com/dgallion1/dococr/internal/source"
)

// Upload is a file received at the upload boundary.
type Upload struct {
	Data     []byte
	MimeType string
	Filename string
	Title    string
	Language string
	Trigger  Trigger
}

// IngestResult is the document an upload resolved to. Duplicate is set when
// byte-identical content was already stored.
type IngestResult struct {
	Document  *document.Document `json:"document"`
	Duplicate bool               `json:"duplicate"`
}

var extensions = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/gif":       ".gif",
	"image/bmp":       ".bmp",
	"image/tiff":      ".tiff",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
	"text/markdown":   ".md",
	"text/x-markdown": ".md",
	"text/csv":        ".csv",
	"text/html":       ".html",
	parser.DOCXType:   ".docx",
}

// Extension is the stored file extension for a MIME type.
func Extension(mimeType string) string {
	if ext, ok := extensions[parser.BaseType(mimeType)]; ok {
		return ext
	}
	return ".bin"
}

// Ingest validates an upload, stores the file under its content hash and
// queues a new document. Byte-identical content resolves to the existing
// document without queuing anything.
func (o *Orchestrator) Ingest(ctx context.Context, u Upload) (*IngestResult, error) {
	if len(u.Data) == 0 {
		return nil, ErrEmptyUpload
	}
	if o.cfg.MaxUploadBytes > 0 && int64(len(u.Data)) > o.cfg.MaxUploadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(u.Data))
	}
	mimeType := parser.BaseType(u.MimeType)
	if !source.Supported(mimeType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, u.MimeType)
	}

	hash := blob.HashBytes(u.Data)
	if existing, err := o.store.FindByHash(ctx, hash); err != nil {
		return nil, err
	} else if existing != nil {
		return &IngestResult{Document: existing, Duplicate: true}, nil
	}

	if _, err := o.blobs.Put(u.Data, Extension(mimeType)); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	filename := filepath.Base(strings.TrimSpace(u.Filename))
	if filename == "." || filename == "/" {
		filename = ""
	}
	title := strings.TrimSpace(u.Title)
	if title == "" {
		title = filename
	}
	language := strings.TrimSpace(u.Language)
	if language == "" {
		language = o.cfg.DefaultLanguage
	}

	doc, err := o.store.Create(ctx, document.Metadata{
		Hash:     hash,
		Title:    title,
		Filename: filename,
		Size:     int64(len(u.Data)),
		MimeType: mimeType,
		Language: language,
	})
	var dup *document.DuplicateError
	if errors.As(err, &dup) {
		// Lost a race with a concurrent identical upload.
		existing, getErr := o.store.FindByHash(ctx, hash)
		if getErr != nil || existing == nil {
			return nil, err
		}
		return &IngestResult{Document: existing, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}

	trigger := u.Trigger
	if trigger == "" {
		trigger = TriggerUpload
	}
	run, err := o.runs.Acquire(doc.ID, trigger)
	if err != nil {
		return nil, err
	}
	if err := o.submit(doc.ID, run); err != nil {
		o.worker.fail(ctx, doc.ID, run, err.Error())
		return nil, err
	}
	o.log.Info("document queued", "doc_id", doc.ID, "filename", filename, "mime", mimeType, "size", len(u.Data))
	return &IngestResult{Document: doc}, nil
}
