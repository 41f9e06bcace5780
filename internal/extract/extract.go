// Package extract turns a single document page into text and a confidence
// score. Implementations are interchangeable behind Extractor.
package extract

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoText is returned when a page yields no recognizable text.
var ErrNoText = errors.New("no text found on page")

// Image is an encoded raster image.
type Image struct {
	Data     []byte
	MimeType string
}

// PageInput is one page handed to an Extractor.
type PageInput struct {
	DocumentID string
	PageNumber int
	// Data is the page payload in MimeType: an image, a single-page PDF or a
	// text document.
	Data     []byte
	MimeType string
	// Images holds the raster images embedded in a PDF page, used when the
	// page has no text layer.
	Images   []Image
	Language string
}

// Result is the outcome of a successful extraction. Confidence is in [0,100].
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Method     string  `json:"method,omitempty"`
}

// Extractor extracts text from one page.
type Extractor interface {
	ExtractPage(ctx context.Context, in PageInput) (Result, error)
}

// Func adapts a function to Extractor.
type Func func(ctx context.Context, in PageInput) (Result, error)

func (f Func) ExtractPage(ctx context.Context, in PageInput) (Result, error) {
	return f(ctx, in)
}

// RetryableError indicates a transient failure that can be retried.
type RetryableError struct {
	StatusCode int
	Message    string
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error (status %d): %s", e.StatusCode, truncate(e.Message, 200))
}

// IsRetryable checks if an error is worth retrying.
func IsRetryable(err error) bool {
	var retryErr *RetryableError
	return errors.As(err, &retryErr)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
