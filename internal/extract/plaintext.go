package extract

import (
	"bytes"
	"context"
	"fmt"

	"github.com/dgallion1/dococr/internal/parser"
)

// Plaintext extracts text-bearing documents without recognition. The text is
// exact, so confidence is always 100.
type Plaintext struct{}

func (Plaintext) ExtractPage(_ context.Context, in PageInput) (Result, error) {
	p, err := parser.ForMIME(in.MimeType)
	if err != nil {
		return Result{}, err
	}
	text, err := p.Parse(bytes.NewReader(in.Data))
	if err != nil {
		return Result{}, fmt.Errorf("parse page %d: %w", in.PageNumber, err)
	}
	return Result{Text: text, Confidence: 100, Method: "text"}, nil
}
