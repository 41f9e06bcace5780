package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/dgallion1/dococr/internal/parser"
)

// Router dispatches a page to an Extractor by MIME type: images go to Image,
// PDF pages to PDF, and text documents to Text.
type Router struct {
	Image Extractor
	PDF   Extractor
	Text  Extractor
}

// NewRouter wires the default PDF and text extractors around an image
// recognizer. The PDF extractor reads the text layer and falls back to
// recognizing the page's embedded images.
func NewRouter(image Extractor, pdftotextFallback bool) *Router {
	return &Router{
		Image: image,
		PDF:   &PDFText{Parser: &parser.PDFParser{FallbackPdftotext: pdftotextFallback}, OCR: image},
		Text:  &Plaintext{},
	}
}

func (r *Router) ExtractPage(ctx context.Context, in PageInput) (Result, error) {
	var e Extractor
	mt := parser.BaseType(in.MimeType)
	switch {
	case strings.HasPrefix(mt, "image/"):
		e = r.Image
	case mt == "application/pdf":
		e = r.PDF
	case parser.IsSupported(mt):
		e = r.Text
	}
	if e == nil {
		return Result{}, fmt.Errorf("no extractor for %q", in.MimeType)
	}
	res, err := e.ExtractPage(ctx, in)
	if err != nil {
		return Result{}, err
	}
	return Normalize(res), nil
}
