package source

import (
	"bytes"
	"context"
	"fmt"

	"github.com/dgallion1/dococr/internal/chunker"
	"github.com/dgallion1/dococr/internal/extract"
	"github.com/dgallion1/dococr/internal/parser"
)

// textSource is a text document parsed up front and split into pages of
// plain text.
type textSource struct {
	pages []string
}

func newTextSource(data []byte, mimeType string, pageTokens int) (Source, error) {
	p, err := parser.ForMIME(mimeType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	text, err := p.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	pages := chunker.Paginate(text, pageTokens)
	if len(pages) == 0 {
		// A blank document still has one (empty) page.
		pages = []string{""}
	}
	return &textSource{pages: pages}, nil
}

func (s *textSource) PageCount() int { return len(s.pages) }

func (s *textSource) Page(_ context.Context, n int) (extract.PageInput, error) {
	if n < 1 || n > len(s.pages) {
		return extract.PageInput{}, fmt.Errorf("page %d of %d: out of range", n, len(s.pages))
	}
	return extract.PageInput{PageNumber: n, Data: []byte(s.pages[n-1]), MimeType: "text/plain"}, nil
}
