// Package source opens stored uploads and splits them into pages.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/dgallion1/dococr/internal/chunker"
	"github.com/dgallion1/dococr/internal/extract"
	"github.com/dgallion1/dococr/internal/parser"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	ErrUnsupported = errors.New("unsupported file type")
	ErrCorrupt     = errors.New("file is unreadable or corrupt")
)

// ImageTypes are the raster formats accepted for OCR.
var ImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/bmp":  true,
	"image/tiff": true,
	"image/webp": true,
}

// Supported reports whether Open can handle mimeType.
func Supported(mimeType string) bool {
	mt := parser.BaseType(mimeType)
	return ImageTypes[mt] || mt == "application/pdf" || parser.IsSupported(mt)
}

// Source is an opened document with a known page count.
type Source interface {
	PageCount() int
	// Page returns page n (1-based) ready for extraction.
	Page(ctx context.Context, n int) (extract.PageInput, error)
}

// Opener opens a stored file. The pipeline takes one so tests can supply
// in-memory sources.
type Opener func(path, mimeType string) (Source, error)

// NewOpener returns an Opener that splits text documents into pages of
// about textPageTokens tokens.
func NewOpener(textPageTokens int) Opener {
	return func(path, mimeType string) (Source, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return fromBytes(data, mimeType, textPageTokens)
	}
}

// Open reads the file at path and interprets it as mimeType.
func Open(path, mimeType string) (Source, error) {
	return NewOpener(chunker.DefaultPageTokens)(path, mimeType)
}

// FromBytes interprets data as mimeType.
func FromBytes(data []byte, mimeType string) (Source, error) {
	return fromBytes(data, mimeType, chunker.DefaultPageTokens)
}

func fromBytes(data []byte, mimeType string, textPageTokens int) (Source, error) {
	mt := parser.BaseType(mimeType)
	switch {
	case ImageTypes[mt]:
		return newImageSource(data, mt)
	case mt == "application/pdf":
		return newPDFSource(data)
	case parser.IsSupported(mt):
		return newTextSource(data, mt, textPageTokens)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, mimeType)
	}
}

// singlePage is an image extracted as one page.
type singlePage struct {
	data     []byte
	mimeType string
}

func (s *singlePage) PageCount() int { return 1 }

func (s *singlePage) Page(_ context.Context, n int) (extract.PageInput, error) {
	if n != 1 {
		return extract.PageInput{}, fmt.Errorf("page %d of 1: out of range", n)
	}
	return extract.PageInput{PageNumber: 1, Data: s.data, MimeType: s.mimeType}, nil
}

func newImageSource(data []byte, mimeType string) (Source, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrCorrupt)
	}
	return &singlePage{data: data, mimeType: mimeType}, nil
}
