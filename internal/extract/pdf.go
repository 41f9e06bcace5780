package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dgallion1/dococr/internal/parser"
)

// MinTextLayerRunes is the shortest text layer trusted as real page text.
// Scanned pages often carry a few stray glyphs.
const MinTextLayerRunes = 16

// PDFText extracts a single-page PDF. It prefers the embedded text layer and
// falls back to running OCR over the page's raster images.
type PDFText struct {
	Parser *parser.PDFParser
	OCR    Extractor
}

func (p *PDFText) ExtractPage(ctx context.Context, in PageInput) (Result, error) {
	pages, layerErr := p.Parser.Pages(ctx, bytes.NewReader(in.Data))
	if layerErr == nil {
		text := strings.TrimSpace(strings.Join(pages, "\n\n"))
		if utf8.RuneCountInString(text) >= MinTextLayerRunes {
			return Result{Text: text, Confidence: 100, Method: "pdf-text"}, nil
		}
	}

	if p.OCR == nil || len(in.Images) == 0 {
		if layerErr != nil {
			return Result{}, layerErr
		}
		return Result{}, ErrNoText
	}

	var (
		texts   []string
		weights float64
		sum     float64
		lastErr error
	)
	for _, img := range in.Images {
		res, err := p.OCR.ExtractPage(ctx, PageInput{
			DocumentID: in.DocumentID,
			PageNumber: in.PageNumber,
			Data:       img.Data,
			MimeType:   img.MimeType,
			Language:   in.Language,
		})
		if err != nil {
			if IsRetryable(err) || errors.Is(err, context.Canceled) {
				return Result{}, err
			}
			lastErr = err
			continue
		}
		if res.Text == "" {
			continue
		}
		texts = append(texts, res.Text)
		w := float64(utf8.RuneCountInString(res.Text))
		sum += res.Confidence * w
		weights += w
	}
	if len(texts) == 0 {
		if lastErr != nil {
			return Result{}, fmt.Errorf("ocr page images: %w", lastErr)
		}
		return Result{}, ErrNoText
	}
	return Result{
		Text:       strings.Join(texts, "\n\n"),
		Confidence: sum / weights,
		Method:     "pdf-ocr",
	}, nil
}
