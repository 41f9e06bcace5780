// Package tesseract recognizes page images with the Tesseract OCR engine.
package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/dgallion1/dococr/internal/extract"
	"github.com/otiai10/gosseract/v2"
)

// Image encodings leptonica reads directly; anything else is converted to PNG.
var nativeTypes = []string{"image/png", "image/jpeg", "image/tiff", "image/bmp", "image/gif"}

// Engine implements extract.Extractor. A fresh gosseract client is created
// per page because clients are not safe for concurrent use.
type Engine struct {
	defaultLanguage string
	clientFactory   func() *gosseract.Client
}

func New(defaultLanguage string) *Engine {
	if defaultLanguage == "" {
		defaultLanguage = "eng"
	}
	return &Engine{defaultLanguage: defaultLanguage, clientFactory: gosseract.NewClient}
}

func (e *Engine) ExtractPage(ctx context.Context, in extract.PageInput) (extract.Result, error) {
	if err := ctx.Err(); err != nil {
		return extract.Result{}, err
	}
	img, err := extract.ConvertImage(in.Data, in.MimeType, nativeTypes...)
	if err != nil {
		return extract.Result{}, err
	}

	c := e.clientFactory()
	defer c.Close()

	if err := c.SetLanguage(Languages(in.Language, e.defaultLanguage)...); err != nil {
		return extract.Result{}, fmt.Errorf("set languages: %w", err)
	}
	if err := c.SetImageFromBytes(img.Data); err != nil {
		return extract.Result{}, fmt.Errorf("set image: %w", err)
	}
	text, err := c.Text()
	if err != nil {
		return extract.Result{}, fmt.Errorf("recognize text: %w", err)
	}

	return extract.Result{
		Text:       strings.TrimSpace(text),
		Confidence: averageConfidence(c),
		Method:     "tesseract",
	}, nil
}

// averageConfidence is the mean word confidence, already on a 0-100 scale.
func averageConfidence(c *gosseract.Client) float64 {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence
	}
	return sum / float64(len(boxes))
}

// Languages splits a Tesseract language spec such as "eng+deu". An empty
// spec yields the fallback.
func Languages(spec, fallback string) []string {
	var out []string
	for _, l := range strings.FieldsFunc(spec, func(r rune) bool { return r == '+' || r == ',' || r == ' ' }) {
		out = append(out, strings.ToLower(l))
	}
	if len(out) == 0 && fallback != "" {
		return Languages(fallback, "")
	}
	return out
}
