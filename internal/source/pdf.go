package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dgallion1/dococr/internal/extract"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var disableConfigDir sync.Once

func pdfConfig() *model.Configuration {
	disableConfigDir.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// pdfSource splits a PDF with pdfcpu. Each page is handed on as a
// single-page PDF together with the raster images it embeds.
type pdfSource struct {
	data  []byte
	pages int
}

func newPDFSource(data []byte) (*pdfSource, error) {
	n, err := api.PageCount(bytes.NewReader(data), pdfConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if n < 1 {
		return nil, fmt.Errorf("%w: no pages", ErrCorrupt)
	}
	return &pdfSource{data: data, pages: n}, nil
}

func (s *pdfSource) PageCount() int { return s.pages }

func (s *pdfSource) Page(ctx context.Context, n int) (extract.PageInput, error) {
	if n < 1 || n > s.pages {
		return extract.PageInput{}, fmt.Errorf("page %d of %d: out of range", n, s.pages)
	}
	if err := ctx.Err(); err != nil {
		return extract.PageInput{}, err
	}
	sel := []string{strconv.Itoa(n)}

	var buf bytes.Buffer
	if err := api.Trim(bytes.NewReader(s.data), &buf, sel, pdfConfig()); err != nil {
		return extract.PageInput{}, fmt.Errorf("split page %d: %w", n, err)
	}

	return extract.PageInput{
		PageNumber: n,
		Data:       buf.Bytes(),
		MimeType:   "application/pdf",
		Images:     s.images(sel),
	}, nil
}

// images returns the page's embedded images. Extraction problems only cost
// the OCR fallback, so they are swallowed.
func (s *pdfSource) images(sel []string) []extract.Image {
	pages, err := api.ExtractImagesRaw(bytes.NewReader(s.data), sel, pdfConfig())
	if err != nil {
		return nil
	}
	var out []extract.Image
	for _, m := range pages {
		objNrs := make([]int, 0, len(m))
		for nr := range m {
			objNrs = append(objNrs, nr)
		}
		sort.Ints(objNrs)
		for _, nr := range objNrs {
			img := m[nr]
			mt := imageMIME(img.FileType)
			if mt == "" || img.Reader == nil {
				continue
			}
			data, err := io.ReadAll(img)
			if err != nil || len(data) == 0 {
				continue
			}
			out = append(out, extract.Image{Data: data, MimeType: mt})
		}
	}
	return out
}

func imageMIME(fileType string) string {
	switch strings.ToLower(fileType) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "tif", "tiff":
		return "image/tiff"
	}
	return ""
}
