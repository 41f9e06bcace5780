package extract

import (
	"strings"

	"github.com/dgallion1/dococr/internal/document"
)

// MaxPageRunes bounds the text stored for one page.
const MaxPageRunes = 200_000

// Normalize makes extractor output safe to store: valid UTF-8 without NULs,
// trimmed, capped at MaxPageRunes, confidence clamped to [0,100].
func Normalize(r Result) Result {
	text := document.Sanitize(r.Text)
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if runes := []rune(text); len(runes) > MaxPageRunes {
		text = string(runes[:MaxPageRunes])
	}
	r.Text = text
	r.Confidence = document.ClampConfidence(r.Confidence)
	return r
}
