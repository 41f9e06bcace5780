package search

import "github.com/dgallion1/dococr/internal/document"

// Snippet is a bounded excerpt around the first match in a text.
type Snippet struct {
	Text string
	// MatchIndex is the rune offset of the first match in the full text.
	MatchIndex int
	// Highlights are rune ranges in Text, ellipsis included.
	Highlights []Span
}

// MakeSnippet cuts the window [match-SnippetBefore, match+max(len(query), SnippetAfter))
// out of text, clipped to its bounds, and marks every occurrence of query
// inside it. Offsets are in runes. Invalid UTF-8 is replaced, never an error.
func MakeSnippet(text, query string) (Snippet, bool) {
	folded := document.FoldRunes(text)
	needle := document.FoldRunes(query)
	all := document.AllIndexesFold(folded, needle)
	if len(all) == 0 {
		return Snippet{}, false
	}
	runes := []rune(document.Sanitize(text))
	first := all[0]

	start := max(0, first-SnippetBefore)
	end := min(len(runes), first+max(len(needle), SnippetAfter))

	prefix := ""
	if start > 0 {
		prefix = Ellipsis
	}
	suffix := ""
	if end < len(runes) {
		suffix = Ellipsis
	}
	shift := len([]rune(prefix)) - start

	var spans []Span
	for _, idx := range all {
		if idx < start {
			continue
		}
		if idx+len(needle) > end {
			break
		}
		spans = append(spans, Span{Start: idx + shift, End: idx + len(needle) + shift})
	}

	return Snippet{
		Text:       prefix + string(runes[start:end]) + suffix,
		MatchIndex: first,
		Highlights: spans,
	}, true
}
