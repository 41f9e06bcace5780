package document

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Sanitize replaces invalid UTF-8 and NUL bytes so stored text is always
// safe to match and serialize.
func Sanitize(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, 0) {
		return s
	}
	s = strings.ToValidUTF8(s, "�")
	return strings.ReplaceAll(s, "\x00", "")
}

// FoldRunes lowercases s rune by rune. The result has the same rune count
// as s, so indexes into it are valid indexes into []rune(s).
func FoldRunes(s string) []rune {
	rs := []rune(Sanitize(s))
	for i, r := range rs {
		rs[i] = unicode.ToLower(r)
	}
	return rs
}

// IndexFold returns the rune offset of the first case-insensitive
// occurrence of query in text, or -1.
func IndexFold(text, query string) int {
	return indexRunes(FoldRunes(text), FoldRunes(query), 0)
}

// ContainsFold reports whether text contains query, ignoring case.
// An empty query never matches.
func ContainsFold(text, query string) bool {
	if query == "" {
		return false
	}
	return IndexFold(text, query) >= 0
}

func indexRunes(haystack, needle []rune, from int) int {
	if len(needle) == 0 {
		return -1
	}
	for i := from; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// AllIndexesFold returns the offsets of every non-overlapping occurrence of
// needle in haystack. Both must already be folded with FoldRunes.
func AllIndexesFold(haystack, needle []rune) []int {
	var out []int
	for i := 0; ; {
		idx := indexRunes(haystack, needle, i)
		if idx < 0 {
			return out
		}
		out = append(out, idx)
		i = idx + len(needle)
	}
}
