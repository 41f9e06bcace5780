// Package chunker splits long extracted text into page-sized pieces.
package chunker

import (
	"strings"
)

// DefaultPageTokens is the page size used when Paginate gets maxTokens < 1.
const DefaultPageTokens = 1500

// Paginate breaks text into consecutive pages of at most maxTokens each, as
// measured by EstimateTokens. Paragraph boundaries are preferred, then
// sentences, then words. Pages do not overlap, and joining them with blank
// lines gives back every word of the input in order. Blank text yields no
// pages.
func Paginate(text string, maxTokens int) []string {
	if maxTokens <= 0 {
		maxTokens = DefaultPageTokens
	}
	limit := wordLimit(maxTokens)

	var pages []string
	var current strings.Builder
	currentWords := 0
	flush := func() {
		if currentWords > 0 {
			pages = append(pages, current.String())
			current.Reset()
			currentWords = 0
		}
	}

	for _, para := range splitByParagraphs(text) {
		paraWords := len(strings.Fields(para))

		// A paragraph larger than a page gets pages of its own.
		if paraWords > limit {
			flush()
			pages = append(pages, splitBySentences(para, limit)...)
			continue
		}

		if currentWords+paraWords > limit {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
		currentWords += paraWords
	}
	flush()

	return pages
}

// wordLimit is the largest word count whose estimate fits in maxTokens.
func wordLimit(maxTokens int) int {
	n := int(float64(maxTokens) / tokensPerWord)
	for tokensForWords(n+1) <= maxTokens {
		n++
	}
	for n > 1 && tokensForWords(n) > maxTokens {
		n--
	}
	return max(n, 1)
}

// splitByParagraphs splits on double-newlines.
func splitByParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	parts := strings.Split(text, "\n\n")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// splitBySentences breaks a large paragraph into sentence-based pages of at
// most limit words.
func splitBySentences(text string, limit int) []string {
	var result []string
	var current strings.Builder
	currentWords := 0

	for _, sent := range splitSentences(text) {
		sentWords := len(strings.Fields(sent))

		if sentWords > limit {
			if currentWords > 0 {
				result = append(result, current.String())
				current.Reset()
				currentWords = 0
			}
			result = append(result, splitByWords(sent, limit)...)
			continue
		}

		if currentWords+sentWords > limit && currentWords > 0 {
			result = append(result, current.String())
			current.Reset()
			currentWords = 0
		}

		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sent)
		currentWords += sentWords
	}

	if currentWords > 0 {
		result = append(result, current.String())
	}

	return result
}

// splitSentences does basic sentence splitting.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	for i, r := range text {
		current.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') && i+1 < len(text) && text[i+1] == ' ' {
			sentences = append(sentences, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}

	return sentences
}

// splitByWords is the last resort for run-on text without sentence breaks.
func splitByWords(text string, limit int) []string {
	words := strings.Fields(text)
	var result []string
	for len(words) > 0 {
		n := min(limit, len(words))
		result = append(result, strings.Join(words[:n], " "))
		words = words[n:]
	}
	return result
}
