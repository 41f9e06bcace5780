package chunker

import "strings"

// Roughly 1.33 tokens per English word.
const tokensPerWord = 1.33

// EstimateTokens gives a rough token count from the word count.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return max(tokensForWords(len(strings.Fields(text))), 1)
}

func tokensForWords(words int) int {
	return int(float64(words) * tokensPerWord)
}
