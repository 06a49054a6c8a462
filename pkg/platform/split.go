package platform

import (
	"strings"
	"unicode/utf8"
)

// Split breaks text into chunks of at most limit runes, preferring line breaks
// and then spaces as cut points. A limit of zero or less returns text unsplit.
func Split(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	rest := []rune(text)
	for len(rest) > limit {
		cut := lastIndex(rest[:limit], '\n')
		if cut <= 0 {
			cut = lastIndex(rest[:limit], ' ')
		}
		if cut <= 0 {
			cut = limit
		}

		chunk := strings.TrimRight(string(rest[:cut]), " \n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		rest = []rune(strings.TrimLeft(string(rest[cut:]), " \n"))
	}
	if len(rest) > 0 {
		chunks = append(chunks, string(rest))
	}

	return chunks
}

func lastIndex(runes []rune, target rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == target {
			return i
		}
	}

	return -1
}
