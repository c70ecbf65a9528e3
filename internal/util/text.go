package util

import "strings"

// DefaultChunkSize is the largest message most chat platforms accept in one piece.
const DefaultChunkSize = 2000

// SplitMessage splits text into chunks of at most size runes.
//
// A chunk ends at the last newline inside the window when there is one, else at the last space,
// else exactly at size runes. Empty text yields no chunks.
func SplitMessage(text string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	runes := []rune(text)
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= size {
			chunks = append(chunks, string(runes))
			break
		}
		cut := lastIndex(runes[:size], '\n')
		if cut <= 0 {
			cut = lastIndex(runes[:size], ' ')
		}
		if cut <= 0 {
			cut = size
		}
		chunk := strings.TrimRight(string(runes[:cut]), " \n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = runes[cut:]
		for len(runes) > 0 && (runes[0] == '\n' || runes[0] == ' ') {
			runes = runes[1:]
		}
	}
	return chunks
}

func lastIndex(runes []rune, r rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}
