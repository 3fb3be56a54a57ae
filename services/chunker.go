package services

import "strings"

// Default word window used when no configuration is supplied
const (
	DefaultChunkSize    = 800
	DefaultChunkOverlap = 200
)

// ChunkWords splits text into windows of size whitespace-separated words,
// each starting size-overlap words after the previous one. The last window
// may be shorter. A text of at most size words yields exactly one chunk and
// an empty text yields none.
func ChunkWords(text string, size, overlap int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}

	step := size - overlap
	chunks := make([]string, 0, len(words)/step+1)
	for start := 0; start < len(words); start += step {
		end := min(start+size, len(words))
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}
