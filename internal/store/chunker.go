package store

import "strings"

// Chunker splits document text into overlapping windows suitable for
// embedding. Windows prefer to end on a sentence boundary when one falls
// close enough to the cut point.
type Chunker struct {
	// Size is the maximum chunk length in runes.
	Size int
	// Overlap is how many runes consecutive chunks share.
	Overlap int
}

// boundaryLookback is how far back from the cut point we scan for a
// sentence-ending period.
const boundaryLookback = 100

// NewChunker creates a chunker. Overlap must be smaller than Size so every
// step makes forward progress.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}
	return &Chunker{Size: size, Overlap: overlap}
}

// Split breaks text into chunks. Whitespace-only chunks are dropped; text at
// most Size runes long comes back as a single trimmed chunk.
func (c *Chunker) Split(text string) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= c.Size {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + c.Size
		if end > len(runes) {
			end = len(runes)
		}

		if end < len(runes) {
			// Prefer cutting right after a period near the window end.
			limit := end - boundaryLookback
			if limit < start {
				limit = start
			}
			for i := end - 1; i > limit; i-- {
				if runes[i] == '.' {
					end = i + 1
					break
				}
			}
		}

		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		if end >= len(runes) {
			break
		}

		next := end - c.Overlap
		if next <= start {
			next = end
		}
		start = next
	}

	return chunks
}
