// Package vector provides the retrieval side of the gateway: token-window
// chunking, an embeddings client, and a Qdrant-backed document store.
package vector

import (
	"github.com/synthlab/chatgate/internal/token"
)

// DefaultChunkTokens is the token window for stored chunks.
const DefaultChunkTokens = 500

// ChunkByTokens splits text into windows of at most size tokens, measured by
// enc. Boundaries fall on whitespace where possible so chunks stay readable.
func ChunkByTokens(enc token.Tokenizer, text string, size int) []string {
	if size <= 0 {
		size = DefaultChunkTokens
	}
	if enc.Count(text) <= size {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	runes := []rune(text)
	start := 0
	for start < len(runes) {
		// Grow the window until it crosses the token budget, then back off to
		// the last whitespace.
		end := start
		lastFit := start
		for end < len(runes) {
			end++
			if enc.Count(string(runes[start:end])) > size {
				break
			}
			lastFit = end
		}
		if lastFit == start {
			// A single run larger than the budget: take it whole rather than
			// splitting mid-token.
			lastFit = end
		}
		cut := lastFit
		if cut < len(runes) {
			for i := cut; i > start; i-- {
				if runes[i-1] == ' ' || runes[i-1] == '\n' || runes[i-1] == '\t' {
					cut = i
					break
				}
			}
		}
		chunks = append(chunks, string(runes[start:cut]))
		start = cut
	}
	return chunks
}
