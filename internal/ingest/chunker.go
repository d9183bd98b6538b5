package ingest

import (
	"strings"

	"dossier/internal/store"
)

const (
	// DefaultMaxTokens is the chunk window size. 700 tokens is roughly
	// 2800 characters of running prose.
	DefaultMaxTokens = 700

	// DefaultOverlapTokens is the window overlap, 20% of the default size.
	DefaultOverlapTokens = 140

	// charsPerToken is the estimate used by the character fallback when the
	// word tokenizer cannot segment the text.
	charsPerToken = 4
)

// Chunker slices extracted text into overlapping retrieval windows.
type Chunker struct {
	MaxTokens     int
	OverlapTokens int
}

// NewChunker builds a Chunker, repairing out-of-range settings. Overlap must
// stay below the window size or the walk would never advance.
func NewChunker(maxTokens, overlapTokens int) *Chunker {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if overlapTokens < 0 || overlapTokens >= maxTokens {
		overlapTokens = maxTokens / 5
	}
	return &Chunker{MaxTokens: maxTokens, OverlapTokens: overlapTokens}
}

// ChunkText splits text into chunks of at most MaxTokens tokens with
// adjacent chunks sharing OverlapTokens. The returned chunks carry Seq,
// Text, StartToken, EndToken and StartChar; DocumentID and Embedding are
// filled later. The second result reports degraded chunking: text the word
// tokenizer cannot segment (no-space scripts, minified or encoded blobs)
// falls back to fixed character windows at four characters per token.
func (c *Chunker) ChunkText(text string) ([]store.Chunk, bool) {
	if strings.TrimSpace(text) == "" {
		return nil, false
	}
	spans := tokenize(text)
	if len(spans) == 0 {
		return c.charChunks(text), true
	}
	for _, s := range spans {
		if s.End-s.Start > c.MaxTokens*charsPerToken {
			return c.charChunks(text), true
		}
	}

	step := c.MaxTokens - c.OverlapTokens
	chunks := make([]store.Chunk, 0, len(spans)/step+1)
	for start := 0; ; start += step {
		end := start + c.MaxTokens
		if end > len(spans) {
			end = len(spans)
		}
		chunks = append(chunks, store.Chunk{
			Seq:        len(chunks),
			Text:       text[spans[start].Start:spans[end-1].End],
			StartToken: start,
			EndToken:   end,
			StartChar:  spans[start].Start,
		})
		if end == len(spans) {
			break
		}
	}
	return chunks, false
}

// charChunks is the degraded path: fixed windows over runes, never splitting
// a multi-byte character. Token offsets are synthesized at charsPerToken so
// downstream consumers see the same coordinate system either way.
func (c *Chunker) charChunks(text string) []store.Chunk {
	offsets := make([]int, 0, len(text)+1)
	for i := range text {
		offsets = append(offsets, i)
	}
	offsets = append(offsets, len(text))
	runes := len(offsets) - 1

	maxChars := c.MaxTokens * charsPerToken
	stepChars := maxChars - c.OverlapTokens*charsPerToken
	chunks := make([]store.Chunk, 0, runes/stepChars+1)
	for start := 0; ; start += stepChars {
		end := start + maxChars
		if end > runes {
			end = runes
		}
		chunks = append(chunks, store.Chunk{
			Seq:        len(chunks),
			Text:       text[offsets[start]:offsets[end]],
			StartToken: start / charsPerToken,
			EndToken:   (end + charsPerToken - 1) / charsPerToken,
			StartChar:  offsets[start],
		})
		if end == runes {
			break
		}
	}
	return chunks
}
