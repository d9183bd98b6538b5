package ingest

import (
	"unicode"
	"unicode/utf8"
)

// tokenSpan marks one token's byte range within the source text.
type tokenSpan struct {
	Start int
	End   int
}

// tokenize splits text into word-level tokens: maximal runs of letters and
// digits, with every other non-space rune standing as its own token.
// Offsets are byte positions, so slicing the source with a span returns the
// exact original text.
func tokenize(text string) []tokenSpan {
	spans := make([]tokenSpan, 0, len(text)/5)
	start := -1
	for i, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if start < 0 {
				start = i
			}
		case unicode.IsSpace(r):
			if start >= 0 {
				spans = append(spans, tokenSpan{Start: start, End: i})
				start = -1
			}
		default:
			if start >= 0 {
				spans = append(spans, tokenSpan{Start: start, End: i})
				start = -1
			}
			spans = append(spans, tokenSpan{Start: i, End: i + utf8.RuneLen(r)})
		}
	}
	if start >= 0 {
		spans = append(spans, tokenSpan{Start: start, End: len(text)})
	}
	return spans
}
