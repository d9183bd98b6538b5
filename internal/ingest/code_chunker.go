package ingest

import (
	"context"
	"sort"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"

	"dossier/internal/store"
)

// CodeChunker splits source files on declaration boundaries instead of blind
// token windows, so a function or class is never torn across two chunks
// unless it alone exceeds the window. Consecutive small declarations are
// packed together up to the window size.
type CodeChunker struct {
	chunker *Chunker
}

// NewCodeChunker wraps a Chunker with tree-sitter aware splitting.
func NewCodeChunker(c *Chunker) *CodeChunker {
	return &CodeChunker{chunker: c}
}

// languageFor maps a source media type to its tree-sitter grammar. Returns
// nil for anything that is not a supported language.
func languageFor(mediaType string) *sitter.Language {
	switch mediaType {
	case "text/x-go", "text/x-golang":
		return golang.GetLanguage()
	case "text/x-python", "application/x-python":
		return python.GetLanguage()
	case "text/javascript", "application/javascript":
		return javascript.GetLanguage()
	}
	return nil
}

// ChunkSource chunks source code along top-level declaration boundaries.
// ok is false when the media type has no grammar or the parse produced
// nothing usable; callers then fall through to plain token chunking, which
// is a normal downgrade rather than a degraded document.
func (cc *CodeChunker) ChunkSource(ctx context.Context, text, mediaType string) ([]store.Chunk, bool) {
	lang := languageFor(mediaType)
	if lang == nil {
		return nil, false
	}
	spans := tokenize(text)
	if len(spans) == 0 {
		return nil, false
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, []byte(text))
	if err != nil || tree == nil {
		return nil, false
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil || root.NamedChildCount() == 0 {
		return nil, false
	}

	segs := declarationSegments(root, spans)
	if len(segs) == 0 {
		return nil, false
	}
	return cc.pack(text, spans, segs), true
}

type segment struct {
	start int // token index, inclusive
	end   int // token index, exclusive
}

// declarationSegments converts the start byte of every top-level named node
// into token-index segments that tile [0, len(spans)). Any preamble before
// the first declaration joins the first segment.
func declarationSegments(root *sitter.Node, spans []tokenSpan) []segment {
	cuts := []int{0}
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		b := int(child.StartByte())
		tok := sort.Search(len(spans), func(j int) bool { return spans[j].Start >= b })
		if tok > cuts[len(cuts)-1] && tok < len(spans) {
			cuts = append(cuts, tok)
		}
	}

	segs := make([]segment, 0, len(cuts))
	for i, c := range cuts {
		end := len(spans)
		if i+1 < len(cuts) {
			end = cuts[i+1]
		}
		if end > c {
			segs = append(segs, segment{start: c, end: end})
		}
	}
	return segs
}

// pack greedily merges consecutive segments up to MaxTokens per chunk.
// Declarations are self-contained, so packed chunks carry no overlap; a
// single declaration larger than the window is sliced with the usual
// overlapping token windows.
func (cc *CodeChunker) pack(text string, spans []tokenSpan, segs []segment) []store.Chunk {
	maxTok := cc.chunker.MaxTokens
	step := maxTok - cc.chunker.OverlapTokens

	var chunks []store.Chunk
	emit := func(start, end int) {
		chunks = append(chunks, store.Chunk{
			Seq:        len(chunks),
			Text:       text[spans[start].Start:spans[end-1].End],
			StartToken: start,
			EndToken:   end,
			StartChar:  spans[start].Start,
		})
	}

	open := -1 // start token of the chunk being accumulated, -1 when none
	openEnd := 0
	flush := func() {
		if open >= 0 {
			emit(open, openEnd)
			open = -1
		}
	}

	for _, seg := range segs {
		if seg.end-seg.start > maxTok {
			flush()
			for s := seg.start; ; s += step {
				e := s + maxTok
				if e > seg.end {
					e = seg.end
				}
				emit(s, e)
				if e == seg.end {
					break
				}
			}
			continue
		}
		if open < 0 {
			open, openEnd = seg.start, seg.end
			continue
		}
		if seg.end-open <= maxTok {
			openEnd = seg.end
			continue
		}
		flush()
		open, openEnd = seg.start, seg.end
	}
	flush()
	return chunks
}
