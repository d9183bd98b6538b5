package ingest

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"dossier/internal/logging"
)

// maxExtractChars caps extracted text so one pathological file cannot flood
// the chunker. Matches the per-document indexing budget of the embedders.
const maxExtractChars = 500_000

// ErrNoExtractor marks a media type nothing can read. The pipeline skips
// such files with a warning instead of retrying; retries cannot grow a
// capability that was never installed.
var ErrNoExtractor = errors.New("no extractor for media type")

// ExtractorFunc turns raw file bytes into indexable text.
type ExtractorFunc func(content []byte, mediaType string) (string, error)

// ExtractorSet dispatches extraction by media type. Plain text, HTML and
// structured text formats are built in; binary formats (PDF, word
// processing, presentations, spreadsheets, image OCR) are capability hooks
// installed with Register by whoever links the capability in.
type ExtractorSet struct {
	mu    sync.RWMutex
	hooks map[string]ExtractorFunc
}

// NewExtractorSet returns a set with only the built-in text handlers.
func NewExtractorSet() *ExtractorSet {
	return &ExtractorSet{hooks: make(map[string]ExtractorFunc)}
}

// Register installs or replaces the extractor for a media type. Hooks win
// over the built-ins, so a smarter HTML or CSV reader can take over.
func (e *ExtractorSet) Register(mediaType string, fn ExtractorFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks[normalizeMediaType(mediaType)] = fn
}

// Extract produces the indexable text for a file. Unknown binary types
// return ErrNoExtractor; hook failures come back verbatim so the caller can
// route them to the retry queue. Output is always valid UTF-8 and capped at
// maxExtractChars.
func (e *ExtractorSet) Extract(content []byte, mediaType string) (string, error) {
	mt := normalizeMediaType(mediaType)
	if mt == "" {
		mt = normalizeMediaType(http.DetectContentType(content))
	}

	e.mu.RLock()
	hook, ok := e.hooks[mt]
	e.mu.RUnlock()
	if ok {
		text, err := hook(content, mt)
		if err != nil {
			return "", err
		}
		return sanitizeText(text), nil
	}

	switch {
	case mt == "text/html", mt == "application/xhtml+xml":
		return sanitizeText(htmlText(content)), nil
	case strings.HasPrefix(mt, "text/"),
		mt == "application/json",
		mt == "application/xml",
		mt == "application/javascript",
		mt == "application/x-python",
		mt == "application/x-ndjson",
		mt == "application/yaml":
		return sanitizeText(string(content)), nil
	}
	return "", ErrNoExtractor
}

// normalizeMediaType lowercases and drops parameters such as charset.
func normalizeMediaType(mediaType string) string {
	mt, _, _ := strings.Cut(mediaType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

// sanitizeText strips invalid UTF-8 and enforces the extraction cap.
func sanitizeText(s string) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= maxExtractChars {
		return s
	}
	n := 0
	for i := range s {
		if n == maxExtractChars {
			logging.IngestDebug("Extracted text truncated: kept=%d chars", n)
			return s[:i]
		}
		n++
	}
	return s
}

// htmlText walks the token stream and keeps text nodes, skipping everything
// inside script, style, noscript and template elements. Whitespace inside a
// text node collapses to single spaces; nodes are joined with newlines.
func htmlText(content []byte) string {
	z := html.NewTokenizer(bytes.NewReader(content))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken:
			name, _ := z.TagName()
			if skippedElement(string(name)) {
				skip++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if skippedElement(string(name)) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			text := strings.Join(strings.Fields(string(z.Text())), " ")
			if text == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(text)
		}
	}
}

func skippedElement(name string) bool {
	switch name {
	case "script", "style", "noscript", "template":
		return true
	}
	return false
}
