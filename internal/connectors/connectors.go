// Package connectors implements the document sources the ingestion
// pipeline enumerates and fetches from: Google Drive, Google Cloud
// Storage, Gmail attachments, mounted file shares, and the local
// filesystem. Folder ids are source-shaped: a Drive folder id, a
// gs://bucket/prefix URI, or an absolute directory path.
package connectors

import (
	"errors"
	"mime"
	"net/http"
	"path"
	"strings"

	"google.golang.org/api/googleapi"

	"dossier/internal/faults"
)

// mediaTypes pins the extensions the corpus cares about, so chunking and
// policy behavior do not depend on the host's mime tables. Everything else
// falls through to mime.TypeByExtension, then to content sniffing in the
// pipeline.
var mediaTypes = map[string]string{
	".txt":      "text/plain",
	".text":     "text/plain",
	".log":      "text/plain",
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".csv":      "text/csv",
	".tsv":      "text/tab-separated-values",
	".json":     "application/json",
	".ndjson":   "application/x-ndjson",
	".yaml":     "application/x-yaml",
	".yml":      "application/x-yaml",
	".xml":      "text/xml",
	".html":     "text/html",
	".htm":      "text/html",
	".go":       "text/x-go",
	".py":       "text/x-python",
	".js":       "text/javascript",
	".mjs":      "text/javascript",
	".ts":       "text/x-typescript",
	".sql":      "text/x-sql",
	".rst":      "text/x-rst",
	".pdf":      "application/pdf",
}

// mediaTypeForPath guesses the media type from a file name. Empty means
// unknown; the pipeline sniffs the content in that case.
func mediaTypeForPath(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return ""
	}
	if mt, ok := mediaTypes[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		base, _, _ := strings.Cut(mt, ";")
		return strings.TrimSpace(base)
	}
	return ""
}

// classify tags a Google API error with the fault kind the retry queue
// cares about. Rate limiting sometimes arrives as 403 with a rateLimit
// reason, so the reason strings are checked too.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusTooManyRequests || hasRateLimitReason(gerr) {
			return faults.Wrap(faults.KindQuotaExceeded, op, err)
		}
		switch {
		case gerr.Code == http.StatusNotFound,
			gerr.Code == http.StatusForbidden,
			gerr.Code == http.StatusUnauthorized,
			gerr.Code == http.StatusBadRequest:
			return faults.Wrap(faults.KindPermanentIO, op, err)
		case gerr.Code >= 500:
			return faults.Wrap(faults.KindTransientIO, op, err)
		}
	}
	return faults.Wrap(faults.KindTransientIO, op, err)
}

func hasRateLimitReason(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if strings.Contains(strings.ToLower(item.Reason), "ratelimit") {
			return true
		}
	}
	return false
}
