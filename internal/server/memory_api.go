package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"dossier/internal/faults"
	"dossier/internal/search"
	"dossier/internal/store"
)

// ingestRequest accepts exactly one source selector.
type ingestRequest struct {
	FolderID  string `json:"folder_id,omitempty"`
	GCSURI    string `json:"gcs_uri,omitempty"`
	LocalPath string `json:"local_path,omitempty"`
	Recursive *bool  `json:"recursive,omitempty"`
}

// handleIngest routes a source handle to the pipeline. The three selectors
// are mutually exclusive; local ingestion recurses unless told otherwise.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pipeline == nil {
		notConfigured(w, "ingestion pipeline")
		return
	}

	var req ingestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	selectors := 0
	for _, set := range []bool{req.FolderID != "", req.GCSURI != "", req.LocalPath != ""} {
		if set {
			selectors++
		}
	}
	if selectors != 1 {
		badRequest(w, "provide exactly one of folder_id, gcs_uri, local_path")
		return
	}

	var sourceName, root string
	recursive := true
	switch {
	case req.FolderID != "":
		sourceName, root = store.SourceDrive, req.FolderID
	case req.GCSURI != "":
		sourceName, root = store.SourceGCS, req.GCSURI
	default:
		sourceName, root = store.SourceLocal, req.LocalPath
		if req.Recursive != nil {
			recursive = *req.Recursive
		}
	}

	report, err := s.deps.Pipeline.IngestFolder(r.Context(), sourceName, root, recursive)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "success",
		"source":          sourceName,
		"files_processed": report.FilesProcessed,
		"chunks":          report.NewChunks,
		"duplicates":      report.Duplicates,
		"skipped":         report.Skipped,
		"deferred":        report.Deferred,
		"warnings":        report.Warnings,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}

// searchRequest mirrors the wire shape of the search endpoint. Filters left
// zero impose no constraint.
type searchRequest struct {
	Query       string   `json:"query"`
	FolderIDs   []string `json:"folder_ids,omitempty"`
	MimeTypes   []string `json:"mime_types,omitempty"`
	DateFrom    string   `json:"date_from,omitempty"`
	DateTo      string   `json:"date_to,omitempty"`
	VersionHash string   `json:"version_hash,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
	UseHybrid   *bool    `json:"use_hybrid,omitempty"`
}

// parseFilterDate accepts RFC3339 stamps and bare dates.
func parseFilterDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, faults.Errorf(faults.KindPermanentIO, "server.search",
			"invalid date %q (want RFC3339 or YYYY-MM-DD)", s)
	}
	return t, nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Searcher == nil {
		notConfigured(w, "search")
		return
	}

	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	dateFrom, err := parseFilterDate(req.DateFrom)
	if err != nil {
		writeError(w, err)
		return
	}
	dateTo, err := parseFilterDate(req.DateTo)
	if err != nil {
		writeError(w, err)
		return
	}

	useHybrid := true
	if req.UseHybrid != nil {
		useHybrid = *req.UseHybrid
	}

	resp, err := s.deps.Searcher.Search(r.Context(), search.Request{
		Query: req.Query,
		Filter: store.SearchFilter{
			FolderIDs:   req.FolderIDs,
			MediaTypes:  req.MimeTypes,
			DateFrom:    dateFrom,
			DateTo:      dateTo,
			VersionHash: req.VersionHash,
		},
		TopK:      req.TopK,
		UseHybrid: useHybrid,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDeleteDoc soft-deletes by default; {permanent: true} purges the
// document, its chunks and its hash binding immediately.
func (s *Server) handleDeleteDoc(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		notConfigured(w, "document store")
		return
	}
	docID := chi.URLParam(r, "doc_id")

	var req struct {
		Permanent bool `json:"permanent"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if req.Permanent {
		deleted, err := s.deps.Store.HardDeleteDocument(docID)
		if err != nil {
			writeError(w, err)
			return
		}
		if !deleted {
			notFound(w, "unknown document: "+docID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "deleted",
			"permanent": true,
		})
		return
	}

	deleted, err := s.deps.Store.SoftDeleteDocument(docID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !deleted {
		notFound(w, "unknown or already deleted document: "+docID)
		return
	}
	retentionDays := 30
	if s.deps.Sweeper != nil {
		retentionDays = s.deps.Sweeper.RetentionDays()
	} else if s.cfg != nil && s.cfg.Retention.SoftDeleteRetentionDays > 0 {
		retentionDays = s.cfg.Retention.SoftDeleteRetentionDays
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "deleted",
		"permanent":      false,
		"retention_days": retentionDays,
	})
}
