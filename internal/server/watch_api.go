package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"dossier/internal/logging"
	"dossier/internal/store"
)

// handleWatchDrive registers a push channel on a Drive folder.
func (s *Server) handleWatchDrive(w http.ResponseWriter, r *http.Request) {
	if s.deps.DriveWatch == nil {
		notConfigured(w, "drive watch")
		return
	}

	var req struct {
		FolderID string `json:"folder_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ch, err := s.deps.DriveWatch.StartWatch(r.Context(), req.FolderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "watching",
		"channel_id":  ch.ID,
		"resource_id": ch.ResourceID,
		"folder_id":   ch.FolderID,
		"expires":     ch.Expires.UTC().Format(time.RFC3339),
	})
}

// handleWatchEmail runs one poll cycle over the labelled inbox.
func (s *Server) handleWatchEmail(w http.ResponseWriter, r *http.Request) {
	if s.deps.Email == nil {
		notConfigured(w, "email poller")
		return
	}

	var req struct {
		Label      string `json:"gmail_label,omitempty"`
		MaxResults int64  `json:"max_results,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.deps.Email.PollOnce(r.Context(), req.Label, req.MaxResults)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":                "success",
		"email_count":           result.EmailCount,
		"attachments_processed": result.Attachments,
		"label":                 result.Label,
		"timestamp":             time.Now().UTC().Format(time.RFC3339),
	})
}

// handleWatchFileshare starts a polling watcher on a share path. Watching a
// path twice reports the existing registration instead of a second loop.
func (s *Server) handleWatchFileshare(w http.ResponseWriter, r *http.Request) {
	if s.deps.Fileshare == nil {
		notConfigured(w, "fileshare watch")
		return
	}

	var req struct {
		Path         string `json:"share_path"`
		Pattern      string `json:"watch_pattern,omitempty"`
		PollInterval int    `json:"poll_interval,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Path == "" {
		badRequest(w, "share_path is required")
		return
	}

	// Watcher goroutines outlive this request.
	watch, already, err := s.deps.Fileshare.StartWatch(s.baseCtx, req.Path, req.Pattern, req.PollInterval)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{
		"status":        "watching",
		"watcher_id":    watch.WatcherID,
		"share_path":    watch.Path,
		"poll_interval": watch.PollInterval,
	}
	if already {
		resp["status"] = "already_watching"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListFileshare(w http.ResponseWriter, r *http.Request) {
	if s.deps.Fileshare == nil {
		notConfigured(w, "fileshare watch")
		return
	}
	watches, err := s.deps.Fileshare.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"watchers": watches,
		"total":    len(watches),
	})
}

func (s *Server) handleStopFileshare(w http.ResponseWriter, r *http.Request) {
	if s.deps.Fileshare == nil {
		notConfigured(w, "fileshare watch")
		return
	}
	watcherID := chi.URLParam(r, "watcher_id")

	stopped, err := s.deps.Fileshare.StopWatch(watcherID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !stopped {
		notFound(w, "unknown watcher: "+watcherID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "stopped",
		"watcher_id": watcherID,
	})
}

// handleDriveWebhook receives Drive push notifications. The channel and
// state ride in Google's headers, not the body. Re-enumeration runs on the
// server's base context so the 200 does not cancel it.
func (s *Server) handleDriveWebhook(w http.ResponseWriter, r *http.Request) {
	if s.deps.DriveWatch == nil {
		notConfigured(w, "drive watch")
		return
	}

	channelID := r.Header.Get("X-Goog-Channel-Id")
	resourceState := r.Header.Get("X-Goog-Resource-State")
	if channelID == "" {
		badRequest(w, "missing X-Goog-Channel-Id header")
		return
	}

	disposition, err := s.deps.DriveWatch.HandleNotification(s.baseCtx, channelID, resourceState)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": disposition})
}

// handleGCSWebhook receives object change notifications and re-enumerates
// the changed object's prefix in the background.
func (s *Server) handleGCSWebhook(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pipeline == nil {
		notConfigured(w, "ingestion pipeline")
		return
	}

	var req struct {
		Bucket string `json:"bucket"`
		Name   string `json:"name,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Bucket == "" {
		badRequest(w, "bucket is required")
		return
	}

	uri := "gs://" + req.Bucket
	if req.Name != "" {
		uri += "/" + parentPrefix(req.Name)
	}
	go func() {
		report, err := s.deps.Pipeline.IngestFolder(s.baseCtx, store.SourceGCS, uri, false)
		if err != nil {
			logging.WatchError("GCS webhook re-enumeration of %s failed: %v", uri, err)
			return
		}
		logging.Watch("GCS webhook re-enumerated %s: %d files, %d chunks",
			uri, report.FilesProcessed, report.NewChunks)
	}()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "processing",
		"uri":    uri,
	})
}

// parentPrefix trims an object name to its containing "folder" prefix.
func parentPrefix(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[:i+1]
		}
	}
	return ""
}
