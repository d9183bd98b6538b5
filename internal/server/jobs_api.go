package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"dossier/internal/jobs"
	"dossier/internal/store"
)

// handleStartJob validates and enqueues a job. Resubmitting a caller-chosen
// job_id returns the existing record with 200 instead of 201.
func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orch == nil {
		notConfigured(w, "job orchestrator")
		return
	}

	var spec jobs.JobSpec
	if err := decodeBody(r, &spec); err != nil {
		writeError(w, err)
		return
	}
	if spec.Type == "" {
		badRequest(w, "type is required")
		return
	}

	rec, created, err := s.deps.Orch.StartJob(spec)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]interface{}{
		"job_id": rec.ID,
		"status": rec.Status,
	})
}

// handleListJobs returns the most recently updated jobs across all states.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		notConfigured(w, "job store")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs, err := s.deps.Store.RecentJobs(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(recs))
	for _, rec := range recs {
		out = append(out, map[string]interface{}{
			"job_id":     rec.ID,
			"type":       rec.Type,
			"status":     rec.Status,
			"progress":   rec.Progress,
			"created_at": rec.CreatedAt.UTC().Format(time.RFC3339),
			"updated_at": rec.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  out,
		"total": len(out),
	})
}

// handleJobStatus reports a job's status, progress, log and result.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		notConfigured(w, "job store")
		return
	}
	jobID := chi.URLParam(r, "job_id")

	rec, err := s.deps.Store.GetJob(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec == nil {
		notFound(w, "unknown job: "+jobID)
		return
	}
	logEntries, err := s.deps.Store.JobLogs(jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	logLines := make([]map[string]interface{}, 0, len(logEntries))
	for _, entry := range logEntries {
		logLines = append(logLines, map[string]interface{}{
			"timestamp": entry.Timestamp.UTC().Format(time.RFC3339),
			"message":   entry.Message,
		})
	}

	resp := map[string]interface{}{
		"job_id":     rec.ID,
		"type":       rec.Type,
		"status":     rec.Status,
		"progress":   rec.Progress,
		"logs":       logLines,
		"created_at": rec.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at": rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if rec.Result != "" {
		var result interface{}
		if err := json.Unmarshal([]byte(rec.Result), &result); err == nil {
			resp["result"] = result
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCancelJob flags a job for cancellation. A job already in a terminal
// state reports that state rather than pretending to cancel it.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orch == nil {
		notConfigured(w, "job orchestrator")
		return
	}
	jobID := chi.URLParam(r, "job_id")

	status, found, err := s.deps.Orch.Cancel(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		notFound(w, "unknown job: "+jobID)
		return
	}
	resp := map[string]interface{}{"job_id": jobID}
	switch status {
	case store.JobCancelled:
		resp["status"] = store.JobCancelled
	case store.JobRunning:
		// The flag is set; the dispatcher lands the job in cancelled at its
		// next checkpoint. Report the accepted request, not the race.
		resp["status"] = store.JobCancelled
		resp["note"] = "cancellation takes effect at the next stage boundary"
	default:
		resp["status"] = status
		resp["note"] = "job already finished; nothing to cancel"
	}
	writeJSON(w, http.StatusOK, resp)
}
