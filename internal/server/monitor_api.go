package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"dossier/internal/monitor"
)

// handleMonitorLog accepts one audit event from an agent.
func (s *Server) handleMonitorLog(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		notConfigured(w, "monitor")
		return
	}
	var ev monitor.Event
	if err := decodeBody(r, &ev); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Monitor.Log(ev); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "logged"})
}

// handleMonitorEvents queries the audit trail. Filters ride in the query
// string; event_types is comma-separated.
func (s *Server) handleMonitorEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		notConfigured(w, "monitor")
		return
	}
	q := monitor.EventQuery{
		JobID:     r.URL.Query().Get("job_id"),
		Agent:     r.URL.Query().Get("agent"),
		StartTime: r.URL.Query().Get("start_time"),
		EndTime:   r.URL.Query().Get("end_time"),
	}
	if types := r.URL.Query().Get("event_types"); types != "" {
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				q.EventTypes = append(q.EventTypes, t)
			}
		}
	}
	events := s.deps.Monitor.Events(q)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  len(events),
	})
}

func (s *Server) handleMonitorAlerts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		notConfigured(w, "monitor")
		return
	}
	alerts := s.deps.Monitor.Alerts()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"total":  len(alerts),
	})
}

func (s *Server) handleQAReport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		notConfigured(w, "monitor")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	writeJSON(w, http.StatusOK, s.deps.Monitor.Report(jobID))
}
