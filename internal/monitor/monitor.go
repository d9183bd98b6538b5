// Package monitor is the audit and QA surface. Agents log events into a
// fixed-capacity ring, error events and failed QA checks raise alerts,
// and Prometheus collectors cover the hot paths. Everything here is
// in-process state: the API layer exposes it over /log, /events and
// /metrics.
package monitor

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"dossier/internal/faults"
	"dossier/internal/logging"
)

// Event severities.
const (
	EventInfo     = "info"
	EventWarning  = "warning"
	EventError    = "error"
	EventCritical = "critical"
	EventSuccess  = "success"
)

// Alert severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

const (
	eventBufferCap = 10000
	alertBufferCap = 1000
	queryLimit     = 1000
)

// Event is one audit trail entry.
type Event struct {
	Timestamp string                 `json:"timestamp"`
	Agent     string                 `json:"agent"`
	EventType string                 `json:"event_type"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	JobID     string                 `json:"job_id,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	IndexedAt string                 `json:"indexed_at,omitempty"`
}

// ValidEventType reports whether s names a known event severity.
func ValidEventType(s string) bool {
	switch s {
	case EventInfo, EventWarning, EventError, EventCritical, EventSuccess:
		return true
	}
	return false
}

// Alert is one raised condition, kept until it scrolls out of the buffer.
type Alert struct {
	Title        string                 `json:"title"`
	Severity     string                 `json:"severity"`
	Message      string                 `json:"message"`
	Agent        string                 `json:"agent,omitempty"`
	JobID        string                 `json:"job_id,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Timestamp    string                 `json:"timestamp,omitempty"`
	Acknowledged bool                   `json:"acknowledged"`
}

// QACheck is one quality verdict over a finished job.
type QACheck struct {
	JobID           string   `json:"job_id"`
	CheckType       string   `json:"check_type"`
	Passed          bool     `json:"passed"`
	Score           float64  `json:"score"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
	Timestamp       string   `json:"timestamp,omitempty"`
}

// QAReport collects every check recorded for one job.
type QAReport struct {
	JobID         string    `json:"job_id"`
	Checks        []QACheck `json:"checks"`
	OverallPassed bool      `json:"overall_passed"`
}

// EventQuery filters the audit trail. Times compare lexically, which is
// exact for RFC3339 UTC stamps.
type EventQuery struct {
	JobID      string   `json:"job_id,omitempty"`
	Agent      string   `json:"agent,omitempty"`
	StartTime  string   `json:"start_time,omitempty"`
	EndTime    string   `json:"end_time,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// Monitor holds the audit ring, the alert buffer and per-job QA checks.
type Monitor struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
	alerts []Alert
	qa     map[string][]QACheck
}

// New builds an empty monitor.
func New() *Monitor {
	return &Monitor{
		events: make([]Event, 0, eventBufferCap),
		qa:     make(map[string][]QACheck),
	}
}

// Log appends one audit event, stamping missing timestamps. Error and
// critical events raise an alert.
func (m *Monitor) Log(ev Event) error {
	if ev.EventType == "" {
		ev.EventType = EventInfo
	}
	if !ValidEventType(ev.EventType) {
		return faults.Errorf(faults.KindPermanentIO, "monitor.log", "unknown event type %q", ev.EventType)
	}
	if strings.TrimSpace(ev.Agent) == "" {
		return faults.New(faults.KindPermanentIO, "monitor.log", "agent is required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if ev.Timestamp == "" {
		ev.Timestamp = now
	}
	ev.IndexedAt = now

	m.mu.Lock()
	m.append(ev)
	m.mu.Unlock()

	if ev.EventType == EventError || ev.EventType == EventCritical {
		severity := SeverityMedium
		if ev.EventType == EventCritical {
			severity = SeverityHigh
		}
		_ = m.Trigger(Alert{
			Title:    ev.Agent + " " + ev.EventType,
			Severity: severity,
			Message:  ev.Message,
			Agent:    ev.Agent,
			JobID:    ev.JobID,
			Metadata: ev.Metadata,
		})
	}
	return nil
}

// append assumes the lock is held. Once the ring fills, the oldest entry
// is overwritten.
func (m *Monitor) append(ev Event) {
	if m.full {
		m.events[m.next] = ev
		m.next = (m.next + 1) % eventBufferCap
		return
	}
	m.events = append(m.events, ev)
	if len(m.events) == eventBufferCap {
		m.full = true
	}
}

// snapshot assumes the lock is held and returns events oldest first.
func (m *Monitor) snapshot() []Event {
	if !m.full {
		out := make([]Event, len(m.events))
		copy(out, m.events)
		return out
	}
	out := make([]Event, 0, eventBufferCap)
	out = append(out, m.events[m.next:]...)
	out = append(out, m.events[:m.next]...)
	return out
}

// Events returns the audit trail filtered by query, oldest first, capped
// at 1000 entries.
func (m *Monitor) Events(q EventQuery) []Event {
	m.mu.Lock()
	snap := m.snapshot()
	m.mu.Unlock()

	var typeSet map[string]bool
	if len(q.EventTypes) > 0 {
		typeSet = make(map[string]bool, len(q.EventTypes))
		for _, t := range q.EventTypes {
			typeSet[t] = true
		}
	}

	out := make([]Event, 0)
	for _, ev := range snap {
		if q.JobID != "" && ev.JobID != q.JobID {
			continue
		}
		if q.Agent != "" && ev.Agent != q.Agent {
			continue
		}
		if q.StartTime != "" && ev.Timestamp < q.StartTime {
			continue
		}
		if q.EndTime != "" && ev.Timestamp > q.EndTime {
			continue
		}
		if typeSet != nil && !typeSet[ev.EventType] {
			continue
		}
		out = append(out, ev)
		if len(out) == queryLimit {
			break
		}
	}
	return out
}

// Trigger records an alert. Unknown severities are rejected.
func (m *Monitor) Trigger(a Alert) error {
	switch a.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return faults.Errorf(faults.KindPermanentIO, "monitor.alert", "unknown severity %q", a.Severity)
	}
	if a.Timestamp == "" {
		a.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	a.Acknowledged = false
	logging.Monitor("ALERT [%s] %s: %s", a.Severity, a.Title, a.Message)

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.alerts) == alertBufferCap {
		copy(m.alerts, m.alerts[1:])
		m.alerts = m.alerts[:alertBufferCap-1]
	}
	m.alerts = append(m.alerts, a)
	return nil
}

// Alerts returns recorded alerts, oldest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// RecordQA stores one QA check. Failures raise a medium alert carrying
// the issue list.
func (m *Monitor) RecordQA(check QACheck) error {
	if strings.TrimSpace(check.JobID) == "" {
		return faults.New(faults.KindPermanentIO, "monitor.qa", "job_id is required")
	}
	if check.Timestamp == "" {
		check.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if check.Issues == nil {
		check.Issues = []string{}
	}
	if check.Recommendations == nil {
		check.Recommendations = []string{}
	}

	m.mu.Lock()
	m.qa[check.JobID] = append(m.qa[check.JobID], check)
	m.mu.Unlock()

	if !check.Passed {
		_ = m.Trigger(Alert{
			Title:    "QA Check Failed: " + check.CheckType,
			Severity: SeverityMedium,
			Message:  fmt.Sprintf("Job %s failed %s check", check.JobID, check.CheckType),
			JobID:    check.JobID,
			Metadata: map[string]interface{}{"issues": check.Issues},
		})
	}
	return nil
}

// Report assembles every QA check recorded for a job.
func (m *Monitor) Report(jobID string) QAReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	report := QAReport{JobID: jobID, Checks: []QACheck{}, OverallPassed: true}
	for _, check := range m.qa[jobID] {
		report.Checks = append(report.Checks, check)
		if !check.Passed {
			report.OverallPassed = false
		}
	}
	return report
}

// CheckFinishedJob runs the automatic QA battery over a terminal job:
// completeness of the result payload, and existence on disk of every
// deliverable the export stage reported. Checks are recorded, so
// failures alert.
func (m *Monitor) CheckFinishedJob(jobID, jobType, status string, result map[string]interface{}) []QACheck {
	checks := []QACheck{completenessCheck(jobID, status, result)}
	if fc, ok := formatCheck(jobID, result); ok {
		checks = append(checks, fc)
	}
	for _, check := range checks {
		_ = m.RecordQA(check)
	}
	logging.Monitor("qa on job %s (%s): %d checks", jobID, jobType, len(checks))
	return checks
}

func completenessCheck(jobID, status string, result map[string]interface{}) QACheck {
	check := QACheck{
		JobID:           jobID,
		CheckType:       "completeness",
		Passed:          true,
		Score:           1.0,
		Issues:          []string{},
		Recommendations: []string{},
	}
	if status != "succeeded" {
		check.Passed = false
		check.Score = 0
		check.Issues = append(check.Issues, fmt.Sprintf("job finished with status %q", status))
	}
	if len(result) == 0 {
		check.Passed = false
		check.Score = 0
		check.Issues = append(check.Issues, "job finished without a result")
	}
	if !check.Passed {
		check.Recommendations = append(check.Recommendations, "inspect job logs and re-run")
	}
	return check
}

// formatCheck verifies the exporter's reported files still exist. Jobs
// without an export stage have no format check.
func formatCheck(jobID string, result map[string]interface{}) (QACheck, bool) {
	links := deliverableLinks(result)
	if links == nil {
		return QACheck{}, false
	}
	check := QACheck{
		JobID:           jobID,
		CheckType:       "format",
		Passed:          true,
		Score:           1.0,
		Issues:          []string{},
		Recommendations: []string{},
	}
	missing := 0
	for _, link := range links {
		if _, err := os.Stat(link); err != nil {
			missing++
			check.Issues = append(check.Issues, "missing deliverable: "+link)
		}
	}
	if len(links) == 0 {
		check.Passed = false
		check.Score = 0
		check.Issues = append(check.Issues, "export stage reported no files")
	} else if missing > 0 {
		check.Passed = false
		check.Score = float64(len(links)-missing) / float64(len(links))
	}
	if !check.Passed {
		check.Recommendations = append(check.Recommendations, "re-run the export stage")
	}
	return check, true
}

// deliverableLinks digs result.exports.files[].link out of a job result.
// nil means the job had no export stage at all.
func deliverableLinks(result map[string]interface{}) []string {
	exports, ok := result["exports"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := exports["files"].([]interface{})
	if !ok {
		return []string{}
	}
	links := make([]string, 0, len(raw))
	for _, item := range raw {
		file, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if link, ok := file["link"].(string); ok && link != "" {
			links = append(links, link)
		}
	}
	return links
}

// Summary reports the last hour of audit activity.
func (m *Monitor) Summary() map[string]interface{} {
	now := time.Now().UTC()
	cutoff := now.Add(-time.Hour).Format(time.RFC3339)

	m.mu.Lock()
	snap := m.snapshot()
	m.mu.Unlock()

	total, errs := 0, 0
	for _, ev := range snap {
		if ev.Timestamp < cutoff {
			continue
		}
		total++
		if ev.EventType == EventError || ev.EventType == EventCritical {
			errs++
		}
	}
	rate := 0.0
	if total > 0 {
		rate = float64(errs) / float64(total) * 100
	}
	return map[string]interface{}{
		"total_events_1h": total,
		"error_count_1h":  errs,
		"error_rate":      rate,
		"timestamp":       now.Format(time.RFC3339),
	}
}
