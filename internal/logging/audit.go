package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Audit logging writes one JSON line per event to a daily audit file. Each
// event carries a pre-formatted Mangle fact so the policy engine and the
// corpus-query tool can load the trail as a fact base without re-parsing.

// AuditEventType names an audit event. Each family maps to one Mangle
// predicate.
type AuditEventType string

const (
	// Job lifecycle -> job_event/6
	AuditJobQueued    AuditEventType = "job_queued"
	AuditJobStarted   AuditEventType = "job_started"
	AuditJobStage     AuditEventType = "job_stage"
	AuditJobSucceeded AuditEventType = "job_succeeded"
	AuditJobFailed    AuditEventType = "job_failed"
	AuditJobCancelled AuditEventType = "job_cancelled"

	// Consensus voting -> maker_event/6
	AuditMakerRound         AuditEventType = "maker_round"
	AuditMakerConverged     AuditEventType = "maker_converged"
	AuditMakerRedFlag       AuditEventType = "maker_red_flag"
	AuditMakerNoConvergence AuditEventType = "maker_no_convergence"

	// Model API calls -> llm_call/6
	AuditLLMRequest  AuditEventType = "llm_request"
	AuditLLMResponse AuditEventType = "llm_response"
	AuditLLMError    AuditEventType = "llm_error"

	// Ingestion pipeline -> ingest_event/5
	AuditIngestEnumerated AuditEventType = "ingest_enumerated"
	AuditIngestDuplicate  AuditEventType = "ingest_duplicate"
	AuditIngestCommitted  AuditEventType = "ingest_committed"
	AuditIngestRetry      AuditEventType = "ingest_retry"
	AuditIngestFailed     AuditEventType = "ingest_failed"

	// File operations -> file_op/5
	AuditFileRead   AuditEventType = "file_read"
	AuditFileWrite  AuditEventType = "file_write"
	AuditFileDelete AuditEventType = "file_delete"
	AuditFileError  AuditEventType = "file_error"

	// Retrieval -> search_event/5
	AuditSearchVector AuditEventType = "search_vector"
	AuditSearchHybrid AuditEventType = "search_hybrid"

	// Watch channels and pollers -> watch_event/5
	AuditWatchRegistered AuditEventType = "watch_registered"
	AuditWatchRenewed    AuditEventType = "watch_renewed"
	AuditWatchNotified   AuditEventType = "watch_notified"
	AuditWatchStopped    AuditEventType = "watch_stopped"
	AuditWatchExpired    AuditEventType = "watch_expired"

	// Ingestion admission gate -> policy_check/4
	AuditPolicyAllow AuditEventType = "policy_allow"
	AuditPolicyBlock AuditEventType = "policy_block"

	// Rate limiting -> quota_event/4
	AuditQuotaWait      AuditEventType = "quota_wait"
	AuditQuotaExhausted AuditEventType = "quota_exhausted"

	// Retention sweep -> sweep_event/4
	AuditSweepStarted   AuditEventType = "sweep_started"
	AuditSweepCompleted AuditEventType = "sweep_completed"

	// Performance -> perf_metric/4
	AuditPerfMetric AuditEventType = "perf_metric"
	AuditPerfSlow   AuditEventType = "perf_slow"

	// Errors -> error_event/4
	AuditErrorGeneric  AuditEventType = "error_generic"
	AuditErrorCritical AuditEventType = "error_critical"
)

// AuditEvent is one structured audit entry.
// Fact shape: predicate(timestamp, event, ...args).
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"` // Unix milliseconds
	EventType  AuditEventType         `json:"event"`
	Category   string                 `json:"cat"`
	RequestID  string                 `json:"req,omitempty"`
	JobID      string                 `json:"job,omitempty"`
	DocumentID string                 `json:"doc,omitempty"`
	Target     string                 `json:"target,omitempty"`
	Action     string                 `json:"action,omitempty"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	MangleFact string                 `json:"mangle"`
}

var (
	auditMu   sync.Mutex
	auditFile *os.File

	auditOnce   sync.Once
	auditShared *AuditLogger
)

// AuditLogger writes audit events, optionally scoped to a job or document.
type AuditLogger struct {
	jobID      string
	documentID string
	category   Category
}

// InitAudit opens the daily audit log under the workspace log directory.
// Events logged before InitAudit (or after CloseAudit) are dropped.
func InitAudit() error {
	if !enabled() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil
	}

	baseDirMu.RLock()
	dir := filepath.Join(baseDir, ".dossier", "logs")
	baseDirMu.RUnlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create audit log directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_audit.log", time.Now().Format("2006-01-02")))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit log started %s\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)
	return nil
}

// CloseAudit closes the audit file. Call on shutdown.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the shared unscoped audit logger.
func Audit() *AuditLogger {
	auditOnce.Do(func() {
		auditShared = &AuditLogger{}
	})
	return auditShared
}

// AuditWithJob returns an audit logger scoped to one job.
func AuditWithJob(jobID string) *AuditLogger {
	return &AuditLogger{jobID: jobID}
}

// AuditWithDocument returns an audit logger scoped to one document.
func AuditWithDocument(documentID string) *AuditLogger {
	return &AuditLogger{documentID: documentID}
}

// AuditWithContext returns a fully scoped audit logger.
func AuditWithContext(jobID, documentID string, category Category) *AuditLogger {
	return &AuditLogger{jobID: jobID, documentID: documentID, category: category}
}

// Log writes one audit event. No-op until InitAudit has been called.
func (a *AuditLogger) Log(event AuditEvent) {
	auditMu.Lock()
	file := auditFile
	auditMu.Unlock()
	if file == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.JobID == "" && a.jobID != "" {
		event.JobID = a.jobID
	}
	if event.DocumentID == "" && a.documentID != "" {
		event.DocumentID = a.documentID
	}
	if event.Category == "" && a.category != "" {
		event.Category = string(a.category)
	}

	event.MangleFact = generateMangleFact(event)

	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// generateMangleFact renders the event as a Mangle fact literal.
func generateMangleFact(e AuditEvent) string {
	switch e.EventType {
	case AuditJobQueued, AuditJobStarted, AuditJobStage, AuditJobSucceeded, AuditJobFailed, AuditJobCancelled:
		return fmt.Sprintf("job_event(%d, /%s, \"%s\", \"%s\", %v, %d).",
			e.Timestamp, e.EventType, e.JobID, e.Target, e.Success, e.DurationMs)

	case AuditMakerRound, AuditMakerConverged, AuditMakerRedFlag, AuditMakerNoConvergence:
		round := 0
		if r, ok := e.Fields["round"].(int); ok {
			round = r
		}
		return fmt.Sprintf("maker_event(%d, /%s, \"%s\", \"%s\", %v, %d).",
			e.Timestamp, e.EventType, e.Target, escapeString(e.Action), e.Success, round)

	case AuditLLMRequest, AuditLLMResponse, AuditLLMError:
		tokens := 0
		if t, ok := e.Fields["tokens"].(int); ok {
			tokens = t
		}
		return fmt.Sprintf("llm_call(%d, /%s, \"%s\", %v, %d, %d).",
			e.Timestamp, e.EventType, e.Target, e.Success, e.DurationMs, tokens)

	case AuditIngestEnumerated, AuditIngestDuplicate, AuditIngestCommitted, AuditIngestRetry, AuditIngestFailed:
		return fmt.Sprintf("ingest_event(%d, /%s, \"%s\", \"%s\", %v).",
			e.Timestamp, e.EventType, e.DocumentID, escapeString(e.Target), e.Success)

	case AuditFileRead, AuditFileWrite, AuditFileDelete, AuditFileError:
		size := int64(0)
		if s, ok := e.Fields["size"].(int64); ok {
			size = s
		}
		return fmt.Sprintf("file_op(%d, /%s, \"%s\", %v, %d).",
			e.Timestamp, e.EventType, escapeString(e.Target), e.Success, size)

	case AuditSearchVector, AuditSearchHybrid:
		results := 0
		if r, ok := e.Fields["results"].(int); ok {
			results = r
		}
		return fmt.Sprintf("search_event(%d, /%s, \"%s\", %d, %d).",
			e.Timestamp, e.EventType, escapeString(e.Action), results, e.DurationMs)

	case AuditWatchRegistered, AuditWatchRenewed, AuditWatchNotified, AuditWatchStopped, AuditWatchExpired:
		return fmt.Sprintf("watch_event(%d, /%s, \"%s\", \"%s\", %v).",
			e.Timestamp, e.EventType, e.Action, escapeString(e.Target), e.Success)

	case AuditPolicyAllow, AuditPolicyBlock:
		return fmt.Sprintf("policy_check(%d, /%s, \"%s\", %v).",
			e.Timestamp, e.EventType, escapeString(e.Target), e.Success)

	case AuditQuotaWait, AuditQuotaExhausted:
		return fmt.Sprintf("quota_event(%d, /%s, \"%s\", %d).",
			e.Timestamp, e.EventType, e.Target, e.DurationMs)

	case AuditSweepStarted, AuditSweepCompleted:
		removed := 0
		if r, ok := e.Fields["removed"].(int); ok {
			removed = r
		}
		return fmt.Sprintf("sweep_event(%d, /%s, %d, %d).",
			e.Timestamp, e.EventType, removed, e.DurationMs)

	case AuditPerfMetric, AuditPerfSlow:
		return fmt.Sprintf("perf_metric(%d, \"%s\", \"%s\", %d).",
			e.Timestamp, e.Category, e.Action, e.DurationMs)

	case AuditErrorGeneric, AuditErrorCritical:
		return fmt.Sprintf("error_event(%d, /%s, \"%s\", \"%s\").",
			e.Timestamp, e.EventType, e.Category, escapeString(e.Error))

	default:
		return fmt.Sprintf("audit_event(%d, /%s, \"%s\", \"%s\", %v).",
			e.Timestamp, e.EventType, e.Category, escapeString(e.Message), e.Success)
	}
}

// escapeString escapes quotes, backslashes and control characters so the
// value is a valid Mangle string literal. Uses a builder; audit messages can
// carry multi-kilobyte extraction errors.
func escapeString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/10)

	for _, c := range s {
		switch c {
		case '"':
			b.WriteString("\\\"")
		case '\\':
			b.WriteString("\\\\")
		case '\n':
			b.WriteString("\\n")
		case '\r':
			b.WriteString("\\r")
		case '\t':
			b.WriteString("\\t")
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

// ===== CONVENIENCE METHODS =====

// JobTransition logs a job status change.
func (a *AuditLogger) JobTransition(event AuditEventType, jobID, jobType string, durationMs int64) {
	success := event != AuditJobFailed
	a.Log(AuditEvent{
		EventType:  event,
		JobID:      jobID,
		Target:     jobType,
		Success:    success,
		DurationMs: durationMs,
		Message:    fmt.Sprintf("Job %s: %s (%s)", event, jobID, jobType),
	})
}

// JobStage logs a stage boundary inside a running job.
func (a *AuditLogger) JobStage(jobID, stage string, progress float64) {
	a.Log(AuditEvent{
		EventType: AuditJobStage,
		JobID:     jobID,
		Target:    stage,
		Success:   true,
		Fields:    map[string]interface{}{"progress": progress},
		Message:   fmt.Sprintf("Job %s stage %s (%.0f%%)", jobID, stage, progress*100),
	})
}

// MakerRound logs one voting round's tally.
func (a *AuditLogger) MakerRound(model string, round, leadCount, otherMax int) {
	a.Log(AuditEvent{
		EventType: AuditMakerRound,
		Target:    model,
		Success:   true,
		Fields:    map[string]interface{}{"round": round, "lead": leadCount, "other_max": otherMax},
		Message:   fmt.Sprintf("Vote round %d: lead=%d otherMax=%d", round, leadCount, otherMax),
	})
}

// MakerConverged logs a successful consensus.
func (a *AuditLogger) MakerConverged(model string, rounds, samples int, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditMakerConverged,
		Target:     model,
		Success:    true,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"round": rounds, "samples": samples},
		Message:    fmt.Sprintf("Consensus after %d rounds (%d samples)", rounds, samples),
	})
}

// MakerRedFlag logs a discarded sample.
func (a *AuditLogger) MakerRedFlag(model, reason string, round int) {
	a.Log(AuditEvent{
		EventType: AuditMakerRedFlag,
		Target:    model,
		Action:    reason,
		Success:   false,
		Fields:    map[string]interface{}{"round": round},
		Message:   fmt.Sprintf("Red-flagged sample in round %d: %s", round, reason),
	})
}

// MakerNoConvergence logs round exhaustion.
func (a *AuditLogger) MakerNoConvergence(model string, rounds int) {
	a.Log(AuditEvent{
		EventType: AuditMakerNoConvergence,
		Target:    model,
		Success:   false,
		Fields:    map[string]interface{}{"round": rounds},
		Message:   fmt.Sprintf("No consensus after %d rounds", rounds),
	})
}

// LLMCall logs one sampler invocation.
func (a *AuditLogger) LLMCall(model string, tokens int, durationMs int64, success bool, errMsg string) {
	eventType := AuditLLMResponse
	if !success {
		eventType = AuditLLMError
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Target:     model,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Fields:     map[string]interface{}{"tokens": tokens},
		Message:    fmt.Sprintf("LLM call: %s -> %d tokens (%dms, success=%v)", model, tokens, durationMs, success),
	})
}

// IngestCommitted logs a document commit.
func (a *AuditLogger) IngestCommitted(documentID, source string, chunks int) {
	a.Log(AuditEvent{
		EventType:  AuditIngestCommitted,
		DocumentID: documentID,
		Target:     source,
		Success:    true,
		Fields:     map[string]interface{}{"chunks": chunks},
		Message:    fmt.Sprintf("Committed %s from %s (%d chunks)", documentID, source, chunks),
	})
}

// IngestDuplicate logs a dedupe hit.
func (a *AuditLogger) IngestDuplicate(documentID, versionHash string) {
	a.Log(AuditEvent{
		EventType:  AuditIngestDuplicate,
		DocumentID: documentID,
		Target:     versionHash,
		Success:    true,
		Message:    fmt.Sprintf("Duplicate content %s (doc %s)", versionHash, documentID),
	})
}

// IngestFailed logs a file entering the failed queue.
func (a *AuditLogger) IngestFailed(documentID, source, errMsg string, attempts int) {
	a.Log(AuditEvent{
		EventType:  AuditIngestFailed,
		DocumentID: documentID,
		Target:     source,
		Success:    false,
		Error:      errMsg,
		Fields:     map[string]interface{}{"attempts": attempts},
		Message:    fmt.Sprintf("Ingest failed for %s after %d attempts: %s", source, attempts, errMsg),
	})
}

// FileOp logs a file read/write/delete.
func (a *AuditLogger) FileOp(op AuditEventType, path string, size int64, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType: op,
		Target:    path,
		Success:   success,
		Error:     errMsg,
		Fields:    map[string]interface{}{"size": size},
		Message:   fmt.Sprintf("File %s: %s (%d bytes, success=%v)", op, path, size, success),
	})
}

// SearchQuery logs one retrieval round trip.
func (a *AuditLogger) SearchQuery(hybrid bool, query string, results int, durationMs int64) {
	eventType := AuditSearchVector
	if hybrid {
		eventType = AuditSearchHybrid
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Action:     query,
		Success:    true,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"results": results},
		Message:    fmt.Sprintf("Search (%s): %d results in %dms", eventType, results, durationMs),
	})
}

// WatchEvent logs watch channel lifecycle activity.
func (a *AuditLogger) WatchEvent(event AuditEventType, watchID, target string, success bool) {
	a.Log(AuditEvent{
		EventType: event,
		Action:    watchID,
		Target:    target,
		Success:   success,
		Message:   fmt.Sprintf("Watch %s: %s (%s)", event, watchID, target),
	})
}

// PolicyCheck logs an admission decision.
func (a *AuditLogger) PolicyCheck(source string, allowed bool, reason string) {
	eventType := AuditPolicyAllow
	if !allowed {
		eventType = AuditPolicyBlock
	}
	a.Log(AuditEvent{
		EventType: eventType,
		Target:    source,
		Success:   allowed,
		Fields:    map[string]interface{}{"reason": reason},
		Message:   fmt.Sprintf("Policy %s: %s (%s)", eventType, source, reason),
	})
}

// QuotaWait logs a rate-limit stall.
func (a *AuditLogger) QuotaWait(key string, waitMs int64) {
	eventType := AuditQuotaWait
	if waitMs < 0 {
		eventType = AuditQuotaExhausted
		waitMs = 0
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Target:     key,
		Success:    eventType == AuditQuotaWait,
		DurationMs: waitMs,
		Message:    fmt.Sprintf("Quota %s: %s (%dms)", eventType, key, waitMs),
	})
}

// SweepCompleted logs a retention sweep result.
func (a *AuditLogger) SweepCompleted(removed int, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditSweepCompleted,
		Success:    true,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"removed": removed},
		Message:    fmt.Sprintf("Retention sweep removed %d documents (%dms)", removed, durationMs),
	})
}

// PerfMetric logs an operation duration, flagging it when over threshold.
func (a *AuditLogger) PerfMetric(operation string, durationMs, threshold int64) {
	eventType := AuditPerfMetric
	success := true
	if threshold > 0 && durationMs > threshold {
		eventType = AuditPerfSlow
		success = false
	}
	fields := map[string]interface{}{}
	if threshold > 0 {
		fields["threshold_ms"] = threshold
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Action:     operation,
		DurationMs: durationMs,
		Success:    success,
		Fields:     fields,
		Message:    fmt.Sprintf("Perf: %s took %dms (threshold=%dms)", operation, durationMs, threshold),
	})
}

// Error logs an error event.
func (a *AuditLogger) Error(category string, err error, critical bool) {
	eventType := AuditErrorGeneric
	if critical {
		eventType = AuditErrorCritical
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	a.Log(AuditEvent{
		EventType: eventType,
		Category:  category,
		Success:   false,
		Error:     errMsg,
		Message:   fmt.Sprintf("Error in %s: %s (critical=%v)", category, errMsg, critical),
	})
}
