package jobs

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"dossier/internal/config"
	"dossier/internal/faults"
	"dossier/internal/ingest"
	"dossier/internal/logging"
	store "dossier/internal/store"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "jobs_test")
	if err != nil {
		panic(err)
	}
	logging.Initialize(dir)
	code := m.Run()
	logging.CloseAll()
	os.RemoveAll(dir)
	os.Exit(code)
}

// workerStub plays every worker endpoint at once, recording the JSON body
// posted to each path and answering with canned replies.
type workerStub struct {
	mu      sync.Mutex
	replies map[string]map[string]interface{}
	status  map[string]int
	calls   map[string][]map[string]interface{}
	srv     *httptest.Server
}

func newWorkerStub(t *testing.T) *workerStub {
	t.Helper()
	ws := &workerStub{
		replies: map[string]map[string]interface{}{},
		status:  map[string]int{},
		calls:   map[string][]map[string]interface{}{},
	}
	ws.srv = httptest.NewServer(http.HandlerFunc(ws.handle))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *workerStub) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var decoded map[string]interface{}
	json.Unmarshal(body, &decoded)

	ws.mu.Lock()
	ws.calls[r.URL.Path] = append(ws.calls[r.URL.Path], decoded)
	reply, ok := ws.replies[r.URL.Path]
	code := ws.status[r.URL.Path]
	ws.mu.Unlock()

	if code != 0 {
		http.Error(w, "worker exploded", code)
		return
	}
	if !ok {
		reply = map[string]interface{}{"ok": true}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reply)
}

func (ws *workerStub) on(path string, reply map[string]interface{}) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.replies[path] = reply
}

func (ws *workerStub) failWith(path string, code int) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.status[path] = code
}

func (ws *workerStub) callCount(path string) int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.calls[path])
}

func (ws *workerStub) lastCall(t *testing.T, path string) map[string]interface{} {
	t.Helper()
	ws.mu.Lock()
	defer ws.mu.Unlock()
	calls := ws.calls[path]
	if len(calls) == 0 {
		t.Fatalf("No calls recorded for %s", path)
	}
	return calls[len(calls)-1]
}

func newTestOrchestrator(t *testing.T, workerURL string) (*Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.Jobs.DispatchInterval = "10ms"
	cfg.Workers.CallTimeout = "5s"
	if workerURL != "" {
		cfg.Workers.ResearcherURL = workerURL
		cfg.Workers.VerifierURL = workerURL
		cfg.Workers.DataRetrieverURL = workerURL
		cfg.Workers.TransformerURL = workerURL
		cfg.Workers.ExporterURL = workerURL
		cfg.Workers.MemoryURL = workerURL
	}

	pipe := ingest.NewPipeline(st, cfg, nil)
	return New(st, pipe, cfg), st
}

// runJob enqueues, claims, and executes a job synchronously, returning the
// terminal record.
func runJob(t *testing.T, o *Orchestrator, spec JobSpec) *store.JobRecord {
	t.Helper()
	rec, created, err := o.StartJob(spec)
	if err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}
	if !created {
		t.Fatalf("StartJob deduplicated a fresh submission: %+v", rec)
	}
	claimed, err := o.store.ClaimJob(rec.ID)
	if err != nil || !claimed {
		t.Fatalf("ClaimJob failed: claimed=%v err=%v", claimed, err)
	}
	o.execute(context.Background(), *rec)

	got, err := o.store.GetJob(rec.ID)
	if err != nil || got == nil {
		t.Fatalf("GetJob after execute failed: %v", err)
	}
	return got
}

func decodeResult(t *testing.T, rec *store.JobRecord) map[string]interface{} {
	t.Helper()
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(rec.Result), &result); err != nil {
		t.Fatalf("Result is not JSON: %v (%q)", err, rec.Result)
	}
	return result
}

func logsContain(entries []store.JobLogEntry, substr string) bool {
	for _, e := range entries {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestNewJobIDFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^job-\d{8}-[0-9a-f]{8}$`)
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		id := NewJobID()
		if !pattern.MatchString(id) {
			t.Fatalf("Job id %q does not match job-YYYYMMDD-hex8", id)
		}
		if seen[id] {
			t.Fatalf("Duplicate job id %q", id)
		}
		seen[id] = true
	}
}

func TestStartJobValidatesType(t *testing.T) {
	o, _ := newTestOrchestrator(t, "")

	_, _, err := o.StartJob(JobSpec{Type: "make-coffee"})
	if err == nil {
		t.Fatal("Unknown job type should be rejected")
	}
	if faults.KindOf(err) != faults.KindPermanentIO {
		t.Errorf("Kind = %v, want KindPermanentIO", faults.KindOf(err))
	}
}

func TestStartJobIdempotentResubmission(t *testing.T) {
	o, st := newTestOrchestrator(t, "")

	spec := JobSpec{JobID: "job-20260825-cafe0001", Type: TypeVerification}
	first, created, err := o.StartJob(spec)
	if err != nil || !created {
		t.Fatalf("First submission: created=%v err=%v", created, err)
	}

	second, created, err := o.StartJob(spec)
	if err != nil {
		t.Fatalf("Resubmission failed: %v", err)
	}
	if created {
		t.Error("Resubmission should return the existing record, not create")
	}
	if second.ID != first.ID {
		t.Errorf("Resubmission returned %s, want %s", second.ID, first.ID)
	}

	queued, _ := st.QueuedJobs(10)
	if len(queued) != 1 {
		t.Errorf("Queue depth = %d, want 1", len(queued))
	}
}

func TestCancelQueuedJobIsImmediate(t *testing.T) {
	o, st := newTestOrchestrator(t, "")

	rec, _, err := o.StartJob(JobSpec{Type: TypeVerification})
	if err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}

	status, found, err := o.Cancel(rec.ID)
	if err != nil || !found {
		t.Fatalf("Cancel failed: found=%v err=%v", found, err)
	}
	if status != store.JobCancelled {
		t.Errorf("Status after cancel = %q, want cancelled", status)
	}

	// The dispatcher claim must lose against the terminal state.
	claimed, _ := st.ClaimJob(rec.ID)
	if claimed {
		t.Error("Cancelled job should not be claimable")
	}
}

func TestCancelUnknownJob(t *testing.T) {
	o, _ := newTestOrchestrator(t, "")

	_, found, err := o.Cancel("job-20260825-00000000")
	if err != nil {
		t.Fatalf("Cancel errored: %v", err)
	}
	if found {
		t.Error("Cancel of an unknown job should report not found")
	}
}

func TestVerificationJobSucceeds(t *testing.T) {
	ws := newWorkerStub(t)
	ws.on("/verify_claims", map[string]interface{}{
		"results": []interface{}{
			map[string]interface{}{"claim": "2+2=4", "verdict": "SUPPORTED", "confidence": 0.98},
		},
	})
	o, st := newTestOrchestrator(t, ws.srv.URL)

	job := runJob(t, o, JobSpec{
		Type:      TypeVerification,
		UserPrefs: map[string]interface{}{"claims": []interface{}{"2+2=4"}},
	})

	if job.Status != store.JobSucceeded {
		t.Fatalf("Status = %q, want succeeded (result %q)", job.Status, job.Result)
	}
	if job.Progress != 1.0 {
		t.Errorf("Progress = %v, want 1.0", job.Progress)
	}

	result := decodeResult(t, job)
	verification, ok := result["verification"].(map[string]interface{})
	if !ok {
		t.Fatalf("Result missing verification: %v", result)
	}
	results := verification["results"].([]interface{})
	if verdict := results[0].(map[string]interface{})["verdict"]; verdict != "SUPPORTED" {
		t.Errorf("Verdict = %v, want SUPPORTED", verdict)
	}

	sent := ws.lastCall(t, "/verify_claims")
	claims, _ := sent["claims"].([]interface{})
	if len(claims) != 1 || claims[0] != "2+2=4" {
		t.Errorf("Verifier received claims %v", sent["claims"])
	}

	logs, _ := st.JobLogs(job.ID)
	if len(logs) < 2 {
		t.Fatalf("Expected at least 2 log lines, got %d", len(logs))
	}
	if logs[0].Message != "Starting job execution" {
		t.Errorf("First log = %q", logs[0].Message)
	}
	if !logsContain(logs, "Verifying claims") || !logsContain(logs, "Job completed successfully") {
		t.Errorf("Log lines missing stages: %+v", logs)
	}
}

func TestResearchAndExportFlow(t *testing.T) {
	ws := newWorkerStub(t)
	ws.on("/research", map[string]interface{}{
		"query":     "q3 revenue",
		"synthesis": "Revenue grew nine percent.",
		"sources": []interface{}{
			map[string]interface{}{
				"id":                       "ab12cd34ef56",
				"title":                    "Quarterly revenue brief",
				"url":                      "https://example.org/q3",
				"summary":                  "Revenue grew nine percent.",
				"suggested_embedding_text": "Q3 revenue grew nine percent on subscription strength.",
				"credibility_score":        0.9,
			},
			map[string]interface{}{
				"id": "ffff00001111", "title": "Forum thread",
				"url": "https://example.net/t", "summary": "chatter",
				"credibility_score": 0.2,
			},
		},
		"claims": []interface{}{
			map[string]interface{}{"text": "Revenue grew 9% in Q3", "sources": []interface{}{"ab12cd34ef56"}},
		},
		"top_sources_for_rag": []interface{}{"ab12cd34ef56"},
		"total_found":         2,
	})
	ws.on("/verify_claims", map[string]interface{}{
		"results": []interface{}{map[string]interface{}{"verdict": "SUPPORTED"}},
	})
	ws.on("/export", map[string]interface{}{
		"files": []interface{}{"/exports/export_20260825_120000.csv"},
	})
	o, st := newTestOrchestrator(t, ws.srv.URL)

	job := runJob(t, o, JobSpec{Type: TypeResearchAndExport, Query: "q3 revenue"})
	if job.Status != store.JobSucceeded {
		t.Fatalf("Status = %q, want succeeded", job.Status)
	}

	result := decodeResult(t, job)
	for _, key := range []string{"research", "ingested", "verification", "exports"} {
		if _, ok := result[key]; !ok {
			t.Errorf("Result missing %q: %v", key, result)
		}
	}
	if copied, _ := result["ingested"].(float64); copied != 1 {
		t.Errorf("Ingested = %v, want 1 (only the RAG-recommended source)", result["ingested"])
	}

	// The recommended source landed in the corpus under the research label.
	doc, err := st.GetDocumentBySource(store.SourceResearch, "ab12cd34ef56")
	if err != nil || doc == nil {
		t.Fatalf("Research source not in corpus: %v", err)
	}
	if doc.Name != "Quarterly revenue brief" {
		t.Errorf("Document name = %q", doc.Name)
	}
	if low, _ := st.GetDocumentBySource(store.SourceResearch, "ffff00001111"); low != nil {
		t.Error("Low-credibility source should not be copied to the corpus")
	}

	research := ws.lastCall(t, "/research")
	if research["query"] != "q3 revenue" {
		t.Errorf("Research query = %v", research["query"])
	}
	if max, _ := research["max_results"].(float64); max != 30 {
		t.Errorf("max_results = %v, want 30", research["max_results"])
	}
	if types, _ := research["source_types"].([]interface{}); len(types) != 1 || types[0] != "web" {
		t.Errorf("source_types = %v, want default [web]", research["source_types"])
	}

	export := ws.lastCall(t, "/export")
	if format, _ := export["format"].([]interface{}); len(format) != 1 || format[0] != "csv" {
		t.Errorf("Export format = %v, want default [csv]", export["format"])
	}
	if _, ok := export["data"].(map[string]interface{}); !ok {
		t.Errorf("Export payload should carry the accumulated data: %v", export["data"])
	}
}

func TestVerifyFalseSkipsVerifier(t *testing.T) {
	ws := newWorkerStub(t)
	ws.on("/research", map[string]interface{}{
		"sources": []interface{}{}, "top_sources_for_rag": []interface{}{}, "claims": []interface{}{},
	})
	ws.on("/export", map[string]interface{}{"files": []interface{}{}})
	o, st := newTestOrchestrator(t, ws.srv.URL)

	no := false
	job := runJob(t, o, JobSpec{Type: TypeResearchAndExport, Query: "anything", Verify: &no})
	if job.Status != store.JobSucceeded {
		t.Fatalf("Status = %q, want succeeded", job.Status)
	}

	if n := ws.callCount("/verify_claims"); n != 0 {
		t.Errorf("Verifier called %d times, want 0", n)
	}
	result := decodeResult(t, job)
	if _, ok := result["verification"]; ok {
		t.Error("Result should not carry verification when skipped")
	}

	// The skipped stage still writes its checkpoint.
	logs, _ := st.JobLogs(job.ID)
	if !logsContain(logs, "Verification skipped") {
		t.Errorf("Missing skip checkpoint in logs: %+v", logs)
	}
}

func TestDataPipelineFlow(t *testing.T) {
	ws := newWorkerStub(t)
	ws.on("/fetch_data", map[string]interface{}{"data_path": "/tmp/in.csv", "rows": 10})
	ws.on("/transform", map[string]interface{}{"output_path": "/tmp/out.csv", "rows": 9})
	ws.on("/export", map[string]interface{}{"files": []interface{}{"/exports/out.csv"}})
	o, _ := newTestOrchestrator(t, ws.srv.URL)

	transformSpec := map[string]interface{}{
		"steps": []interface{}{map[string]interface{}{"op": "dedupe"}},
	}
	job := runJob(t, o, JobSpec{
		Type: TypeDataPipeline,
		UserPrefs: map[string]interface{}{
			"source":         "url_csv",
			"url":            "https://example.org/data.csv",
			"transform_spec": transformSpec,
		},
	})
	if job.Status != store.JobSucceeded {
		t.Fatalf("Status = %q, want succeeded", job.Status)
	}

	fetch := ws.lastCall(t, "/fetch_data")
	if fetch["url"] != "https://example.org/data.csv" {
		t.Errorf("Retriever did not receive user prefs: %v", fetch)
	}

	transform := ws.lastCall(t, "/transform")
	if transform["data_path"] != "/tmp/in.csv" {
		t.Errorf("Transform data_path = %v, want /tmp/in.csv", transform["data_path"])
	}
	if spec, _ := transform["spec"].(map[string]interface{}); spec == nil || spec["steps"] == nil {
		t.Errorf("Transform spec not threaded through: %v", transform["spec"])
	}

	export := ws.lastCall(t, "/export")
	if export["data_path"] != "/tmp/out.csv" {
		t.Errorf("Export data_path = %v, want /tmp/out.csv", export["data_path"])
	}

	result := decodeResult(t, job)
	for _, key := range []string{"data", "transform", "exports"} {
		if _, ok := result[key]; !ok {
			t.Errorf("Result missing %q", key)
		}
	}
}

func TestWorkerFailureFailsJob(t *testing.T) {
	ws := newWorkerStub(t)
	ws.failWith("/research", http.StatusInternalServerError)
	o, st := newTestOrchestrator(t, ws.srv.URL)

	job := runJob(t, o, JobSpec{Type: TypeResearchAndExport, Query: "doomed"})
	if job.Status != store.JobFailed {
		t.Fatalf("Status = %q, want failed", job.Status)
	}
	if job.Result != "" {
		t.Errorf("Failed job should have no result, got %q", job.Result)
	}
	if job.Progress != 0.2 {
		t.Errorf("Progress = %v, want frozen at 0.2", job.Progress)
	}

	logs, _ := st.JobLogs(job.ID)
	if !logsContain(logs, "Job failed") || !logsContain(logs, "500") {
		t.Errorf("Failure cause missing from logs: %+v", logs)
	}
	if n := ws.callCount("/export"); n != 0 {
		t.Errorf("Export called %d times after a failed stage, want 0", n)
	}
}

func TestCustomJobFails(t *testing.T) {
	o, st := newTestOrchestrator(t, "")

	job := runJob(t, o, JobSpec{Type: TypeCustom})
	if job.Status != store.JobFailed {
		t.Fatalf("Status = %q, want failed", job.Status)
	}
	logs, _ := st.JobLogs(job.ID)
	if !logsContain(logs, "custom job stages are not implemented") {
		t.Errorf("Missing cause in logs: %+v", logs)
	}
}

func TestCancelBetweenStages(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var extraCalls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/research" {
			close(started)
			<-release
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"sources": [], "top_sources_for_rag": [], "claims": []}`))
			return
		}
		atomic.AddInt32(&extraCalls, 1)
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	o, st := newTestOrchestrator(t, srv.URL)
	rec, _, err := o.StartJob(JobSpec{Type: TypeResearchAndExport, Query: "slow"})
	if err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}
	if claimed, err := st.ClaimJob(rec.ID); err != nil || !claimed {
		t.Fatalf("ClaimJob failed: claimed=%v err=%v", claimed, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.execute(context.Background(), *rec)
	}()

	<-started
	status, found, err := o.Cancel(rec.ID)
	if err != nil || !found {
		t.Fatalf("Cancel failed: found=%v err=%v", found, err)
	}
	if status != store.JobRunning {
		t.Errorf("Cancel of a running job should report running, got %q", status)
	}
	close(release)
	<-done

	job, _ := st.GetJob(rec.ID)
	if job.Status != store.JobCancelled {
		t.Fatalf("Status = %q, want cancelled", job.Status)
	}
	if job.Progress != 0.2 {
		t.Errorf("Progress = %v, want frozen at the pre-cancel checkpoint 0.2", job.Progress)
	}
	if job.Result != "" {
		t.Errorf("Cancelled job should discard results, got %q", job.Result)
	}
	if n := atomic.LoadInt32(&extraCalls); n != 0 {
		t.Errorf("%d worker calls after the cancel checkpoint, want 0", n)
	}
}

func TestDispatcherRunsQueuedJob(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)

	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer st.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results": []}`))
	}))
	defer srv.Close()

	cfg := config.DefaultConfig()
	cfg.Jobs.DispatchInterval = "10ms"
	cfg.Workers.VerifierURL = srv.URL
	o := New(st, nil, cfg)

	rec, _, err := o.StartJob(JobSpec{Type: TypeVerification})
	if err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}

	o.Start(context.Background())
	defer o.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := st.GetJob(rec.ID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if job.Status == store.JobSucceeded {
			break
		}
		if job.Status == store.JobFailed {
			t.Fatalf("Job failed: %q", job.Result)
		}
		if time.Now().After(deadline) {
			t.Fatalf("Dispatcher never finished the job: %+v", job)
		}
		time.Sleep(20 * time.Millisecond)
	}

	o.Stop()
}
