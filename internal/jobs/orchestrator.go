// Package jobs runs the orchestrator: it queues multi-stage jobs, dispatches
// them to worker endpoints, and owns the background loops that keep the
// corpus current (drive channel renewal, fileshare polling, retention sweep).
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"dossier/internal/config"
	"dossier/internal/faults"
	"dossier/internal/ingest"
	"dossier/internal/logging"
	"dossier/internal/monitor"
	"dossier/internal/store"
)

// Job types the orchestrator can decompose into stages.
const (
	TypeResearchAndExport = "research-and-export"
	TypeDataPipeline      = "data-pipeline"
	TypeRAGIngest         = "rag-ingest"
	TypeVerification      = "verification"
	TypeCustom            = "custom"
)

// ValidType reports whether t names a known job type.
func ValidType(t string) bool {
	switch t {
	case TypeResearchAndExport, TypeDataPipeline, TypeRAGIngest, TypeVerification, TypeCustom:
		return true
	}
	return false
}

// JobSpec is a submitted job request. A caller-supplied JobID doubles as an
// idempotency key: resubmitting it returns the existing record. Verify is a
// pointer so an omitted field defaults to true.
type JobSpec struct {
	JobID        string                 `json:"job_id,omitempty"`
	Type         string                 `json:"type"`
	Query        string                 `json:"query,omitempty"`
	Deliverables []string               `json:"deliverables,omitempty"`
	Sources      []string               `json:"sources,omitempty"`
	Verify       *bool                  `json:"verify,omitempty"`
	UserPrefs    map[string]interface{} `json:"user_prefs,omitempty"`
}

func (s *JobSpec) applyDefaults() {
	if len(s.Deliverables) == 0 {
		s.Deliverables = []string{"csv"}
	}
	if len(s.Sources) == 0 {
		s.Sources = []string{"web"}
	}
}

func (s *JobSpec) verifyRequested() bool {
	return s.Verify == nil || *s.Verify
}

func (s *JobSpec) pref(key string) interface{} {
	if s.UserPrefs == nil {
		return nil
	}
	return s.UserPrefs[key]
}

// errJobCancelled unwinds a stage DAG when a cancel request is observed at a
// checkpoint. It never leaves the package; finalize translates it into the
// cancelled terminal state.
var errJobCancelled = errors.New("job cancelled")

// Orchestrator owns the job queue. StartJob enqueues; the dispatch loop
// claims queued jobs and executes their stage DAG on worker goroutines, at
// most maxConcurrent at a time.
type Orchestrator struct {
	store    *store.Store
	pipeline *ingest.Pipeline
	cfg      *config.Config
	client   *http.Client
	monitor  *monitor.Monitor

	interval   time.Duration
	maxPerTick int
	sem        chan struct{}

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds an orchestrator. The pipeline may be nil when the deployment
// has no local corpus; the research ingest stage then reports zero copies.
func New(st *store.Store, pipe *ingest.Pipeline, cfg *config.Config) *Orchestrator {
	maxPerTick := cfg.Jobs.MaxPerTick
	if maxPerTick <= 0 {
		maxPerTick = 10
	}
	maxConcurrent := cfg.Jobs.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Orchestrator{
		store:      st,
		pipeline:   pipe,
		cfg:        cfg,
		client:     &http.Client{},
		interval:   cfg.GetDispatchInterval(),
		maxPerTick: maxPerTick,
		sem:        make(chan struct{}, maxConcurrent),
	}
}

// SetMonitor wires the audit/QA surface. Without one, jobs still run;
// they only skip the audit trail and the finished-job QA battery.
func (o *Orchestrator) SetMonitor(m *monitor.Monitor) {
	o.monitor = m
}

// audit mirrors a job transition into the monitor ring when one is wired.
func (o *Orchestrator) audit(eventType, message, jobID string) {
	if o.monitor == nil {
		return
	}
	_ = o.monitor.Log(monitor.Event{
		Agent:     "orchestrator",
		EventType: eventType,
		Message:   message,
		JobID:     jobID,
	})
}

// NewJobID mints a dated job id, e.g. job-20260825-1f3a9c2e.
func NewJobID() string {
	u := uuid.New()
	return fmt.Sprintf("job-%s-%x", time.Now().UTC().Format("20060102"), u[:4])
}

// StartJob validates and enqueues a job, returning the stored record and
// whether this call created it. The dispatch loop picks it up on its next
// tick; StartJob never blocks on execution.
func (o *Orchestrator) StartJob(spec JobSpec) (*store.JobRecord, bool, error) {
	if !ValidType(spec.Type) {
		return nil, false, faults.Errorf(faults.KindPermanentIO, "jobs.start", "unknown job type %q", spec.Type)
	}

	callerRef := spec.JobID
	if spec.JobID == "" {
		spec.JobID = NewJobID()
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, false, faults.Wrap(faults.KindInvariant, "jobs.start", err)
	}

	rec, created, err := o.store.CreateJob(store.JobRecord{
		ID:        spec.JobID,
		Type:      spec.Type,
		Spec:      string(raw),
		CallerRef: callerRef,
	})
	if err != nil {
		return nil, false, faults.Wrap(faults.KindTransientIO, "jobs.start", err)
	}
	if created {
		logging.Jobs("Queued job %s (%s)", rec.ID, rec.Type)
		logging.Audit().JobTransition(logging.AuditJobQueued, rec.ID, rec.Type, 0)
		o.audit(monitor.EventInfo, "queued "+rec.Type+" job", rec.ID)
	}
	return rec, created, nil
}

// Cancel requests a job stop. Queued jobs cancel immediately; running jobs
// bail at their next stage checkpoint. Returns the status after the request
// and false when the job does not exist.
func (o *Orchestrator) Cancel(id string) (string, bool, error) {
	status, err := o.store.RequestCancel(id)
	if err != nil {
		return "", false, err
	}
	if status == "" {
		return "", false, nil
	}
	return status, true, nil
}

// Start launches the dispatch loop. Safe to call once; a second call while
// running is a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.doneCh = make(chan struct{})
	o.mu.Unlock()

	go o.run(ctx)
	logging.Jobs("Dispatcher started (tick %s, %d per tick, %d concurrent)",
		o.interval, o.maxPerTick, cap(o.sem))
}

// Stop halts dispatching and waits for in-flight jobs to finish. Jobs keep
// their worker calls; cancellation is a per-job concern, not a shutdown one.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.mu.Unlock()

	close(o.stopCh)
	<-o.doneCh
	o.wg.Wait()
	logging.Jobs("Dispatcher stopped")
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.doneCh)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.dispatch(ctx)
		}
	}
}

// dispatch claims up to maxPerTick queued jobs. The claim is a
// compare-and-swap on status, so overlapping ticks or a second process
// cannot double-run a job.
func (o *Orchestrator) dispatch(ctx context.Context) {
	queued, err := o.store.QueuedJobs(o.maxPerTick)
	if err != nil {
		logging.JobsError("Dispatch tick could not list queued jobs: %v", err)
		return
	}

	for _, job := range queued {
		claimed, err := o.store.ClaimJob(job.ID)
		if err != nil {
			logging.JobsError("Claim of job %s failed: %v", job.ID, err)
			continue
		}
		if !claimed {
			continue
		}
		o.wg.Add(1)
		go func(job store.JobRecord) {
			defer o.wg.Done()
			o.sem <- struct{}{}
			defer func() { <-o.sem }()
			o.execute(ctx, job)
		}(job)
	}
}

// execute runs one claimed job to a terminal state.
func (o *Orchestrator) execute(ctx context.Context, job store.JobRecord) {
	timer := logging.StartTimer(logging.CategoryJobs, "execute "+job.Type)
	defer timer.Stop()

	start := time.Now()
	logging.Jobs("Executing job %s (%s)", job.ID, job.Type)
	logging.Audit().JobTransition(logging.AuditJobStarted, job.ID, job.Type, 0)
	monitor.JobStarted(job.Type)

	var spec JobSpec
	if err := json.Unmarshal([]byte(job.Spec), &spec); err != nil {
		o.finalize(job, nil, faults.Errorf(faults.KindInvariant, "jobs.execute", "undecodable job spec: %v", err), start)
		return
	}
	spec.JobID = job.ID
	spec.applyDefaults()

	if err := o.checkpoint(job.ID, 0.1, "Starting job execution"); err != nil {
		o.finalize(job, nil, err, start)
		return
	}

	var result map[string]interface{}
	var err error
	switch job.Type {
	case TypeResearchAndExport:
		result, err = o.researchAndExport(ctx, spec)
	case TypeDataPipeline:
		result, err = o.dataPipeline(ctx, spec)
	case TypeRAGIngest:
		result, err = o.ragIngest(ctx, spec)
	case TypeVerification:
		result, err = o.verification(ctx, spec)
	default:
		err = faults.Errorf(faults.KindPermanentIO, "jobs.execute", "custom job stages are not implemented")
	}
	o.finalize(job, result, err, start)
}

// finalize writes the terminal state. CompleteJob refuses jobs that already
// left the running state, which is how a worker that raced a cancellation
// learns its result must be discarded.
func (o *Orchestrator) finalize(job store.JobRecord, result map[string]interface{}, err error, start time.Time) {
	elapsed := time.Since(start).Milliseconds()

	switch {
	case err == nil:
		raw, merr := json.Marshal(result)
		if merr != nil {
			o.finalize(job, nil, faults.Wrap(faults.KindInvariant, "jobs.result", merr), start)
			return
		}
		ok, serr := o.store.CompleteJob(job.ID, store.JobSucceeded, string(raw), "Job completed successfully")
		if serr != nil {
			logging.JobsError("Could not record success of job %s: %v", job.ID, serr)
			return
		}
		if !ok {
			logging.Jobs("Job %s finished after cancellation; result discarded", job.ID)
			logging.Audit().JobTransition(logging.AuditJobCancelled, job.ID, job.Type, elapsed)
			monitor.JobFinished(job.Type, store.JobCancelled)
			o.audit(monitor.EventInfo, "job cancelled", job.ID)
			return
		}
		logging.Jobs("Job %s completed in %dms", job.ID, elapsed)
		logging.Audit().JobTransition(logging.AuditJobSucceeded, job.ID, job.Type, elapsed)
		monitor.JobFinished(job.Type, store.JobSucceeded)
		o.audit(monitor.EventSuccess, "job succeeded", job.ID)
		if o.monitor != nil {
			o.monitor.CheckFinishedJob(job.ID, job.Type, store.JobSucceeded, result)
		}

	case errors.Is(err, errJobCancelled):
		if _, serr := o.store.CompleteJob(job.ID, store.JobCancelled, "", "Job cancelled between stages"); serr != nil {
			logging.JobsError("Could not record cancellation of job %s: %v", job.ID, serr)
			return
		}
		logging.Audit().JobTransition(logging.AuditJobCancelled, job.ID, job.Type, elapsed)
		monitor.JobFinished(job.Type, store.JobCancelled)
		o.audit(monitor.EventInfo, "job cancelled", job.ID)

	default:
		msg := fmt.Sprintf("Job failed: %v", err)
		logging.JobsError("Job %s failed: %v", job.ID, err)
		if _, serr := o.store.CompleteJob(job.ID, store.JobFailed, "", msg); serr != nil {
			logging.JobsError("Could not record failure of job %s: %v", job.ID, serr)
			return
		}
		logging.Audit().JobTransition(logging.AuditJobFailed, job.ID, job.Type, elapsed)
		monitor.JobFinished(job.Type, store.JobFailed)
		o.audit(monitor.EventError, msg, job.ID)
		if o.monitor != nil {
			o.monitor.CheckFinishedJob(job.ID, job.Type, store.JobFailed, nil)
		}
	}
}

// checkpoint advances the job's progress marker and appends the stage
// message to its log. It reports errJobCancelled when a cancel request
// landed or the job left the running state under us, which unwinds the
// remaining stages.
func (o *Orchestrator) checkpoint(jobID string, progress float64, message string) error {
	cancelled, err := o.store.CancelRequested(jobID)
	if err != nil {
		return faults.Wrap(faults.KindTransientIO, "jobs.checkpoint", err)
	}
	if cancelled {
		return errJobCancelled
	}
	ok, err := o.store.UpdateProgress(jobID, progress, message)
	if err != nil {
		return faults.Wrap(faults.KindTransientIO, "jobs.checkpoint", err)
	}
	if !ok {
		return errJobCancelled
	}
	logging.Audit().JobStage(jobID, message, progress)
	return nil
}
