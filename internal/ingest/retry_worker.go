package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"dossier/internal/faults"
	"dossier/internal/logging"
	"dossier/internal/store"
)

// RetryWorker drains the store-backed retry queue in the background. Each
// due task is replayed through the full pipeline; tasks that keep failing
// are rescheduled with growing backoff until the attempt budget runs out,
// at which point the file is recorded as a failed ingest and dropped.
type RetryWorker struct {
	store       *store.Store
	pipeline    *Pipeline
	interval    time.Duration
	batch       int
	maxAttempts int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRetryWorker builds a worker over the pipeline's retry queue.
func NewRetryWorker(st *store.Store, p *Pipeline, maxAttempts int) *RetryWorker {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &RetryWorker{
		store:       st,
		pipeline:    p,
		interval:    30 * time.Second,
		batch:       50,
		maxAttempts: maxAttempts,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start launches the drain loop. It returns immediately.
func (w *RetryWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop halts the loop and waits for an in-flight drain to finish.
func (w *RetryWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *RetryWorker) run(ctx context.Context) {
	defer close(w.doneCh)
	logging.Ingest("Retry worker started: interval=%s max_attempts=%d", w.interval, w.maxAttempts)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain replays one batch of due tasks.
func (w *RetryWorker) drain(ctx context.Context) {
	tasks, err := w.store.DueRetries(time.Now().UTC(), w.batch)
	if err != nil {
		logging.IngestError("Retry queue read failed: %v", err)
		return
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		w.replay(ctx, task)
	}
}

func (w *RetryWorker) replay(ctx context.Context, task store.RetryTask) {
	var payload retryPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		logging.IngestError("Dropping undecodable retry task %d: %v", task.ID, err)
		if cerr := w.store.CompleteRetry(task.ID); cerr != nil {
			logging.IngestError("Failed to drop retry task %d: %v", task.ID, cerr)
		}
		return
	}

	ref := payload.Ref
	err := w.attempt(ctx, ref)
	if err == nil {
		logging.Ingest("Retry succeeded for %s after %d prior attempts", ref.Name, task.Attempts)
		if cerr := w.store.CompleteRetry(task.ID); cerr != nil {
			logging.IngestError("Failed to complete retry task %d: %v", task.ID, cerr)
		}
		return
	}
	if faults.KindOf(err) == faults.KindCancelled {
		// Shutdown mid-replay. The task stays due and the next drain gets it.
		return
	}

	attempts := task.Attempts + 1
	if attempts >= w.maxAttempts {
		target := ref.SourceID
		if target == "" {
			target = ref.Name
		}
		logging.Audit().IngestFailed(target, ref.Source, err.Error(), attempts)
		logging.IngestError("Giving up on %s after %d attempts: %v", ref.Name, attempts, err)
		if rerr := w.store.RecordFailedIngest(store.FailedIngest{
			Source:    ref.Source,
			SourceID:  ref.SourceID,
			Name:      ref.Name,
			Attempts:  attempts,
			LastError: err.Error(),
			FailedAt:  time.Now().UTC(),
		}); rerr != nil {
			logging.IngestError("Failed to record failed ingest for %s: %v", ref.Name, rerr)
		}
		if cerr := w.store.CompleteRetry(task.ID); cerr != nil {
			logging.IngestError("Failed to retire retry task %d: %v", task.ID, cerr)
		}
		return
	}

	next := time.Now().UTC().Add(retryDelay(attempts))
	if berr := w.store.BumpRetry(task.ID, next); berr != nil {
		logging.IngestError("Failed to reschedule retry task %d: %v", task.ID, berr)
		return
	}
	logging.IngestWarn("Retry %d/%d failed for %s, next at %s: %v",
		attempts, w.maxAttempts, ref.Name, next.Format(time.RFC3339), err)
}

// attempt replays one file through the pipeline. Terminal outcomes
// (committed, duplicate, skipped, blocked) all count as success here; only
// another deferrable failure comes back as an error.
func (w *RetryWorker) attempt(ctx context.Context, ref FileRef) error {
	src, ok := w.pipeline.source(ref.Source)
	if !ok {
		return faults.Errorf(faults.KindTransientIO, "ingest.retry", "source %q not registered", ref.Source)
	}
	_, _, err := w.pipeline.processFile(ctx, ref, func(fctx context.Context) ([]byte, error) {
		return src.Fetch(fctx, ref)
	})
	return err
}
