package ingest

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"dossier/internal/faults"
	"dossier/internal/logging"
)

// Quota is the token bucket guarding every ingestion entry point. Short
// stalls are absorbed by waiting; anything past maxWait surfaces as a
// retryable QuotaExceeded so callers back off through the retry queue
// instead of camping on the limiter.
type Quota struct {
	limiter *rate.Limiter
	maxWait time.Duration
}

// NewQuota sizes the bucket for perMinute admissions, refilled evenly
// across the minute with the full minute allowance as burst.
func NewQuota(perMinute int) *Quota {
	if perMinute <= 0 {
		perMinute = 1000
	}
	return &Quota{
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		maxWait: time.Minute,
	}
}

// Acquire takes one admission token, waiting when the bucket is briefly
// empty. key names the caller for the audit trail.
func (q *Quota) Acquire(ctx context.Context, key string) error {
	r := q.limiter.Reserve()
	if !r.OK() {
		logging.Audit().QuotaWait(key, -1)
		return faults.New(faults.KindQuotaExceeded, "ingest.quota", "ingestion quota unobtainable")
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	if delay > q.maxWait {
		r.Cancel()
		logging.Audit().QuotaWait(key, -1)
		return faults.Errorf(faults.KindQuotaExceeded, "ingest.quota",
			"ingestion quota exhausted, retry after %s", delay.Round(time.Second))
	}

	logging.Audit().QuotaWait(key, delay.Milliseconds())
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return faults.Wrap(faults.KindCancelled, "ingest.quota", ctx.Err())
	case <-timer.C:
		return nil
	}
}
