package jobs

import (
	"context"

	"dossier/internal/config"
	"dossier/internal/connectors"
	"dossier/internal/faults"
	"dossier/internal/ingest"
	"dossier/internal/logging"
)

// EmailPoller ingests inbox attachments one synchronous cycle at a time.
// There is no standing loop: the endpoint that owns it runs a cycle on
// demand, and content-hash dedupe makes repeated cycles idempotent.
type EmailPoller struct {
	pipeline *ingest.Pipeline
	gmail    *connectors.GmailConnector

	defaultLabel string
	defaultMax   int64
}

// EmailPollResult mirrors what one cycle saw and committed.
type EmailPollResult struct {
	EmailCount  int    `json:"email_count"`
	Attachments int    `json:"attachments_processed"`
	Label       string `json:"label"`
}

func NewEmailPoller(pipe *ingest.Pipeline, gm *connectors.GmailConnector, cfg *config.Config) *EmailPoller {
	label := cfg.Watch.GmailLabel
	if label == "" {
		label = "INBOX"
	}
	max := cfg.Watch.GmailMaxResults
	if max <= 0 {
		max = 100
	}
	return &EmailPoller{
		pipeline:     pipe,
		gmail:        gm,
		defaultLabel: label,
		defaultMax:   max,
	}
}

// PollOnce fetches attachments off labelled messages and pushes each through
// the pipeline. A failed attachment is logged and skipped; the next cycle
// sees the message again, so nothing is lost to a transient fault.
func (p *EmailPoller) PollOnce(ctx context.Context, label string, maxResults int64) (*EmailPollResult, error) {
	if p.gmail == nil {
		return nil, faults.Errorf(faults.KindPermanentIO, "watch.email", "gmail connector is not configured")
	}
	if label == "" {
		label = p.defaultLabel
	}
	if maxResults <= 0 {
		maxResults = p.defaultMax
	}

	attachments, scanned, err := p.gmail.FetchAttachments(ctx, label, maxResults)
	if err != nil {
		return nil, err
	}

	processed := 0
	for _, att := range attachments {
		if _, err := p.pipeline.IngestBytes(ctx, att.Ref, att.Content); err != nil {
			if ctx.Err() != nil {
				return nil, faults.Wrap(faults.KindCancelled, "watch.email", ctx.Err())
			}
			logging.WatchWarn("Attachment %q from message %s not ingested: %v",
				att.Ref.Name, att.Ref.SourceID, err)
			continue
		}
		processed++
	}

	logging.Watch("Email cycle on %s: %d messages, %d attachments processed",
		label, scanned, processed)
	return &EmailPollResult{EmailCount: scanned, Attachments: processed, Label: label}, nil
}
