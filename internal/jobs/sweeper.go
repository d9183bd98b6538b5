package jobs

import (
	"context"
	"sync"
	"time"

	"dossier/internal/config"
	"dossier/internal/logging"
	"dossier/internal/store"
)

// Sweeper hard-deletes soft-deleted documents whose retention window has
// lapsed, cascading their chunks and hash index entries.
type Sweeper struct {
	store         *store.Store
	interval      time.Duration
	retentionDays int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewSweeper(st *store.Store, cfg *config.Config) *Sweeper {
	days := cfg.Retention.SoftDeleteRetentionDays
	if days < 0 {
		days = 30
	}
	return &Sweeper{
		store:         st,
		interval:      cfg.GetSweepInterval(),
		retentionDays: days,
	}
}

// RetentionDays reports the configured window, for delete responses.
func (s *Sweeper) RetentionDays() int { return s.retentionDays }

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
	logging.Jobs("Retention sweep started (every %s, %d day window)", s.interval, s.retentionDays)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(); err != nil {
				logging.JobsError("Retention sweep failed: %v", err)
			}
		}
	}
}

// SweepOnce removes every document soft-deleted longer ago than the
// retention window and reports how many were purged.
func (s *Sweeper) SweepOnce() (int, error) {
	start := time.Now()
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)

	removed, err := s.store.SweepExpired(cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		logging.Jobs("Retention sweep purged %d documents", removed)
	}
	logging.Audit().SweepCompleted(removed, time.Since(start).Milliseconds())
	return removed, nil
}
