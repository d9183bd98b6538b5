package jobs

import (
	"context"
	"sync"
	"time"

	"dossier/internal/config"
	"dossier/internal/connectors"
	"dossier/internal/faults"
	"dossier/internal/ingest"
	"dossier/internal/logging"
	"dossier/internal/store"
)

// Notification outcomes HandleNotification reports to the webhook handler.
// All of them answer 200: Drive retries on anything else, and a stale
// channel's pings deserve an acknowledgment, not a retry storm.
const (
	NotifySynced     = "synced"
	NotifyIgnored    = "ignored"
	NotifyProcessing = "processing"
)

// DriveWatchManager owns Drive push channels: registration, webhook
// notifications, and the renewal loop that replaces channels before the
// API expires them.
type DriveWatchManager struct {
	store    *store.Store
	pipeline *ingest.Pipeline
	drive    *connectors.DriveSource
	callback string
	ttl      time.Duration
	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	notify  sync.WaitGroup
}

func NewDriveWatchManager(st *store.Store, pipe *ingest.Pipeline, drv *connectors.DriveSource, cfg *config.Config) *DriveWatchManager {
	return &DriveWatchManager{
		store:    st,
		pipeline: pipe,
		drive:    drv,
		callback: cfg.Watch.DriveCallbackURL,
		ttl:      cfg.GetDriveChannelTTL(),
		interval: cfg.GetRenewalInterval(),
	}
}

// StartWatch registers a push channel on folderID and persists it so the
// webhook can route notifications and the renewal loop can keep it alive.
func (m *DriveWatchManager) StartWatch(ctx context.Context, folderID string) (*connectors.WatchChannel, error) {
	if folderID == "" {
		return nil, faults.Errorf(faults.KindPermanentIO, "watch.drive", "folder_id is required")
	}
	if m.drive == nil {
		return nil, faults.Errorf(faults.KindPermanentIO, "watch.drive", "drive connector is not configured")
	}

	ch, err := m.drive.Watch(ctx, folderID, m.callback, m.ttl)
	if err != nil {
		return nil, err
	}

	expires := ch.Expires
	if err := m.store.SaveWatcher(store.Watcher{
		ID:         ch.ID,
		Kind:       store.WatcherDrive,
		Target:     folderID,
		ResourceID: ch.ResourceID,
		ExpiresAt:  &expires,
		Active:     true,
	}); err != nil {
		return nil, faults.Wrap(faults.KindTransientIO, "watch.drive", err)
	}

	logging.Audit().WatchEvent(logging.AuditWatchRegistered, ch.ID, folderID, true)
	return ch, nil
}

// HandleNotification reacts to one webhook delivery. The registration
// handshake ping is acknowledged without work and unknown channels are
// dropped so a long-stopped channel cannot trigger ingestion. A real change
// re-enumerates the watched folder in the background; ctx must outlive the
// webhook request, so the server passes its base context here.
func (m *DriveWatchManager) HandleNotification(ctx context.Context, channelID, resourceState string) (string, error) {
	if resourceState == "sync" {
		logging.WatchDebug("Drive channel %s completed its sync handshake", channelID)
		return NotifySynced, nil
	}

	w, err := m.store.GetWatcher(channelID)
	if err != nil {
		return "", faults.Wrap(faults.KindTransientIO, "watch.drive", err)
	}
	if w == nil || w.Kind != store.WatcherDrive {
		logging.WatchWarn("Ignoring notification for unknown channel %s", channelID)
		return NotifyIgnored, nil
	}

	logging.Watch("Change notification on folder %s (channel %s)", w.Target, channelID)
	logging.Audit().WatchEvent(logging.AuditWatchNotified, channelID, w.Target, true)

	m.notify.Add(1)
	go func(folder string) {
		defer m.notify.Done()
		report, err := m.pipeline.IngestFolder(ctx, store.SourceDrive, folder, true)
		if err != nil {
			logging.WatchError("Re-enumeration of folder %s failed: %v", folder, err)
			return
		}
		logging.Watch("Folder %s re-ingested: %d files, %d new chunks",
			folder, report.FilesProcessed, report.NewChunks)
	}(w.Target)

	return NotifyProcessing, nil
}

// Start launches the renewal loop.
func (m *DriveWatchManager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
	logging.Watch("Drive channel renewal loop started (every %s)", m.interval)
}

// Stop halts renewals and waits for in-flight webhook ingests.
func (m *DriveWatchManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
	m.notify.Wait()
}

func (m *DriveWatchManager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.renewExpiring(ctx)
		}
	}
}

// renewExpiring replaces channels inside the back half of their TTL. A
// failed renewal leaves the row untouched, so the next tick retries it
// until Drive lets a replacement through.
func (m *DriveWatchManager) renewExpiring(ctx context.Context) {
	expiring, err := m.store.ExpiringWatchers(m.ttl / 2)
	if err != nil {
		logging.WatchError("Renewal sweep could not list channels: %v", err)
		return
	}

	for _, w := range expiring {
		if w.Kind != store.WatcherDrive {
			continue
		}
		if err := m.renew(ctx, w); err != nil {
			logging.WatchError("Renewal of channel %s failed: %v", w.ID, err)
		}
	}
}

// renew tears down the old channel and registers a fresh one on the same
// folder. Channel ids are single-use, so the replacement carries a new id
// and the watcher row is rewritten to route future notifications.
func (m *DriveWatchManager) renew(ctx context.Context, w store.Watcher) error {
	if m.drive == nil {
		return faults.Errorf(faults.KindPermanentIO, "watch.drive", "drive connector is not configured")
	}

	// Stopping the doomed channel is best effort: Drive expires it on its
	// own, and the unknown-channel path swallows any parting pings.
	if err := m.drive.StopChannel(ctx, w.ID, w.ResourceID); err != nil {
		logging.WatchWarn("Could not stop channel %s before renewal: %v", w.ID, err)
	}

	ch, err := m.drive.Watch(ctx, w.Target, m.callback, m.ttl)
	if err != nil {
		return err
	}
	if err := m.store.RenewWatcher(w.ID, ch.ID, ch.ResourceID, ch.Expires); err != nil {
		return faults.Wrap(faults.KindTransientIO, "watch.drive", err)
	}

	logging.Watch("Renewed channel %s -> %s on folder %s", w.ID, ch.ID, w.Target)
	logging.Audit().WatchEvent(logging.AuditWatchRenewed, ch.ID, w.Target, true)
	return nil
}
