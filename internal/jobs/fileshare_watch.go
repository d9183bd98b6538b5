package jobs

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"dossier/internal/config"
	"dossier/internal/connectors"
	"dossier/internal/faults"
	"dossier/internal/ingest"
	"dossier/internal/logging"
	"dossier/internal/store"
)

// debounce between an fsnotify burst and the poll it pulls forward.
const shareEventSettle = 500 * time.Millisecond

// FileshareManager runs one polling goroutine per watched share directory.
// The poll tick owns correctness; an fsnotify listener on the share root
// only pulls the next poll forward, because network mounts drop events and
// the listener does not descend into subdirectories.
type FileshareManager struct {
	store       *store.Store
	pipeline    *ingest.Pipeline
	source      *connectors.LocalSource
	defaultPoll int

	mu    sync.Mutex
	loops map[string]*shareLoop
}

type shareLoop struct {
	stopCh chan struct{}
	doneCh chan struct{}
}

// ShareWatch is one registration as reported to API callers.
type ShareWatch struct {
	WatcherID    string `json:"watcher_id"`
	Path         string `json:"share_path"`
	Pattern      string `json:"watch_pattern,omitempty"`
	PollInterval int    `json:"poll_interval,omitempty"`
	FilesTracked int    `json:"files_tracked"`
}

// NewFileshareManager builds the manager around the fileshare-labelled
// source. The same source instance must be registered on the pipeline so
// re-ingests resolve.
func NewFileshareManager(st *store.Store, pipe *ingest.Pipeline, src *connectors.LocalSource, cfg *config.Config) *FileshareManager {
	poll := cfg.Watch.FilesharePollSecs
	if poll <= 0 {
		poll = 300
	}
	return &FileshareManager{
		store:       st,
		pipeline:    pipe,
		source:      src,
		defaultPoll: poll,
		loops:       make(map[string]*shareLoop),
	}
}

// shareWatcherID keys a registration by its submitted path, so resubmitting
// the same path lands on the same watcher.
func shareWatcherID(sharePath string) string {
	sum := md5.Sum([]byte(sharePath))
	return hex.EncodeToString(sum[:])
}

// StartWatch registers a share directory and spawns its poll loop. The
// second return is true when the path was already being watched; the
// existing registration is returned untouched. ctx must outlive the
// registering request since the loop inherits it.
func (m *FileshareManager) StartWatch(ctx context.Context, sharePath, pattern string, pollSecs int) (*ShareWatch, bool, error) {
	if sharePath == "" {
		return nil, false, faults.Errorf(faults.KindPermanentIO, "watch.fileshare", "share_path is required")
	}
	if pattern == "" {
		pattern = "**/*"
	}
	if pollSecs <= 0 {
		pollSecs = m.defaultPoll
	}
	id := shareWatcherID(sharePath)

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.store.GetWatcher(id)
	if err != nil {
		return nil, false, faults.Wrap(faults.KindTransientIO, "watch.fileshare", err)
	}
	if existing != nil && existing.Active {
		return &ShareWatch{
			WatcherID:    id,
			Path:         existing.Target,
			Pattern:      existing.Pattern,
			PollInterval: existing.PollSecs,
			FilesTracked: trackedCount(existing.State),
		}, true, nil
	}

	info, err := os.Stat(sharePath)
	if err != nil {
		return nil, false, faults.Wrap(faults.KindPermanentIO, "watch.fileshare", err)
	}
	if !info.IsDir() {
		return nil, false, faults.Errorf(faults.KindPermanentIO, "watch.fileshare", "not a directory: %s", sharePath)
	}

	w := store.Watcher{
		ID:       id,
		Kind:     store.WatcherFileshare,
		Target:   sharePath,
		Pattern:  pattern,
		PollSecs: pollSecs,
		Active:   true,
	}
	if err := m.store.SaveWatcher(w); err != nil {
		return nil, false, faults.Wrap(faults.KindTransientIO, "watch.fileshare", err)
	}

	m.spawnLocked(ctx, w)
	logging.Watch("Watching share %s (pattern %q, every %ds)", sharePath, pattern, pollSecs)
	logging.Audit().WatchEvent(logging.AuditWatchRegistered, id, sharePath, true)

	return &ShareWatch{WatcherID: id, Path: sharePath, Pattern: pattern, PollInterval: pollSecs}, false, nil
}

// StopWatch halts the poll loop and removes the registration. Returns false
// when no such watcher exists.
func (m *FileshareManager) StopWatch(id string) (bool, error) {
	m.mu.Lock()
	loop, ok := m.loops[id]
	if ok {
		delete(m.loops, id)
	}
	m.mu.Unlock()

	if ok {
		close(loop.stopCh)
		<-loop.doneCh
	}

	w, err := m.store.GetWatcher(id)
	if err != nil {
		return false, faults.Wrap(faults.KindTransientIO, "watch.fileshare", err)
	}
	if w == nil {
		return false, nil
	}
	if _, err := m.store.DeleteWatcher(id); err != nil {
		return false, faults.Wrap(faults.KindTransientIO, "watch.fileshare", err)
	}
	logging.Audit().WatchEvent(logging.AuditWatchStopped, id, w.Target, true)
	return true, nil
}

// List returns the active registrations with their tracked-file counts.
func (m *FileshareManager) List() ([]ShareWatch, error) {
	rows, err := m.store.ListWatchers(store.WatcherFileshare)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransientIO, "watch.fileshare", err)
	}
	out := make([]ShareWatch, 0, len(rows))
	for _, w := range rows {
		out = append(out, ShareWatch{
			WatcherID:    w.ID,
			Path:         w.Target,
			Pattern:      w.Pattern,
			PollInterval: w.PollSecs,
			FilesTracked: trackedCount(w.State),
		})
	}
	return out, nil
}

// Resume respawns loops for registrations that survived a restart.
func (m *FileshareManager) Resume(ctx context.Context) error {
	rows, err := m.store.ListWatchers(store.WatcherFileshare)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	resumed := 0
	for _, w := range rows {
		if _, ok := m.loops[w.ID]; ok {
			continue
		}
		m.spawnLocked(ctx, w)
		resumed++
	}
	if resumed > 0 {
		logging.Watch("Resumed %d fileshare watchers", resumed)
	}
	return nil
}

// StopAll halts every loop without deleting registrations, so they resume
// on the next boot.
func (m *FileshareManager) StopAll() {
	m.mu.Lock()
	loops := m.loops
	m.loops = make(map[string]*shareLoop)
	m.mu.Unlock()

	for _, loop := range loops {
		close(loop.stopCh)
	}
	for _, loop := range loops {
		<-loop.doneCh
	}
}

func (m *FileshareManager) spawnLocked(ctx context.Context, w store.Watcher) {
	loop := &shareLoop{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	m.loops[w.ID] = loop
	go m.run(ctx, w, loop)
}

func (m *FileshareManager) run(ctx context.Context, w store.Watcher, loop *shareLoop) {
	defer close(loop.doneCh)

	var events chan fsnotify.Event
	var errs chan error
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		logging.WatchWarn("fsnotify unavailable for %s, polling only: %v", w.Target, err)
	} else {
		defer fw.Close()
		if err := fw.Add(w.Target); err != nil {
			logging.WatchWarn("fsnotify could not watch %s, polling only: %v", w.Target, err)
		} else {
			events = fw.Events
			errs = fw.Errors
		}
	}

	pollSecs := w.PollSecs
	if pollSecs <= 0 {
		pollSecs = m.defaultPoll
	}
	ticker := time.NewTicker(time.Duration(pollSecs) * time.Second)
	defer ticker.Stop()

	settle := time.NewTimer(shareEventSettle)
	if !settle.Stop() {
		<-settle.C
	}
	defer settle.Stop()

	// Baseline scan: everything present at registration enters the corpus.
	m.poll(ctx, w.ID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-loop.stopCh:
			return
		case <-ticker.C:
			m.poll(ctx, w.ID)
		case <-settle.C:
			m.poll(ctx, w.ID)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			logging.WatchDebug("Share %s event: %s", w.Target, ev)
			settle.Reset(shareEventSettle)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logging.WatchWarn("fsnotify error on %s: %v", w.Target, err)
		}
	}
}

// poll rescans the share and re-ingests files whose mtime advanced. The
// mtime is recorded even when the ingest attempt fails: the retry queue
// owns redelivery, and an unchanged file would only dedupe anyway.
func (m *FileshareManager) poll(ctx context.Context, watcherID string) {
	w, err := m.store.GetWatcher(watcherID)
	if err != nil || w == nil || !w.Active {
		return
	}

	refs, err := m.source.ShareScan(ctx, w.Target, w.Pattern)
	if err != nil {
		logging.WatchWarn("Scan of %s failed: %v", w.Target, err)
		return
	}

	prev := map[string]float64{}
	if raw, ok := w.State["mtimes"].(map[string]interface{}); ok {
		for path, v := range raw {
			if f, ok := v.(float64); ok {
				prev[path] = f
			}
		}
	}

	next := make(map[string]interface{}, len(refs))
	changed := 0
	for _, ref := range refs {
		mtime := float64(ref.ModifiedAt.UnixNano()) / 1e9
		next[ref.SourceID] = mtime
		if seen, ok := prev[ref.SourceID]; ok && seen >= mtime {
			continue
		}
		changed++
		if _, err := m.pipeline.IngestFile(ctx, ref); err != nil {
			logging.WatchWarn("Re-ingest of %s failed: %v", ref.SourceID, err)
		}
	}

	if changed > 0 {
		logging.Watch("Share %s: %d new or touched files", w.Target, changed)
		logging.Audit().WatchEvent(logging.AuditWatchNotified, watcherID, w.Target, true)
	}
	if err := m.store.UpdateWatcherState(watcherID, map[string]interface{}{"mtimes": next}); err != nil {
		logging.WatchWarn("Could not persist mtimes for %s: %v", watcherID, err)
	}
}

func trackedCount(state map[string]interface{}) int {
	raw, ok := state["mtimes"].(map[string]interface{})
	if !ok {
		return 0
	}
	return len(raw)
}
