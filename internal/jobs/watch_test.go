package jobs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"dossier/internal/config"
	"dossier/internal/connectors"
	"dossier/internal/faults"
	"dossier/internal/ingest"
	store "dossier/internal/store"
)

// stubSource plays a remote backend for folder re-enumeration tests.
type stubSource struct {
	name  string
	files map[string][]byte
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) List(ctx context.Context, folderID string) ([]ingest.FileRef, []string, error) {
	var refs []ingest.FileRef
	for name := range s.files {
		refs = append(refs, ingest.FileRef{
			Source:    s.name,
			SourceID:  folderID + "/" + name,
			Name:      name,
			FolderID:  folderID,
			MediaType: "text/plain",
		})
	}
	return refs, nil, nil
}

func (s *stubSource) Fetch(ctx context.Context, ref ingest.FileRef) ([]byte, error) {
	return s.files[ref.Name], nil
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestShareWatcherIDIsStable(t *testing.T) {
	a := shareWatcherID("/mnt/share/reports")
	b := shareWatcherID("/mnt/share/reports")
	if a != b {
		t.Fatalf("Same path produced different ids: %s vs %s", a, b)
	}
	if len(a) != 32 {
		t.Errorf("Watcher id should be an md5 hex digest, got %q", a)
	}
	if shareWatcherID("/mnt/share/other") == a {
		t.Error("Different paths should produce different ids")
	}
}

func newFileshareManager(t *testing.T, pollSecs int) (*FileshareManager, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	if pollSecs > 0 {
		cfg.Watch.FilesharePollSecs = pollSecs
	}
	src := connectors.NewFileshareSource()
	pipe := ingest.NewPipeline(st, cfg, nil)
	pipe.RegisterSource(src)

	m := NewFileshareManager(st, pipe, src, cfg)
	t.Cleanup(m.StopAll)
	return m, st
}

func TestFileshareWatchIngestsAndDetectsChanges(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)

	dir := t.TempDir()
	seed := filepath.Join(dir, "seed.txt")
	if err := os.WriteFile(seed, []byte("the first report"), 0o644); err != nil {
		t.Fatal(err)
	}

	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer st.Close()

	cfg := config.DefaultConfig()
	cfg.Watch.FilesharePollSecs = 1
	src := connectors.NewFileshareSource()
	pipe := ingest.NewPipeline(st, cfg, nil)
	pipe.RegisterSource(src)
	m := NewFileshareManager(st, pipe, src, cfg)
	defer m.StopAll()

	watch, existing, err := m.StartWatch(context.Background(), dir, "**/*.txt", 1)
	if err != nil {
		t.Fatalf("StartWatch failed: %v", err)
	}
	if existing {
		t.Fatal("Fresh path reported as already watching")
	}
	if watch.WatcherID != shareWatcherID(dir) || watch.PollInterval != 1 {
		t.Errorf("Registration = %+v", watch)
	}

	// The baseline scan picks up what was already there.
	waitFor(t, 5*time.Second, "baseline ingest", func() bool {
		doc, _ := st.GetDocumentBySource(store.SourceFileshare, seed)
		return doc != nil
	})

	// A new file lands through the event accelerator or the next tick.
	late := filepath.Join(dir, "late.txt")
	if err := os.WriteFile(late, []byte("the second report"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, "change pickup", func() bool {
		doc, _ := st.GetDocumentBySource(store.SourceFileshare, late)
		return doc != nil
	})

	stopped, err := m.StopWatch(watch.WatcherID)
	if err != nil || !stopped {
		t.Fatalf("StopWatch failed: stopped=%v err=%v", stopped, err)
	}
	if again, _ := m.StopWatch(watch.WatcherID); again {
		t.Error("Second stop should report not found")
	}
}

func TestFileshareAlreadyWatching(t *testing.T) {
	m, _ := newFileshareManager(t, 300)
	dir := t.TempDir()

	first, existing, err := m.StartWatch(context.Background(), dir, "*.csv", 120)
	if err != nil || existing {
		t.Fatalf("First registration: existing=%v err=%v", existing, err)
	}

	second, existing, err := m.StartWatch(context.Background(), dir, "*.md", 60)
	if err != nil {
		t.Fatalf("Resubmission failed: %v", err)
	}
	if !existing {
		t.Fatal("Resubmitted path should report already_watching")
	}
	if second.WatcherID != first.WatcherID {
		t.Errorf("Watcher id changed on resubmission: %s vs %s", second.WatcherID, first.WatcherID)
	}
	if second.Pattern != "*.csv" || second.PollInterval != 120 {
		t.Errorf("Resubmission should keep the original registration, got %+v", second)
	}

	watchers, err := m.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(watchers) != 1 {
		t.Fatalf("Watchers = %d, want 1", len(watchers))
	}
	if watchers[0].Path != dir || watchers[0].Pattern != "*.csv" {
		t.Errorf("Listed watcher = %+v", watchers[0])
	}
}

func TestFileshareRejectsBadRoots(t *testing.T) {
	m, _ := newFileshareManager(t, 300)

	_, _, err := m.StartWatch(context.Background(), "", "**/*", 0)
	if err == nil {
		t.Fatal("Empty share_path should be rejected")
	}

	_, _, err = m.StartWatch(context.Background(), filepath.Join(t.TempDir(), "absent"), "**/*", 0)
	if faults.KindOf(err) != faults.KindPermanentIO {
		t.Errorf("Missing root: kind = %v, want KindPermanentIO", faults.KindOf(err))
	}

	file := filepath.Join(t.TempDir(), "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, _, err = m.StartWatch(context.Background(), file, "**/*", 0)
	if err == nil || faults.KindOf(err) != faults.KindPermanentIO {
		t.Errorf("File root: err = %v, want KindPermanentIO", err)
	}
}

func TestPollTracksMtimesAndReingests(t *testing.T) {
	m, st := newFileshareManager(t, 300)
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")
	if err := os.WriteFile(path, []byte("version one"), 0o644); err != nil {
		t.Fatal(err)
	}

	id := shareWatcherID(dir)
	if err := st.SaveWatcher(store.Watcher{
		ID: id, Kind: store.WatcherFileshare, Target: dir,
		Pattern: "**/*.txt", PollSecs: 300, Active: true,
	}); err != nil {
		t.Fatalf("SaveWatcher failed: %v", err)
	}

	m.poll(context.Background(), id)

	doc, _ := st.GetDocumentBySource(store.SourceFileshare, path)
	if doc == nil {
		t.Fatal("First poll should ingest the file")
	}
	firstHash := doc.ContentHash

	w, _ := st.GetWatcher(id)
	if trackedCount(w.State) != 1 {
		t.Fatalf("files_tracked = %d, want 1 (state %v)", trackedCount(w.State), w.State)
	}

	// Same mtime: the second poll must not touch the file again, so the
	// state stays byte-identical.
	m.poll(context.Background(), id)
	after, _ := st.GetWatcher(id)
	if trackedCount(after.State) != 1 {
		t.Errorf("files_tracked drifted to %d", trackedCount(after.State))
	}

	// Advance content and mtime: the next poll re-ingests.
	if err := os.WriteFile(path, []byte("version two, updated"), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	m.poll(context.Background(), id)
	doc, _ = st.GetDocumentBySource(store.SourceFileshare, path)
	if doc == nil || doc.ContentHash == firstHash {
		t.Errorf("Touched file was not re-ingested (doc %+v)", doc)
	}
}

func TestFileshareResumeRespawnsLoops(t *testing.T) {
	m, st := newFileshareManager(t, 1)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0o644); err != nil {
		t.Fatal(err)
	}

	// A registration left over from a previous process.
	id := shareWatcherID(dir)
	if err := st.SaveWatcher(store.Watcher{
		ID: id, Kind: store.WatcherFileshare, Target: dir,
		Pattern: "**/*", PollSecs: 1, Active: true,
	}); err != nil {
		t.Fatalf("SaveWatcher failed: %v", err)
	}

	if err := m.Resume(context.Background()); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	waitFor(t, 5*time.Second, "resumed baseline ingest", func() bool {
		doc, _ := st.GetDocumentBySource(store.SourceFileshare, filepath.Join(dir, "a.txt"))
		return doc != nil
	})
}

func newDriveWatchManager(t *testing.T) (*DriveWatchManager, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	src := &stubSource{name: store.SourceDrive, files: map[string][]byte{
		"minutes.txt": []byte("board minutes for the quarter"),
	}}
	pipe := ingest.NewPipeline(st, cfg, nil)
	pipe.RegisterSource(src)

	return NewDriveWatchManager(st, pipe, nil, cfg), st
}

func TestDriveNotificationRouting(t *testing.T) {
	m, st := newDriveWatchManager(t)
	ctx := context.Background()

	// The registration handshake is acknowledged without work.
	status, err := m.HandleNotification(ctx, "ch-anything", "sync")
	if err != nil || status != NotifySynced {
		t.Fatalf("Sync ping: status=%q err=%v", status, err)
	}

	// Unknown channels are dropped, not trusted.
	status, err = m.HandleNotification(ctx, "ch-stale", "change")
	if err != nil || status != NotifyIgnored {
		t.Fatalf("Unknown channel: status=%q err=%v", status, err)
	}

	// A registered channel re-enumerates its folder in the background.
	expires := time.Now().Add(24 * time.Hour)
	if err := st.SaveWatcher(store.Watcher{
		ID: "ch-live", Kind: store.WatcherDrive, Target: "folder-123",
		ResourceID: "res-1", ExpiresAt: &expires, Active: true,
	}); err != nil {
		t.Fatalf("SaveWatcher failed: %v", err)
	}

	status, err = m.HandleNotification(ctx, "ch-live", "change")
	if err != nil || status != NotifyProcessing {
		t.Fatalf("Known channel: status=%q err=%v", status, err)
	}
	m.notify.Wait()

	doc, err := st.GetDocumentBySource(store.SourceDrive, "folder-123/minutes.txt")
	if err != nil || doc == nil {
		t.Fatalf("Notification did not re-ingest the folder: %v", err)
	}
	if doc.FolderID != "folder-123" {
		t.Errorf("FolderID = %q", doc.FolderID)
	}
}

func TestDriveStartWatchRequiresConnector(t *testing.T) {
	m, _ := newDriveWatchManager(t)

	_, err := m.StartWatch(context.Background(), "")
	if err == nil {
		t.Error("Empty folder_id should be rejected")
	}

	_, err = m.StartWatch(context.Background(), "folder-123")
	if err == nil || faults.KindOf(err) != faults.KindPermanentIO {
		t.Errorf("StartWatch without a connector: err = %v, want KindPermanentIO", err)
	}
}

func TestEmailPollerRequiresConnector(t *testing.T) {
	cfg := config.DefaultConfig()
	p := NewEmailPoller(nil, nil, cfg)

	_, err := p.PollOnce(context.Background(), "", 0)
	if err == nil || faults.KindOf(err) != faults.KindPermanentIO {
		t.Errorf("PollOnce without gmail: err = %v, want KindPermanentIO", err)
	}
}

func TestEmailPollerDefaults(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Watch.GmailLabel = "receipts"
	cfg.Watch.GmailMaxResults = 25

	p := NewEmailPoller(nil, nil, cfg)
	if p.defaultLabel != "receipts" || p.defaultMax != 25 {
		t.Errorf("Defaults = %q/%d", p.defaultLabel, p.defaultMax)
	}

	blank := NewEmailPoller(nil, nil, &config.Config{})
	if blank.defaultLabel != "INBOX" || blank.defaultMax != 100 {
		t.Errorf("Fallback defaults = %q/%d, want INBOX/100", blank.defaultLabel, blank.defaultMax)
	}
}

func TestTrackedCount(t *testing.T) {
	if n := trackedCount(nil); n != 0 {
		t.Errorf("nil state = %d", n)
	}
	state := map[string]interface{}{
		"mtimes": map[string]interface{}{"/a": 1.0, "/b": 2.0},
	}
	if n := trackedCount(state); n != 2 {
		t.Errorf("trackedCount = %d, want 2", n)
	}
}

