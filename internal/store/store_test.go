package store

import (
	"os"
	"path/filepath"
	"testing"

	"dossier/internal/logging"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "store_test")
	if err == nil {
		logging.Initialize(dir)
	}
	code := m.Run()
	logging.CloseAll()
	if dir != "" {
		os.RemoveAll(dir)
	}
	os.Exit(code)
}

// newTestStore opens an in-memory database for a single test.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewInitializesSchema(t *testing.T) {
	s := newTestStore(t)

	if s.DB() == nil {
		t.Fatal("DB returned nil")
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}

	requiredTables := []string{
		"documents", "chunks", "hash_index", "jobs",
		"job_logs", "watchers", "ingest_retries", "failed_ingests",
	}
	for _, table := range requiredTables {
		if _, ok := stats[table]; !ok {
			t.Errorf("Stats missing table: %s", table)
		}
	}
}

func TestNewCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "corpus", "dossier.db")

	s, err := New(path)
	if err != nil {
		t.Fatalf("Failed to create store at %s: %v", path, err)
	}
	defer s.Close()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("Database file not created: %v", err)
	}
	if s.Path() != path {
		t.Errorf("Path() = %q, want %q", s.Path(), path)
	}
}

func TestStatsCountsRows(t *testing.T) {
	s := newTestStore(t)

	doc := &Document{
		ID:          "doc-stats",
		Name:        "stats.txt",
		Source:      SourceLocal,
		ContentHash: "hash-stats",
	}
	if err := s.UpsertDocument(doc); err != nil {
		t.Fatalf("UpsertDocument failed: %v", err)
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats["documents"] != 1 {
		t.Errorf("documents count = %d, want 1", stats["documents"])
	}
	if stats["chunks"] != 0 {
		t.Errorf("chunks count = %d, want 0", stats["chunks"])
	}
}
