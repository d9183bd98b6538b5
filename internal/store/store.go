// Package store persists the document corpus, job queue, watcher
// registrations, and ingest retry state in a single SQLite database.
//
// The database is opened with a single connection and guarded by a
// read-write mutex, so every exported method is safe for concurrent use.
// WAL mode keeps readers unblocked during the long ingest transactions.
//
// Chunk embeddings are stored as JSON float arrays and scored in-process.
// When the binary is built with the sqlite_vec tag and the vec0 extension
// loads, VectorExtension reports true and search can push distance
// computation into the database instead.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dossier/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// Store owns the corpus database.
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	vectorExt bool // sqlite-vec vec0 available
}

// New initializes the SQLite database at the given path, creating parent
// directories and the schema as needed.
func New(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "New")
	defer timer.Stop()

	logging.Store("Initializing store at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	logging.StoreDebug("Opened SQLite database connection")

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}
	logging.StoreDebug("Database schema initialized")

	s.detectVecExtension()
	if s.vectorExt {
		logging.Store("sqlite-vec extension detected, ANN acceleration available")
	} else {
		logging.StoreDebug("sqlite-vec extension not available, similarity is scored in-process")
	}

	logging.Store("Store ready (documents, chunks, jobs, watchers)")
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	documentsTable := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		source TEXT NOT NULL,
		source_id TEXT,
		folder_id TEXT,
		media_type TEXT,
		size_bytes INTEGER DEFAULT 0,
		content_hash TEXT NOT NULL,
		version_hash TEXT,
		revision_id TEXT,
		chunk_count INTEGER DEFAULT 0,
		embed_pending INTEGER DEFAULT 0,
		degraded_chunking INTEGER DEFAULT 0,
		provenance TEXT,
		modified_at DATETIME,
		uploaded_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		deleted INTEGER DEFAULT 0,
		deleted_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(content_hash);
	CREATE INDEX IF NOT EXISTS idx_documents_folder ON documents(folder_id);
	CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(source, source_id);
	CREATE INDEX IF NOT EXISTS idx_documents_deleted ON documents(deleted, deleted_at);
	`

	chunksTable := `
	CREATE TABLE IF NOT EXISTS chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		text TEXT NOT NULL,
		start_token INTEGER DEFAULT 0,
		end_token INTEGER DEFAULT 0,
		start_char INTEGER DEFAULT 0,
		embedding TEXT,
		UNIQUE(document_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
	`

	hashIndexTable := `
	CREATE TABLE IF NOT EXISTS hash_index (
		content_hash TEXT PRIMARY KEY,
		document_id TEXT NOT NULL
	);
	`

	jobsTable := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		spec TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		progress REAL NOT NULL DEFAULT 0,
		result TEXT,
		caller_ref TEXT UNIQUE,
		cancel_requested INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);
	`

	jobLogsTable := `
	CREATE TABLE IF NOT EXISTS job_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		ts DATETIME DEFAULT CURRENT_TIMESTAMP,
		message TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs(job_id, id);
	`

	watchersTable := `
	CREATE TABLE IF NOT EXISTS watchers (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		target TEXT NOT NULL,
		pattern TEXT,
		resource_id TEXT,
		state TEXT,
		poll_secs INTEGER DEFAULT 0,
		expires_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		active INTEGER DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_watchers_kind ON watchers(kind, active);
	`

	retryTable := `
	CREATE TABLE IF NOT EXISTS ingest_retries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payload TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		next_attempt_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_ingest_retries_due ON ingest_retries(next_attempt_at);
	`

	failedIngestsTable := `
	CREATE TABLE IF NOT EXISTS failed_ingests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT,
		source_id TEXT,
		name TEXT,
		attempts INTEGER DEFAULT 0,
		last_error TEXT,
		failed_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	for _, table := range []string{
		documentsTable, chunksTable, hashIndexTable, jobsTable,
		jobLogsTable, watchersTable, retryTable, failedIngestsTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// detectVecExtension probes for the sqlite-vec vec0 module by creating and
// dropping a throwaway virtual table.
func (s *Store) detectVecExtension() {
	_, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])")
	if err != nil {
		logging.StoreDebug("vec0 probe failed: %v", err)
		s.vectorExt = false
		return
	}
	if _, err := s.db.Exec("DROP TABLE IF EXISTS vec_probe"); err != nil {
		logging.StoreDebug("Failed to drop vec probe table: %v", err)
	}
	s.vectorExt = true
}

// VectorExtension reports whether the vec0 virtual table module is loaded.
func (s *Store) VectorExtension() bool {
	return s.vectorExt
}

// DB exposes the underlying connection for read-only consumers.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		logging.Store("Closing store at %s", s.dbPath)
		return s.db.Close()
	}
	return nil
}

// Stats returns row counts per table. Tables that fail to count are
// skipped rather than failing the whole call.
func (s *Store) Stats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{
		"documents", "chunks", "hash_index", "jobs",
		"job_logs", "watchers", "ingest_retries", "failed_ingests",
	} {
		var count int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			logging.StoreDebug("Stats skipping table %s: %v", table, err)
			continue
		}
		stats[table] = count
	}
	return stats, nil
}

// sqliteTimeFormat is the text layout SQLite's CURRENT_TIMESTAMP produces.
const sqliteTimeFormat = "2006-01-02 15:04:05"

func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

func parseSQLiteTime(s string) time.Time {
	t, _ := time.Parse(sqliteTimeFormat, s)
	return t
}
