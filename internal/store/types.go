package store

import "time"

// Job lifecycle states. A job moves queued -> running -> one of the three
// terminal states. The only transition the dispatcher performs is the
// compare-and-swap claim from queued to running.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Document source kinds.
const (
	SourceDrive     = "drive"
	SourceGCS       = "gcs"
	SourceLocal     = "local"
	SourceEmail     = "email"
	SourceFileshare = "fileshare"
	SourceResearch  = "research"
)

// Watcher kinds.
const (
	WatcherDrive     = "drive"
	WatcherEmail     = "email"
	WatcherFileshare = "fileshare"
)

// Document is one ingested source tracked by the corpus. ContentHash is the
// dedupe key (vendor checksum when the source supplies one, SHA-256 of the
// bytes otherwise). VersionHash identifies the revision the chunks were cut
// from so stale search hits can be filtered.
type Document struct {
	ID               string
	Name             string
	Source           string
	SourceID         string
	FolderID         string
	MediaType        string
	SizeBytes        int64
	ContentHash      string
	VersionHash      string
	RevisionID       string
	ChunkCount       int
	EmbedPending     bool
	DegradedChunking bool
	Provenance       map[string]interface{}
	ModifiedAt       time.Time
	UploadedAt       time.Time
	Deleted          bool
	DeletedAt        *time.Time
}

// Chunk is one retrieval unit of a document. Embedding is nil while the
// document is embed-pending.
type Chunk struct {
	ID         int64
	DocumentID string
	Seq        int
	Text       string
	StartToken int
	EndToken   int
	StartChar  int
	Embedding  []float32
}

// SearchFilter narrows the candidate set before ranking. Zero values mean
// no constraint. Soft-deleted documents are always excluded.
type SearchFilter struct {
	FolderIDs   []string
	MediaTypes  []string
	DateFrom    time.Time
	DateTo      time.Time
	VersionHash string
}

// CandidateChunk joins a chunk with the document fields ranking and
// provenance need.
type CandidateChunk struct {
	Chunk
	DocumentName string
	Source       string
	SourceID     string
	FolderID     string
	MediaType    string
	VersionHash  string
	RevisionID   string
	Provenance   map[string]interface{}
	ModifiedAt   time.Time
	UploadedAt   time.Time
}

// JobRecord is one orchestrated job. Spec and Result hold JSON as submitted
// and produced. CallerRef is an optional caller-supplied idempotency key.
type JobRecord struct {
	ID              string
	Type            string
	Spec            string
	Status          string
	Progress        float64
	Result          string
	CallerRef       string
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// JobLogEntry is one append-only line of a job's execution log.
type JobLogEntry struct {
	JobID     string
	Timestamp time.Time
	Message   string
}

// Watcher is one registered change watcher. For drive watchers ResourceID
// and ExpiresAt track the push channel; fileshare watchers carry the glob
// Pattern and PollSecs; State holds per-kind bookkeeping such as tracked
// file mtimes or the last seen email id.
type Watcher struct {
	ID         string
	Kind       string
	Target     string
	Pattern    string
	ResourceID string
	State      map[string]interface{}
	PollSecs   int
	ExpiresAt  *time.Time
	CreatedAt  time.Time
	Active     bool
}

// RetryTask is one deferred ingest attempt. Payload is the JSON-encoded
// file reference the pipeline replays.
type RetryTask struct {
	ID            int64
	Payload       string
	Attempts      int
	NextAttemptAt time.Time
	CreatedAt     time.Time
}

// FailedIngest records a file that exhausted its retry budget.
type FailedIngest struct {
	ID        int64
	Source    string
	SourceID  string
	Name      string
	Attempts  int
	LastError string
	FailedAt  time.Time
}
