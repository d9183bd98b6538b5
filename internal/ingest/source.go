package ingest

import (
	"context"
	"time"
)

// FileRef describes one file discovered by a connector before its bytes are
// fetched. Connectors fill in whatever their backend exposes; the pipeline
// tolerates missing checksums, sizes and revisions.
type FileRef struct {
	Source     string    `json:"source"`    // store.SourceDrive, SourceGCS, ...
	SourceID   string    `json:"source_id"` // vendor file id, object path, or absolute local path
	Name       string    `json:"name"`
	FolderID   string    `json:"folder_id,omitempty"`
	MediaType  string    `json:"media_type,omitempty"`
	SizeBytes  int64     `json:"size_bytes,omitempty"`
	Checksum   string    `json:"checksum,omitempty"` // vendor content checksum when the backend provides one
	RevisionID string    `json:"revision_id,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`

	// Provenance is merged into the committed document's provenance map.
	// Email attachments carry subject/from/date here.
	Provenance map[string]interface{} `json:"provenance,omitempty"`
}

// Source is a connector the pipeline can enumerate and download from.
type Source interface {
	// Name returns the source label stored on documents (e.g. "drive").
	Name() string

	// List returns the files directly inside folderID plus the ids of its
	// subfolders. Enumeration of the tree is the pipeline's job, so List
	// never recurses.
	List(ctx context.Context, folderID string) ([]FileRef, []string, error)

	// Fetch downloads the file's bytes.
	Fetch(ctx context.Context, ref FileRef) ([]byte, error)
}

// AdmissionGate decides whether a file may enter the corpus. The policy
// engine implements this; a nil gate admits everything.
type AdmissionGate interface {
	Admit(ctx context.Context, ref FileRef) (allowed bool, reason string, err error)
}
