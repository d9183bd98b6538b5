package connectors

import (
	"context"
	"os"
	"path/filepath"

	"dossier/internal/faults"
	"dossier/internal/ingest"
	store "dossier/internal/store"
)

// LocalSource reads files straight off the filesystem. Folder ids are
// absolute directory paths and source ids are absolute file paths. The same
// implementation backs both the local and fileshare source names; only the
// label on ingested documents differs.
type LocalSource struct {
	name string
}

var _ ingest.Source = (*LocalSource)(nil)

func NewLocalSource() *LocalSource     { return &LocalSource{name: store.SourceLocal} }
func NewFileshareSource() *LocalSource { return &LocalSource{name: store.SourceFileshare} }

func (s *LocalSource) Name() string { return s.name }

func (s *LocalSource) List(ctx context.Context, folderID string) ([]ingest.FileRef, []string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, faults.Wrap(faults.KindCancelled, "local.list", err)
	}
	dir, err := filepath.Abs(folderID)
	if err != nil {
		return nil, nil, faults.Wrap(faults.KindPermanentIO, "local.list", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, faults.Wrap(faults.KindPermanentIO, "local.list", err)
	}

	var files []ingest.FileRef
	var folders []string
	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			folders = append(folders, full)
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, s.fileRef(full, dir, info.Size(), info.ModTime()))
	}
	return files, folders, nil
}

func (s *LocalSource) Fetch(ctx context.Context, ref ingest.FileRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, faults.Wrap(faults.KindCancelled, "local.fetch", err)
	}
	data, err := os.ReadFile(ref.SourceID)
	if err != nil {
		return nil, faults.Wrap(faults.KindPermanentIO, "local.fetch", err)
	}
	return data, nil
}
