package connectors

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"dossier/internal/faults"
	"dossier/internal/ingest"
	store "dossier/internal/store"
)

func (s *LocalSource) fileRef(full, dir string, size int64, mod time.Time) ingest.FileRef {
	return ingest.FileRef{
		Source:     s.name,
		SourceID:   full,
		Name:       filepath.Base(full),
		FolderID:   dir,
		MediaType:  mediaTypeForPath(full),
		SizeBytes:  size,
		ModifiedAt: mod,
		Provenance: map[string]interface{}{"file_path": full},
	}
}

// ShareScan walks root and returns a ref for every file matching pattern.
// An empty pattern means everything at any depth. Patterns follow path.Match
// syntax, with a leading "**/" matching any number of directories, zero
// included, so "**/*.csv" finds b.csv and sub/b.csv alike.
func (s *LocalSource) ShareScan(ctx context.Context, root, pattern string) ([]ingest.FileRef, error) {
	if pattern == "" {
		pattern = "**/*"
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, faults.Wrap(faults.KindPermanentIO, "fileshare.scan", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, faults.Wrap(faults.KindPermanentIO, "fileshare.scan", err)
	}
	if !info.IsDir() {
		return nil, faults.Errorf(faults.KindPermanentIO, "fileshare.scan", "not a directory: %s", root)
	}

	var refs []ingest.FileRef
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		if !matchPattern(pattern, filepath.ToSlash(rel)) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		ref := s.fileRef(p, root, fi.Size(), fi.ModTime())
		if s.name == store.SourceFileshare {
			ref.Provenance["share_path"] = root
		}
		refs = append(refs, ref)
		return nil
	})
	if walkErr != nil {
		if ctx.Err() != nil {
			return nil, faults.Wrap(faults.KindCancelled, "fileshare.scan", walkErr)
		}
		return nil, faults.Wrap(faults.KindTransientIO, "fileshare.scan", walkErr)
	}
	return refs, nil
}

// matchPattern matches a slash-separated relative path against a glob.
// A leading "**/" may swallow any number of leading directories; otherwise
// path.Match applies, so a bare "*.csv" stays top-level only.
func matchPattern(pattern, rel string) bool {
	tail, recursive := strings.CutPrefix(pattern, "**/")
	if !recursive {
		ok, err := path.Match(pattern, rel)
		return err == nil && ok
	}
	segs := strings.Split(rel, "/")
	for i := range segs {
		if ok, err := path.Match(tail, strings.Join(segs[i:], "/")); err == nil && ok {
			return true
		}
	}
	return false
}
