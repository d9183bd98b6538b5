package connectors

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"dossier/internal/faults"
	"dossier/internal/ingest"
	store "dossier/internal/store"
)

// GCSSource enumerates and downloads Cloud Storage objects. Folder ids are
// gs://bucket/prefix URIs; listing uses a "/" delimiter so prefixes walk
// like directories.
type GCSSource struct {
	client *storage.Client
}

var _ ingest.Source = (*GCSSource)(nil)

func NewGCSSource(ctx context.Context, opts ...option.ClientOption) (*GCSSource, error) {
	opts = append([]option.ClientOption{option.WithScopes(storage.ScopeReadOnly)}, opts...)
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("building storage client: %w", err)
	}
	return &GCSSource{client: client}, nil
}

func (s *GCSSource) Name() string { return store.SourceGCS }

// ParseGCSURI splits gs://bucket/prefix into its parts.
func ParseGCSURI(uri string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", faults.Errorf(faults.KindPermanentIO, "gcs.uri", "not a gs:// uri: %q", uri)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", faults.Errorf(faults.KindPermanentIO, "gcs.uri", "missing bucket in %q", uri)
	}
	return bucket, prefix, nil
}

func (s *GCSSource) List(ctx context.Context, folderID string) ([]ingest.FileRef, []string, error) {
	bucket, prefix, err := ParseGCSURI(folderID)
	if err != nil {
		return nil, nil, err
	}

	var files []ingest.FileRef
	var folders []string
	it := s.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, nil, classify("gcs.list", err)
		}
		if attrs.Prefix != "" {
			folders = append(folders, "gs://"+bucket+"/"+attrs.Prefix)
			continue
		}
		// Console-created "folders" are zero-byte placeholder objects.
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		uri := "gs://" + bucket + "/" + attrs.Name
		ref := ingest.FileRef{
			Source:     store.SourceGCS,
			SourceID:   uri,
			Name:       path.Base(attrs.Name),
			FolderID:   folderID,
			MediaType:  attrs.ContentType,
			SizeBytes:  attrs.Size,
			ModifiedAt: attrs.Updated,
			Provenance: map[string]interface{}{"gcs_uri": uri},
		}
		if len(attrs.MD5) > 0 {
			ref.Checksum = hex.EncodeToString(attrs.MD5)
		}
		files = append(files, ref)
	}
	return files, folders, nil
}

func (s *GCSSource) Fetch(ctx context.Context, ref ingest.FileRef) ([]byte, error) {
	bucket, object, err := ParseGCSURI(ref.SourceID)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, faults.Wrap(faults.KindPermanentIO, "gcs.read", err)
		}
		return nil, classify("gcs.read", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}
