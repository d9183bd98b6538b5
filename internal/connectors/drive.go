package connectors

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"dossier/internal/ingest"
	"dossier/internal/logging"
	"dossier/internal/store"
)

const (
	driveFolderMime = "application/vnd.google-apps.folder"
	listPageSize    = 1000
	provDriveMime   = "drive_mime"
)

var listFields = googleapi.Field("nextPageToken, files(id, name, mimeType, modifiedTime, md5Checksum, headRevisionId, size)")

// driveExportTargets maps Google-native types to the media type their
// export produces. The FileRef advertises the export type because those
// are the bytes Fetch returns; the native type rides along in provenance.
var driveExportTargets = map[string]string{
	"application/vnd.google-apps.document":     "text/plain",
	"application/vnd.google-apps.spreadsheet":  "text/csv",
	"application/vnd.google-apps.presentation": "text/plain",
}

// WatchChannel is a live Drive push-notification registration.
type WatchChannel struct {
	ID         string    `json:"channel_id"`
	ResourceID string    `json:"resource_id"`
	FolderID   string    `json:"folder_id"`
	Expires    time.Time `json:"expires"`
}

// DriveSource enumerates and downloads Google Drive files using
// application default credentials.
type DriveSource struct {
	svc *drive.Service
}

var _ ingest.Source = (*DriveSource)(nil)

func NewDriveSource(ctx context.Context, opts ...option.ClientOption) (*DriveSource, error) {
	opts = append([]option.ClientOption{option.WithScopes(drive.DriveReadonlyScope)}, opts...)
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("building drive client: %w", err)
	}
	return &DriveSource{svc: svc}, nil
}

func (s *DriveSource) Name() string { return store.SourceDrive }

// List returns the folder's direct children, folders separated out for the
// caller to walk.
func (s *DriveSource) List(ctx context.Context, folderID string) ([]ingest.FileRef, []string, error) {
	query := fmt.Sprintf("'%s' in parents and trashed=false", folderID)

	var files []ingest.FileRef
	var folders []string
	pageToken := ""
	for {
		call := s.svc.Files.List().
			Q(query).
			Fields(listFields).
			PageSize(listPageSize).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		page, err := call.Do()
		if err != nil {
			return nil, nil, classify("drive.list", err)
		}
		for _, f := range page.Files {
			if f.MimeType == driveFolderMime {
				folders = append(folders, f.Id)
				continue
			}
			files = append(files, s.fileRef(f, folderID))
		}
		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return files, folders, nil
}

func (s *DriveSource) fileRef(f *drive.File, folderID string) ingest.FileRef {
	prov := map[string]interface{}{
		"drive_link":    "https://drive.google.com/file/d/" + f.Id,
		"parent_folder": folderID,
	}
	mediaType := f.MimeType
	if target, ok := driveExportTargets[f.MimeType]; ok {
		prov[provDriveMime] = f.MimeType
		mediaType = target
	}

	ref := ingest.FileRef{
		Source:     store.SourceDrive,
		SourceID:   f.Id,
		Name:       f.Name,
		FolderID:   folderID,
		MediaType:  mediaType,
		SizeBytes:  f.Size,
		Checksum:   f.Md5Checksum,
		RevisionID: f.HeadRevisionId,
		Provenance: prov,
	}
	if f.ModifiedTime != "" {
		if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
			ref.ModifiedAt = t
		}
	}
	return ref
}

// Fetch downloads the file bytes. Google-native types cannot be downloaded
// raw, so they are exported to the media type the ref already advertises.
func (s *DriveSource) Fetch(ctx context.Context, ref ingest.FileRef) ([]byte, error) {
	if native, ok := ref.Provenance[provDriveMime].(string); ok {
		if target, exportable := driveExportTargets[native]; exportable {
			resp, err := s.svc.Files.Export(ref.SourceID, target).Context(ctx).Download()
			if err != nil {
				return nil, classify("drive.export", err)
			}
			return readBody(resp)
		}
	}
	resp, err := s.svc.Files.Get(ref.SourceID).Context(ctx).Download()
	if err != nil {
		return nil, classify("drive.download", err)
	}
	return readBody(resp)
}

// Watch registers a push channel on a folder. Drive caps channel lifetime,
// so callers renew before Expires.
func (s *DriveSource) Watch(ctx context.Context, folderID, address string, ttl time.Duration) (*WatchChannel, error) {
	id := uuid.NewString()
	expires := time.Now().Add(ttl)

	resp, err := s.svc.Files.Watch(folderID, &drive.Channel{
		Id:         id,
		Type:       "web_hook",
		Address:    address,
		Expiration: expires.UnixMilli(),
	}).Context(ctx).Do()
	if err != nil {
		return nil, classify("drive.watch", err)
	}

	logging.Watch("Started Drive channel %s on folder %s (expires %s)", id, folderID, expires.Format(time.RFC3339))
	return &WatchChannel{ID: id, ResourceID: resp.ResourceId, FolderID: folderID, Expires: expires}, nil
}

// StopChannel tears down a push channel registration.
func (s *DriveSource) StopChannel(ctx context.Context, channelID, resourceID string) error {
	err := s.svc.Channels.Stop(&drive.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do()
	if err != nil {
		return classify("drive.stop_channel", err)
	}
	logging.Watch("Stopped Drive channel %s", channelID)
	return nil
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
