// Package retrieve implements the data retrieval worker for pipeline jobs:
// it fetches structured data from URLs, Cloud Storage or the local disk,
// normalizes it into a table, infers a schema and persists the result as a
// file artifact that downstream transformation stages read by path.
package retrieve

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dossier/internal/config"
	"dossier/internal/faults"
	"dossier/internal/logging"
	"dossier/internal/tabular"
)

// Source types the worker can fetch from.
const (
	SourceURLCSV   = "url_csv"
	SourceURLJSON  = "url_json"
	SourceGCSCSV   = "gcs_csv"
	SourceLocalCSV = "local_csv"
)

const (
	previewRows          = 10
	largeRowThreshold    = 10000
	defaultMaxFetchBytes = 10 << 30
)

// ObjectFetch downloads one Cloud Storage object by gs:// URI. The server
// wires this to the ingestion GCS connector; nil means GCS is unavailable.
type ObjectFetch func(ctx context.Context, uri string) ([]byte, error)

// Request names a source and the spec it needs: url for url_csv and
// url_json, uri for gcs_csv, path for local_csv. OutputFormat picks the
// persisted artifact format, csv by default.
type Request struct {
	Source       string                 `json:"source"`
	Spec         map[string]interface{} `json:"spec"`
	OutputFormat string                 `json:"output_format,omitempty"`
}

// Response describes the retrieved table. DataPath is always set: the full
// table is persisted under the work directory so transformation stages can
// load it by path instead of re-fetching.
type Response struct {
	TableName  string                   `json:"table_name"`
	Rows       int                      `json:"rows"`
	Columns    []tabular.ColumnSchema   `json:"columns"`
	Preview    []map[string]interface{} `json:"preview"`
	DataPath   string                   `json:"data_path,omitempty"`
	Provenance map[string]interface{}   `json:"provenance"`
	Warnings   []string                 `json:"warnings"`
}

// Worker is the data retrieval agent.
type Worker struct {
	client   *http.Client
	gcs      ObjectFetch
	dataDir  string
	maxBytes int64
}

// New builds the worker from config. gcs may be nil when no Cloud Storage
// credentials are configured; gcs_csv requests then fail cleanly.
func New(cfg *config.Config, gcs ObjectFetch) *Worker {
	maxBytes := cfg.Retrieve.MaxFetchBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxFetchBytes
	}
	workDir := cfg.Storage.WorkDir
	if workDir == "" {
		workDir = ".dossier"
	}
	return &Worker{
		client:   &http.Client{Timeout: cfg.GetRetrieveFetchTimeout()},
		gcs:      gcs,
		dataDir:  filepath.Join(workDir, "data"),
		maxBytes: maxBytes,
	}
}

// Health reports which optional backends are wired.
func (w *Worker) Health() map[string]bool {
	return map[string]bool{"gcs": w.gcs != nil}
}

// Retrieve fetches the requested data, infers its schema and persists the
// table. Null-heavy columns and oversized row counts surface as warnings,
// not errors.
func (w *Worker) Retrieve(ctx context.Context, req *Request) (*Response, error) {
	const op = "retrieve"

	logging.Worker("data fetch request: %s", req.Source)

	format := strings.ToLower(strings.TrimSpace(req.OutputFormat))
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "json" {
		return nil, faults.Errorf(faults.KindPermanentIO, op, "unsupported output_format %q", req.OutputFormat)
	}

	table, err := w.fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	warnings := nullWarnings(table)
	if len(table.Rows) > largeRowThreshold {
		warnings = append(warnings, fmt.Sprintf("Large dataset: %d rows. Consider using data_path for downstream processing.", len(table.Rows)))
	}

	retrievedAt := time.Now().UTC()
	dataPath, err := w.persist(table, format, retrievedAt)
	if err != nil {
		return nil, err
	}

	logging.Worker("data fetch complete: %d rows, %d columns", len(table.Rows), len(table.Columns))
	return &Response{
		TableName: req.Source + "_result",
		Rows:      len(table.Rows),
		Columns:   table.Schema(),
		Preview:   table.Preview(previewRows),
		DataPath:  dataPath,
		Provenance: map[string]interface{}{
			"source":       req.Source,
			"retrieved_at": retrievedAt.Format(time.RFC3339),
			"spec":         req.Spec,
			"row_count":    len(table.Rows),
			"column_count": len(table.Columns),
		},
		Warnings: warnings,
	}, nil
}

func (w *Worker) fetch(ctx context.Context, req *Request) (*tabular.Table, error) {
	switch req.Source {
	case SourceURLCSV:
		u, err := specString(req.Spec, "url", req.Source)
		if err != nil {
			return nil, err
		}
		body, err := w.httpFetch(ctx, u)
		if err != nil {
			return nil, err
		}
		return tabular.ReadCSV(bytes.NewReader(body))

	case SourceURLJSON:
		u, err := specString(req.Spec, "url", req.Source)
		if err != nil {
			return nil, err
		}
		body, err := w.httpFetch(ctx, u)
		if err != nil {
			return nil, err
		}
		return tabular.ReadJSON(bytes.NewReader(body))

	case SourceGCSCSV:
		uri, err := specString(req.Spec, "uri", req.Source)
		if err != nil {
			return nil, err
		}
		if w.gcs == nil {
			return nil, faults.New(faults.KindTransientIO, "retrieve.gcs", "GCS client not available")
		}
		body, err := w.gcs(ctx, uri)
		if err != nil {
			return nil, err
		}
		if int64(len(body)) > w.maxBytes {
			return nil, faults.Errorf(faults.KindPermanentIO, "retrieve.gcs", "object is %d bytes, over the %d byte limit", len(body), w.maxBytes)
		}
		return tabular.ReadCSV(bytes.NewReader(body))

	case SourceLocalCSV:
		p, err := specString(req.Spec, "path", req.Source)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(p)
		if err != nil {
			return nil, faults.Wrap(faults.KindPermanentIO, "retrieve.local", err)
		}
		defer f.Close()
		return tabular.ReadCSV(f)

	default:
		return nil, faults.Errorf(faults.KindPermanentIO, "retrieve", "unsupported source type: %s", req.Source)
	}
}

// httpFetch downloads a URL with the byte cap enforced twice: once against
// the advertised Content-Length, once against the actual body.
func (w *Worker) httpFetch(ctx context.Context, rawURL string) ([]byte, error) {
	const op = "retrieve.fetch"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, faults.Wrap(faults.KindPermanentIO, op, err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransientIO, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, faults.Errorf(faults.KindFromHTTPStatus(resp.StatusCode), op, "HTTP %d fetching %s", resp.StatusCode, rawURL)
	}
	if resp.ContentLength > w.maxBytes {
		return nil, faults.Errorf(faults.KindPermanentIO, op, "response is %d bytes, over the %d byte limit", resp.ContentLength, w.maxBytes)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, w.maxBytes+1))
	if err != nil {
		return nil, faults.Wrap(faults.KindTransientIO, op, err)
	}
	if int64(len(body)) > w.maxBytes {
		return nil, faults.Errorf(faults.KindPermanentIO, op, "response exceeds the %d byte limit", w.maxBytes)
	}
	return body, nil
}

// persist writes the table under the work directory, named by a hash of the
// retrieval timestamp so concurrent jobs never collide.
func (w *Worker) persist(table *tabular.Table, format string, retrievedAt time.Time) (string, error) {
	if err := os.MkdirAll(w.dataDir, 0755); err != nil {
		return "", faults.Wrap(faults.KindPermanentIO, "retrieve.persist", err)
	}
	stamp := md5.Sum([]byte(retrievedAt.Format(time.RFC3339Nano)))
	name := fmt.Sprintf("data_retrieval_%s.%s", hex.EncodeToString(stamp[:])[:8], format)
	path := filepath.Join(w.dataDir, name)
	if err := table.WriteFile(path); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}

func specString(spec map[string]interface{}, key, source string) (string, error) {
	v, ok := spec[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", faults.Errorf(faults.KindPermanentIO, "retrieve", "spec.%s is required for %s", key, source)
	}
	return strings.TrimSpace(v), nil
}

func nullWarnings(t *tabular.Table) []string {
	counts := t.NullCounts()
	warnings := make([]string, 0)
	for _, col := range t.Columns {
		if n := counts[col]; n > 0 {
			warnings = append(warnings, fmt.Sprintf("Column '%s' has %d null values", col, n))
		}
	}
	return warnings
}
