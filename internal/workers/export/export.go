// Package export is the deliverable worker. The consensus engine votes
// on an ExportManifest describing the document, then a local renderer
// writes the requested formats plus a provenance sidecar under the
// export directory. The manifest shapes the output; the rows themselves
// come from the request's data or data file, never from the model.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"dossier/internal/config"
	"dossier/internal/logging"
	"dossier/internal/maker"
	"dossier/internal/tabular"
)

const (
	exportSystem = "You are a precise document formatter. Return ONLY valid JSON matching the ExportManifest schema. No explanations."

	samplerMaxTokens = 1400

	defaultExportDir = ".dossier/exports"
)

// Request names the wanted formats and the payload to render. Data is
// used when DataPath is empty; structured payloads are tabularized.
type Request struct {
	Format   []string               `json:"format"`
	Data     map[string]interface{} `json:"data,omitempty"`
	DataPath string                 `json:"data_path,omitempty"`
}

// File points at one rendered deliverable.
type File struct {
	FileID string `json:"file_id"`
	Link   string `json:"link"`
	Format string `json:"format"`
}

// Response reports the rendered export. Render failures ride back in
// Error with status "failed"; the manifest is returned either way.
type Response struct {
	Status   string                 `json:"status"`
	Manifest map[string]interface{} `json:"manifest"`
	Files    []File                 `json:"files,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// Worker plans exports by consensus and renders them locally.
type Worker struct {
	engine    *maker.Engine
	exportDir string
}

// New builds an exporter writing under the configured export directory.
func New(engine *maker.Engine, cfg *config.Config) *Worker {
	dir := defaultExportDir
	if cfg != nil && cfg.Storage.ExportDir != "" {
		dir = cfg.Storage.ExportDir
	}
	return &Worker{engine: engine, exportDir: dir}
}

// Export votes on a manifest for the request and renders every
// supported requested format.
func (w *Worker) Export(ctx context.Context, req Request) (*Response, error) {
	logging.Worker("exporting to formats: %v", req.Format)
	res, err := w.engine.FirstToAheadByK(ctx, exportTask(req), parseManifest, maker.Params{})
	if err != nil {
		return nil, err
	}
	logging.Worker("export manifest converged in %d rounds", res.Rounds)
	return w.render(req, res.Value), nil
}

func exportTask(req Request) maker.Task {
	payload, err := json.Marshal(req)
	if err != nil {
		payload = []byte("{}")
	}
	return maker.Task{
		System:      exportSystem,
		Prompt:      "Generate export manifest for: " + string(payload),
		Temperature: 0.0,
		MaxTokens:   samplerMaxTokens,
	}
}

// parseManifest red-flags manifests missing any of the four parts.
func parseManifest(raw string) (map[string]interface{}, error) {
	value, err := maker.DefaultParse(raw)
	if err != nil {
		return nil, err
	}
	if format, ok := value["format"].(string); !ok || format == "" {
		return nil, errors.New("missing format")
	}
	for _, key := range []string{"sections", "charts"} {
		list, ok := value[key].([]interface{})
		if !ok {
			return nil, fmt.Errorf("missing %s", key)
		}
		for i, item := range list {
			if _, ok := item.(map[string]interface{}); !ok {
				return nil, fmt.Errorf("%s %d is not an object", key, i)
			}
		}
	}
	if _, ok := value["provenance"].(map[string]interface{}); !ok {
		return nil, errors.New("missing provenance")
	}
	return value, nil
}

// render writes one file per renderable format plus the sidecar. An
// export where nothing could be rendered fails loudly rather than
// reporting success over an empty file list.
func (w *Worker) render(req Request, manifest map[string]interface{}) *Response {
	table, err := w.loadTable(req)
	if err != nil {
		return failedResponse(manifest, err)
	}
	if err := os.MkdirAll(w.exportDir, 0755); err != nil {
		return failedResponse(manifest, err)
	}

	formats := requestedFormats(req, manifest)
	base := "export_" + time.Now().Format("20060102_150405")
	var files []File
	for _, format := range formats {
		switch format {
		case "csv", "json":
			name := base + "." + format
			path := filepath.Join(w.exportDir, name)
			if err := table.WriteFile(path); err != nil {
				return failedResponse(manifest, err)
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				abs = path
			}
			files = append(files, File{FileID: name, Link: abs, Format: format})
			logging.Worker("wrote %s (%d rows)", name, len(table.Rows))
		default:
			logging.Worker("format %q has no local renderer, skipping", format)
		}
	}
	if len(files) == 0 {
		return failedResponse(manifest, fmt.Errorf("no requested format could be rendered: %v", formats))
	}
	if err := w.writeSidecar(base, manifest, files); err != nil {
		return failedResponse(manifest, err)
	}
	return &Response{Status: "success", Manifest: manifest, Files: files}
}

func failedResponse(manifest map[string]interface{}, err error) *Response {
	logging.WorkerError("export rendering failed: %v", err)
	return &Response{Status: "failed", Error: err.Error(), Manifest: manifest}
}

// requestedFormats normalizes the request's format list, falling back to
// the manifest's own pick when the request named none.
func requestedFormats(req Request, manifest map[string]interface{}) []string {
	var formats []string
	seen := make(map[string]bool)
	for _, f := range req.Format {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" && !seen[f] {
			seen[f] = true
			formats = append(formats, f)
		}
	}
	if len(formats) == 0 {
		if f, ok := manifest["format"].(string); ok && f != "" {
			formats = append(formats, strings.ToLower(f))
		}
	}
	return formats
}

func (w *Worker) loadTable(req Request) (*tabular.Table, error) {
	if req.DataPath != "" {
		return tabular.ReadFile(req.DataPath)
	}
	if len(req.Data) == 0 {
		return nil, errors.New("export needs data or data_path")
	}
	return tabularize(req.Data), nil
}

// writeSidecar records where the rows came from next to the files that
// carry them.
func (w *Worker) writeSidecar(base string, manifest map[string]interface{}, files []File) error {
	sidecar := map[string]interface{}{
		"provenance":   manifest["provenance"],
		"generated_at": time.Now().UTC().Format(time.RFC3339),
		"files":        files,
	}
	raw, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.exportDir, base+".provenance.json"), raw, 0644)
}

// tabularize turns a structured payload into rows: a "rows" list is
// taken as records, a "sources" list flattens research output, anything
// else becomes key/value pairs.
func tabularize(data map[string]interface{}) *tabular.Table {
	if rows, ok := data["rows"].([]interface{}); ok {
		return rowsTable(rows)
	}
	if sources, ok := data["sources"].([]interface{}); ok {
		return sourcesTable(sources)
	}
	return pairsTable(data)
}

func rowsTable(rows []interface{}) *tabular.Table {
	seen := make(map[string]bool)
	var cols []string
	outRows := make([]map[string]interface{}, 0, len(rows))
	for _, item := range rows {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		row := make(map[string]interface{}, len(obj))
		for k, v := range obj {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
			row[k] = exportCell(v)
		}
		outRows = append(outRows, row)
	}
	sort.Strings(cols)
	return &tabular.Table{Columns: cols, Rows: outRows}
}

// sourceColumns fixes the layout of a research export.
var sourceColumns = []string{"id", "title", "url", "source_type", "credibility_score", "published_date", "summary"}

func sourcesTable(sources []interface{}) *tabular.Table {
	t := &tabular.Table{Columns: append([]string(nil), sourceColumns...)}
	for _, item := range sources {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		row := make(map[string]interface{}, len(sourceColumns))
		for _, col := range sourceColumns {
			if v, exists := obj[col]; exists {
				row[col] = exportCell(v)
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

func pairsTable(data map[string]interface{}) *tabular.Table {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	t := &tabular.Table{Columns: []string{"key", "value"}}
	for _, k := range keys {
		t.Rows = append(t.Rows, map[string]interface{}{"key": k, "value": exportCell(data[k])})
	}
	return t
}

// exportCell narrows request payload values to cell types; compound
// values keep their JSON form.
func exportCell(v interface{}) interface{} {
	switch x := v.(type) {
	case nil, bool, string, int64, float64, time.Time:
		return x
	case int:
		return int64(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
