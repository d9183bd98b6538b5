package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"dossier/internal/faults"
	"dossier/internal/ingest"
	"dossier/internal/logging"
	"dossier/internal/store"
)

// researchAndExport runs Research -> Ingest -> Verify -> Export. The verify
// stage is skippable by spec; a skipped stage still writes its checkpoint so
// progress stays comparable across jobs.
func (o *Orchestrator) researchAndExport(ctx context.Context, spec JobSpec) (map[string]interface{}, error) {
	result := map[string]interface{}{}

	if err := o.checkpoint(spec.JobID, 0.2, "Researching sources"); err != nil {
		return nil, err
	}
	research, err := o.callWorker(ctx, o.cfg.Workers.ResearcherURL, "/research", map[string]interface{}{
		"query":        spec.Query,
		"max_results":  30,
		"source_types": spec.Sources,
	})
	if err != nil {
		return nil, err
	}
	result["research"] = research

	if err := o.checkpoint(spec.JobID, 0.4, "Ingesting to memory"); err != nil {
		return nil, err
	}
	copied, err := o.ingestResearch(ctx, research)
	if err != nil {
		return nil, err
	}
	result["ingested"] = copied

	if spec.verifyRequested() {
		if err := o.checkpoint(spec.JobID, 0.6, "Verifying claims"); err != nil {
			return nil, err
		}
		claims := research["claims"]
		if claims == nil {
			claims = []interface{}{}
		}
		verification, err := o.callWorker(ctx, o.cfg.Workers.VerifierURL, "/verify_claims", map[string]interface{}{
			"claims": claims,
		})
		if err != nil {
			return nil, err
		}
		result["verification"] = verification
	} else {
		if err := o.checkpoint(spec.JobID, 0.6, "Verification skipped"); err != nil {
			return nil, err
		}
	}

	if err := o.checkpoint(spec.JobID, 0.8, "Generating deliverables"); err != nil {
		return nil, err
	}
	export, err := o.callWorker(ctx, o.cfg.Workers.ExporterURL, "/export", map[string]interface{}{
		"format": spec.Deliverables,
		"data":   result,
	})
	if err != nil {
		return nil, err
	}
	result["exports"] = export

	return result, nil
}

// dataPipeline runs Retrieve -> Transform -> Export, threading the data
// path each stage reports into the next.
func (o *Orchestrator) dataPipeline(ctx context.Context, spec JobSpec) (map[string]interface{}, error) {
	result := map[string]interface{}{}

	if err := o.checkpoint(spec.JobID, 0.3, "Retrieving data"); err != nil {
		return nil, err
	}
	fetched, err := o.callWorker(ctx, o.cfg.Workers.DataRetrieverURL, "/fetch_data", spec.UserPrefs)
	if err != nil {
		return nil, err
	}
	result["data"] = fetched

	if err := o.checkpoint(spec.JobID, 0.6, "Transforming data"); err != nil {
		return nil, err
	}
	transformSpec := spec.pref("transform_spec")
	if transformSpec == nil {
		transformSpec = map[string]interface{}{}
	}
	transformed, err := o.callWorker(ctx, o.cfg.Workers.TransformerURL, "/transform", map[string]interface{}{
		"data_path": fetched["data_path"],
		"spec":      transformSpec,
	})
	if err != nil {
		return nil, err
	}
	result["transform"] = transformed

	if err := o.checkpoint(spec.JobID, 0.9, "Exporting"); err != nil {
		return nil, err
	}
	export, err := o.callWorker(ctx, o.cfg.Workers.ExporterURL, "/export", map[string]interface{}{
		"format":    spec.Deliverables,
		"data_path": transformed["output_path"],
	})
	if err != nil {
		return nil, err
	}
	result["exports"] = export

	return result, nil
}

// ragIngest hands the caller's preferences to the memory endpoint.
func (o *Orchestrator) ragIngest(ctx context.Context, spec JobSpec) (map[string]interface{}, error) {
	if err := o.checkpoint(spec.JobID, 0.5, "Ingesting documents"); err != nil {
		return nil, err
	}
	ingested, err := o.callWorker(ctx, o.cfg.Workers.MemoryURL, "/ingest", spec.UserPrefs)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"ingested": ingested}, nil
}

// verification checks the caller-supplied claims.
func (o *Orchestrator) verification(ctx context.Context, spec JobSpec) (map[string]interface{}, error) {
	if err := o.checkpoint(spec.JobID, 0.5, "Verifying claims"); err != nil {
		return nil, err
	}
	claims := spec.pref("claims")
	if claims == nil {
		claims = []interface{}{}
	}
	verification, err := o.callWorker(ctx, o.cfg.Workers.VerifierURL, "/verify_claims", map[string]interface{}{
		"claims": claims,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"verification": verification}, nil
}

// ingestResearch copies the researcher's RAG-recommended sources into the
// corpus so later searches can cite them. Per-source failures downgrade to
// warnings and the count of committed copies is returned: the content hash
// index makes a later re-ingest of the same source a no-op, so partial
// copies are not worth failing the job over.
func (o *Orchestrator) ingestResearch(ctx context.Context, research map[string]interface{}) (int, error) {
	if o.pipeline == nil {
		return 0, nil
	}

	ids, _ := research["top_sources_for_rag"].([]interface{})
	rawSources, _ := research["sources"].([]interface{})
	if len(ids) == 0 || len(rawSources) == 0 {
		return 0, nil
	}

	byID := make(map[string]map[string]interface{}, len(rawSources))
	for _, raw := range rawSources {
		src, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if id, ok := src["id"].(string); ok && id != "" {
			byID[id] = src
		}
	}

	copied := 0
	for _, raw := range ids {
		id, ok := raw.(string)
		if !ok {
			continue
		}
		src, ok := byID[id]
		if !ok {
			continue
		}
		text := firstString(src, "suggested_embedding_text", "summary", "snippet")
		if text == "" {
			continue
		}
		url, _ := src["url"].(string)
		name := firstString(src, "title", "url")
		if name == "" {
			name = id
		}
		ref := ingest.FileRef{
			Source:    store.SourceResearch,
			SourceID:  id,
			Name:      name,
			MediaType: "text/plain",
			Provenance: map[string]interface{}{
				"url": url,
			},
		}
		if _, err := o.pipeline.IngestBytes(ctx, ref, []byte(text)); err != nil {
			if ctx.Err() != nil {
				return copied, faults.Wrap(faults.KindCancelled, "jobs.ingest", ctx.Err())
			}
			logging.JobsWarn("Research source %s not copied to corpus: %v", id, err)
			continue
		}
		copied++
	}
	return copied, nil
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// callWorker posts a JSON payload to a worker endpoint and decodes the JSON
// object it replies with. Non-2xx aborts the calling stage with a kind drawn
// from the status code, so quota pushback from a worker stays distinguishable
// from a crash.
func (o *Orchestrator) callWorker(ctx context.Context, baseURL, path string, payload interface{}) (map[string]interface{}, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, faults.Wrap(faults.KindInvariant, "jobs.call", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.GetWorkerCallTimeout())
	defer cancel()

	url := strings.TrimRight(baseURL, "/") + path
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, faults.Wrap(faults.KindInvariant, "jobs.call", err)
	}
	req.Header.Set("Content-Type", "application/json")

	timer := logging.StartTimer(logging.CategoryWorker, "POST "+path)
	resp, err := o.client.Do(req)
	timer.Stop()
	if err != nil {
		if ctx.Err() != nil {
			return nil, faults.Wrap(faults.KindCancelled, "jobs.call", ctx.Err())
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, faults.Errorf(faults.KindTransientIO, "jobs.call",
				"%s did not answer within %s", path, o.cfg.GetWorkerCallTimeout())
		}
		return nil, faults.Wrap(faults.KindTransientIO, "jobs.call", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransientIO, "jobs.call", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, faults.Errorf(faults.KindFromHTTPStatus(resp.StatusCode), "jobs.call",
			"%s returned %d: %s", path, resp.StatusCode, snippet(raw, 512))
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, faults.Errorf(faults.KindInvariant, "jobs.call", "%s returned undecodable JSON: %v", path, err)
	}
	logging.WorkerDebug("POST %s -> %d (%d bytes)", url, resp.StatusCode, len(raw))
	return decoded, nil
}

func snippet(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
