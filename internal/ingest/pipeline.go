// Package ingest is the content-addressed ingestion pipeline. Every file
// moves through the same stages regardless of where it came from:
//
//	enumerate -> hash -> dedupe -> download -> extract -> chunk -> embed -> commit
//
// The pipeline is idempotent under at-least-once execution: content hashes
// gate duplicate work before download, the commit path resolves concurrent
// same-bytes ingestion to a single winner, and transient failures park the
// file on a store-backed retry queue instead of failing the run.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dossier/internal/config"
	"dossier/internal/embedding"
	"dossier/internal/faults"
	"dossier/internal/logging"
	"dossier/internal/monitor"
	"dossier/internal/store"
)

const (
	// embedBatchSize bounds one embedder call. Keeps request payloads small
	// enough that a single upstream hiccup loses little work.
	embedBatchSize = 5

	// defaultParallelism bounds concurrent per-file work during folder
	// ingestion.
	defaultParallelism = 8

	// retryBaseDelay seeds the exponential backoff for deferred files.
	retryBaseDelay = 30 * time.Second

	// retryMaxDelay caps the backoff regardless of attempt count.
	retryMaxDelay = 15 * time.Minute
)

// Report summarizes one ingestion call for API responses and logs.
type Report struct {
	FilesProcessed int      `json:"files_processed"`
	NewChunks      int      `json:"chunks"`
	Duplicates     int      `json:"duplicates,omitempty"`
	Skipped        int      `json:"skipped,omitempty"`
	Blocked        int      `json:"blocked,omitempty"`
	Deferred       int      `json:"deferred,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
}

// Pipeline wires the ingestion stages together. Construct with NewPipeline,
// register connectors with RegisterSource, then call IngestFolder,
// IngestFile or IngestBytes.
type Pipeline struct {
	store      *store.Store
	embedder   embedding.Engine
	extractors *ExtractorSet
	chunker    *Chunker
	code       *CodeChunker
	quota      *Quota
	gate       AdmissionGate

	mu      sync.RWMutex
	sources map[string]Source

	maxAttempts     int
	shardWarn       int
	parallelism     int
	downloadTimeout time.Duration
}

// NewPipeline builds a pipeline from configuration. embedder may be nil, in
// which case every document is committed embed-pending and picked up once an
// engine is available.
func NewPipeline(st *store.Store, cfg *config.Config, embedder embedding.Engine) *Pipeline {
	chunker := NewChunker(cfg.Ingest.ChunkMaxTokens, cfg.Ingest.ChunkOverlapTokens)
	return &Pipeline{
		store:           st,
		embedder:        embedder,
		extractors:      NewExtractorSet(),
		chunker:         chunker,
		code:            NewCodeChunker(chunker),
		quota:           NewQuota(cfg.Ingest.QuotaLimitPerMinute),
		sources:         make(map[string]Source),
		maxAttempts:     cfg.Ingest.MaxAttempts,
		shardWarn:       cfg.Ingest.FolderShardWarning,
		parallelism:     defaultParallelism,
		downloadTimeout: cfg.GetDownloadTimeout(),
	}
}

// RegisterSource makes a connector available under its Name.
func (p *Pipeline) RegisterSource(src Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources[src.Name()] = src
	logging.Ingest("Source registered: %s", src.Name())
}

// SetGate installs the admission policy. A nil gate admits everything.
func (p *Pipeline) SetGate(gate AdmissionGate) {
	p.gate = gate
}

// Extractors exposes the dispatch table so capability hooks (PDF, OCR,
// office formats) can be installed at boot.
func (p *Pipeline) Extractors() *ExtractorSet {
	return p.extractors
}

func (p *Pipeline) source(name string) (Source, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	src, ok := p.sources[name]
	return src, ok
}

// IngestFolder enumerates a folder tree and ingests every file in it.
// Enumeration is iterative with an explicit stack; a visited set makes
// shortcut cycles harmless. Per-file work runs on a bounded group, and
// per-file failures defer to the retry queue rather than aborting the walk.
func (p *Pipeline) IngestFolder(ctx context.Context, sourceName, rootFolder string, recursive bool) (*Report, error) {
	src, ok := p.source(sourceName)
	if !ok {
		return nil, faults.Errorf(faults.KindPermanentIO, "ingest.folder", "unknown source %q", sourceName)
	}

	timer := logging.StartTimer(logging.CategoryIngest, "ingest_folder")
	defer timer.Stop()

	report := &Report{}
	var reportMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)

	stack := []string{rootFolder}
	visited := map[string]bool{rootFolder: true}
	for len(stack) > 0 && gctx.Err() == nil {
		folder := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		files, subfolders, err := src.List(gctx, folder)
		if err != nil {
			if folder == rootFolder {
				return nil, faults.Wrap(faults.KindTransientIO, "ingest.folder", err)
			}
			logging.IngestWarn("Skipping unlistable folder %s/%s: %v", sourceName, folder, err)
			reportMu.Lock()
			report.Warnings = append(report.Warnings, fmt.Sprintf("folder %s unlistable: %v", folder, err))
			reportMu.Unlock()
			continue
		}
		logging.Ingest("Enumerated %s/%s: %d files, %d subfolders", sourceName, folder, len(files), len(subfolders))
		if n := len(files) + len(subfolders); p.shardWarn > 0 && n > p.shardWarn {
			logging.IngestWarn("Folder %s holds %d entries; consider sharding it", folder, n)
			reportMu.Lock()
			report.Warnings = append(report.Warnings, fmt.Sprintf("folder %s holds %d entries, consider sharding", folder, n))
			reportMu.Unlock()
		}

		for _, ref := range files {
			ref := ref
			g.Go(func() error {
				return p.ingestInto(gctx, report, &reportMu, ref, func(fctx context.Context) ([]byte, error) {
					return src.Fetch(fctx, ref)
				})
			})
		}
		if recursive {
			for _, sub := range subfolders {
				if !visited[sub] {
					visited[sub] = true
					stack = append(stack, sub)
				}
			}
		}
	}

	if err := g.Wait(); err != nil {
		return report, err
	}
	logging.Ingest("Folder ingest finished: %s/%s processed=%d chunks=%d duplicates=%d skipped=%d deferred=%d",
		sourceName, rootFolder, report.FilesProcessed, report.NewChunks, report.Duplicates, report.Skipped, report.Deferred)
	return report, nil
}

// IngestFile runs the pipeline for a single enumerated file.
func (p *Pipeline) IngestFile(ctx context.Context, ref FileRef) (*Report, error) {
	src, ok := p.source(ref.Source)
	if !ok {
		return nil, faults.Errorf(faults.KindPermanentIO, "ingest.file", "unknown source %q", ref.Source)
	}
	report := &Report{}
	var reportMu sync.Mutex
	err := p.ingestInto(ctx, report, &reportMu, ref, func(fctx context.Context) ([]byte, error) {
		return src.Fetch(fctx, ref)
	})
	return report, err
}

// IngestBytes ingests content the caller already holds, such as an email
// attachment. There is no backend to re-fetch from, so failures surface to
// the caller instead of parking on the retry queue; pollers redeliver on
// their next cycle.
func (p *Pipeline) IngestBytes(ctx context.Context, ref FileRef, content []byte) (*Report, error) {
	report := &Report{}
	oc, chunks, err := p.processFile(ctx, ref, func(context.Context) ([]byte, error) {
		return content, nil
	})
	if err != nil {
		return report, err
	}
	applyOutcome(report, oc, chunks)
	return report, nil
}

// ingestInto runs one file and folds the result into the shared report.
// Deferrable failures are enqueued for retry here; only cancellation and
// contract breaches propagate and stop the run.
func (p *Pipeline) ingestInto(ctx context.Context, report *Report, mu *sync.Mutex, ref FileRef, fetch func(context.Context) ([]byte, error)) error {
	oc, chunks, err := p.processFile(ctx, ref, fetch)
	if err != nil {
		switch faults.KindOf(err) {
		case faults.KindCancelled, faults.KindInvariant:
			return err
		}
		if qerr := p.deferFile(ref, 1, err); qerr != nil {
			return qerr
		}
		mu.Lock()
		report.Deferred++
		mu.Unlock()
		return nil
	}
	mu.Lock()
	applyOutcome(report, oc, chunks)
	mu.Unlock()
	return nil
}

func applyOutcome(report *Report, oc outcome, chunks int) {
	switch oc {
	case outcomeCommitted:
		report.FilesProcessed++
		report.NewChunks += chunks
	case outcomeDuplicate:
		report.Duplicates++
	case outcomeSkipped:
		report.Skipped++
	case outcomeBlocked:
		report.Blocked++
	}
}

// outcome classifies how one file's pass through the pipeline ended.
type outcome int

const (
	outcomeCommitted outcome = iota
	outcomeDuplicate
	outcomeSkipped
	outcomeBlocked
)

// processFile is the per-file pipeline. The returned error is nil for every
// terminal outcome; a non-nil error means the file deserves another attempt
// (or, for cancellation and invariant breaches, that the run should stop).
func (p *Pipeline) processFile(ctx context.Context, ref FileRef, fetch func(context.Context) ([]byte, error)) (outcome, int, error) {
	if err := p.quota.Acquire(ctx, "ingest:"+ref.Source); err != nil {
		return 0, 0, err
	}

	if p.gate != nil {
		allowed, reason, err := p.gate.Admit(ctx, ref)
		if err != nil {
			if faults.KindOf(err) == faults.KindCancelled {
				return 0, 0, err
			}
			// Fail closed: a broken policy engine must not open the corpus.
			logging.IngestError("Admission check failed for %s: %v", ref.Name, err)
			return outcomeBlocked, 0, nil
		}
		if !allowed {
			logging.Ingest("Blocked by policy: %s (%s)", ref.Name, reason)
			return outcomeBlocked, 0, nil
		}
	}

	// Vendor checksums let us skip the download for content we already hold.
	if ref.Checksum != "" {
		if docID, found, err := p.store.LookupHash(ref.Checksum); err != nil {
			return 0, 0, err
		} else if found {
			logging.Audit().IngestDuplicate(docID, ref.Checksum)
			logging.Ingest("Duplicate skipped (hash match): %s -> %s", ref.Name, docID)
			return outcomeDuplicate, 0, nil
		}
	}

	fctx, cancel := context.WithTimeout(ctx, p.downloadTimeout)
	content, err := fetch(fctx)
	cancel()
	if err != nil {
		return 0, 0, faults.Wrap(faults.KindTransientIO, "ingest.fetch", err)
	}

	contentHash := ContentHash(ref.Checksum, content)
	if ref.Checksum == "" {
		if docID, found, err := p.store.LookupHash(contentHash); err != nil {
			return 0, 0, err
		} else if found {
			logging.Audit().IngestDuplicate(docID, contentHash)
			logging.Ingest("Duplicate skipped (hash match): %s -> %s", ref.Name, docID)
			return outcomeDuplicate, 0, nil
		}
	}

	text, err := p.extractors.Extract(content, ref.MediaType)
	if err != nil {
		if errors.Is(err, ErrNoExtractor) {
			logging.IngestWarn("No extractor for %s (%s); skipping", ref.Name, ref.MediaType)
			return outcomeSkipped, 0, nil
		}
		return 0, 0, faults.Wrap(faults.KindExtractionFailed, "ingest.extract", err)
	}
	if strings.TrimSpace(text) == "" {
		logging.IngestWarn("No indexable text in %s; skipping", ref.Name)
		return outcomeSkipped, 0, nil
	}

	chunks, degraded := p.chunk(ctx, text, ref.MediaType)
	if len(chunks) == 0 {
		logging.IngestWarn("Chunking produced nothing for %s; skipping", ref.Name)
		return outcomeSkipped, 0, nil
	}
	if degraded {
		logging.IngestWarn("Degraded chunking for %s: falling back to character windows", ref.Name)
	}

	embedPending := false
	if err := p.embedChunks(ctx, chunks); err != nil {
		if faults.KindOf(err) == faults.KindCancelled {
			return 0, 0, err
		}
		logging.IngestWarn("Embedding failed for %s, storing without vectors: %v", ref.Name, err)
		for i := range chunks {
			chunks[i].Embedding = nil
		}
		embedPending = true
	}

	doc := &store.Document{
		ID:               DocumentID(ref, contentHash),
		Name:             ref.Name,
		Source:           ref.Source,
		SourceID:         ref.SourceID,
		FolderID:         ref.FolderID,
		MediaType:        ref.MediaType,
		SizeBytes:        int64(len(content)),
		ContentHash:      contentHash,
		VersionHash:      contentHash,
		RevisionID:       ref.RevisionID,
		EmbedPending:     embedPending,
		DegradedChunking: degraded,
		Provenance:       ref.Provenance,
		ModifiedAt:       ref.ModifiedAt,
	}

	winner, deduped, err := p.store.CommitDocument(doc, chunks)
	if err != nil {
		return 0, 0, faults.Wrap(faults.KindTransientIO, "ingest.commit", err)
	}
	if deduped {
		logging.Audit().IngestDuplicate(winner, contentHash)
		logging.Ingest("Duplicate content: %s resolved to %s", ref.Name, winner)
		return outcomeDuplicate, 0, nil
	}

	logging.Audit().IngestCommitted(doc.ID, doc.Source, len(chunks))
	logging.Ingest("Committed %s: doc=%s chunks=%d embed_pending=%t", ref.Name, doc.ID, len(chunks), embedPending)
	monitor.IngestFile(doc.Source)
	monitor.IngestChunks(len(chunks))
	return outcomeCommitted, len(chunks), nil
}

// chunk picks the declaration-aware splitter for source media types and the
// token window splitter for everything else.
func (p *Pipeline) chunk(ctx context.Context, text, mediaType string) ([]store.Chunk, bool) {
	if chunks, ok := p.code.ChunkSource(ctx, text, mediaType); ok {
		return chunks, false
	}
	return p.chunker.ChunkText(text)
}

// embedChunks fills embeddings in place, batching embedBatchSize texts per
// call. A nil engine reports an error so the caller commits embed-pending.
func (p *Pipeline) embedChunks(ctx context.Context, chunks []store.Chunk) error {
	if p.embedder == nil {
		return errors.New("no embedding engine configured")
	}
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}
		vectors, err := p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		if len(vectors) != len(texts) {
			return fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
		}
		for i, v := range vectors {
			chunks[start+i].Embedding = v
		}
	}
	return nil
}

// retryPayload is what a deferred file looks like on the retry queue.
type retryPayload struct {
	Ref    FileRef `json:"ref"`
	Reason string  `json:"reason"`
}

// deferFile parks a file on the retry queue with its first backoff.
func (p *Pipeline) deferFile(ref FileRef, attempts int, cause error) error {
	payload, err := json.Marshal(retryPayload{Ref: ref, Reason: cause.Error()})
	if err != nil {
		return fmt.Errorf("failed to encode retry payload: %w", err)
	}
	if _, err := p.store.EnqueueRetry(string(payload), attempts, time.Now().UTC().Add(retryDelay(attempts))); err != nil {
		return err
	}
	logging.IngestWarn("Deferred %s (attempt %d): %v", ref.Name, attempts, cause)
	return nil
}

// retryDelay is exponential in the attempt count with up to 25% jitter so a
// burst of same-cause failures does not come back as a burst.
func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := retryBaseDelay << uint(attempt-1)
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	return d + time.Duration(rand.Int63n(int64(d/4)+1))
}
