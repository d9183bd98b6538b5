// Package search ranks corpus chunks against a query. Two arms score
// independently, cosine similarity over chunk embeddings and summed term
// frequency over the raw text, and reciprocal rank fusion merges their
// rankings. Results carry full document provenance so callers never need a
// second lookup.
package search

import (
	"context"
	"sort"
	"strings"
	"time"

	"dossier/internal/config"
	"dossier/internal/embedding"
	"dossier/internal/faults"
	"dossier/internal/logging"
	store "dossier/internal/store"
)

// rrfK dampens the head of each arm's ranking so one arm's top pick cannot
// drown out agreement further down.
const rrfK = 60

// Searcher answers queries over the chunk corpus.
type Searcher struct {
	store  *store.Store
	engine embedding.Engine
	hybrid bool
	topK   int
}

// New builds a Searcher. The embedding engine is re-tuned for query
// embeddings when the backend distinguishes them from document embeddings.
func New(st *store.Store, engine embedding.Engine, cfg config.SearchConfig) *Searcher {
	topK := cfg.DefaultTopK
	if topK <= 0 {
		topK = 10
	}
	return &Searcher{
		store:  st,
		engine: embedding.QueryEngine(engine),
		hybrid: cfg.EnableHybrid,
		topK:   topK,
	}
}

// Request is one retrieval call. Zero filter fields apply no constraint.
// UseHybrid is the caller's wish; hybrid runs only when the deployment also
// enables it.
type Request struct {
	Query     string
	Filter    store.SearchFilter
	TopK      int
	UseHybrid bool
}

// Result is one ranked chunk.
type Result struct {
	Text       string     `json:"text"`
	Score      float64    `json:"score"`
	DocumentID string     `json:"document_id"`
	ChunkSeq   int        `json:"chunk_index"`
	Provenance Provenance `json:"provenance"`
}

// Provenance identifies where a result came from and which revision of the
// document produced it.
type Provenance struct {
	FileName    string `json:"file_name"`
	FileID      string `json:"file_id"`
	VersionHash string `json:"version_hash"`
	RevisionID  string `json:"revision_id,omitempty"`
	ModifiedAt  string `json:"modified_at,omitempty"`
	UploadedAt  string `json:"uploaded_at,omitempty"`
	DriveLink   string `json:"drive_link,omitempty"`
	Source      string `json:"source"`
}

// Response mirrors the wire shape of the search endpoint.
type Response struct {
	Query      string   `json:"query"`
	Results    []Result `json:"results"`
	Total      int      `json:"total"`
	SearchType string   `json:"search_type"`
}

type scoredChunk struct {
	idx   int
	score float64
}

// Search runs the query through the configured arms and returns ranked,
// provenance-enriched results. Soft-deleted documents never appear; chunks
// whose embeddings are still pending are reachable through the lexical arm
// only.
func (s *Searcher) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, faults.Errorf(faults.KindPermanentIO, "search.query", "empty query")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = s.topK
	}

	candidates, err := s.store.CandidateChunks(req.Filter)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransientIO, "search.candidates", err)
	}

	hybrid := req.UseHybrid && s.hybrid
	searchType := "vector"
	if hybrid {
		searchType = "hybrid"
	}

	var picked []scoredChunk
	if len(candidates) > 0 {
		// Arms rank to twice the requested depth so fusion can still
		// promote a chunk that sits just past topK in one arm.
		armK := topK * 2
		vec, err := s.vectorArm(ctx, query, candidates, armK)
		if err != nil {
			return nil, err
		}
		if hybrid {
			picked = fuse(topK, vec, lexicalArm(query, candidates, armK))
		} else {
			picked = vec
			if len(picked) > topK {
				picked = picked[:topK]
			}
		}
	}

	results := make([]Result, 0, len(picked))
	for _, sc := range picked {
		results = append(results, enrich(candidates[sc.idx], sc.score))
	}

	elapsed := time.Since(start)
	logging.Search("Query %q: %d candidates -> %d results (%s, %dms)",
		query, len(candidates), len(results), searchType, elapsed.Milliseconds())
	logging.Audit().SearchQuery(hybrid, query, len(results), elapsed.Milliseconds())

	return &Response{
		Query:      req.Query,
		Results:    results,
		Total:      len(results),
		SearchType: searchType,
	}, nil
}

// vectorArm embeds the query once and ranks the candidates that already
// carry vectors.
func (s *Searcher) vectorArm(ctx context.Context, query string, candidates []store.CandidateChunk, k int) ([]scoredChunk, error) {
	qvec, err := s.engine.Embed(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, faults.Wrap(faults.KindCancelled, "search.embed", err)
		}
		return nil, faults.Wrap(faults.KindTransientIO, "search.embed", err)
	}

	var corpus [][]float32
	var owners []int
	for i := range candidates {
		if len(candidates[i].Embedding) > 0 {
			corpus = append(corpus, candidates[i].Embedding)
			owners = append(owners, i)
		}
	}
	if len(corpus) == 0 {
		return nil, nil
	}

	top, err := embedding.FindTopK(qvec, corpus, k)
	if err != nil {
		return nil, faults.Wrap(faults.KindInvariant, "search.rank", err)
	}
	out := make([]scoredChunk, 0, len(top))
	for _, r := range top {
		out = append(out, scoredChunk{idx: owners[r.Index], score: r.Similarity})
	}
	return out, nil
}

// lexicalArm scores candidates by summed term frequency. Counting is by
// substring, so "auth" also hits "authentication".
func lexicalArm(query string, candidates []store.CandidateChunk, k int) []scoredChunk {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil
	}
	var out []scoredChunk
	for i := range candidates {
		text := strings.ToLower(candidates[i].Text)
		score := 0
		for _, term := range terms {
			score += strings.Count(text, term)
		}
		if score > 0 {
			out = append(out, scoredChunk{idx: i, score: float64(score)})
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].score > out[b].score })
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// fuse merges arm rankings by reciprocal rank, 1/(60+rank) with rank
// starting at 1. A chunk absent from an arm contributes nothing for it, so
// an extra arm can only raise a fused score, never lower it. Ties break
// toward corpus order to keep results deterministic.
func fuse(topK int, arms ...[]scoredChunk) []scoredChunk {
	fused := make(map[int]float64)
	for _, arm := range arms {
		for rank, sc := range arm {
			fused[sc.idx] += 1.0 / float64(rrfK+rank+1)
		}
	}

	out := make([]scoredChunk, 0, len(fused))
	for idx, score := range fused {
		out = append(out, scoredChunk{idx: idx, score: score})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].score != out[b].score {
			return out[a].score > out[b].score
		}
		return out[a].idx < out[b].idx
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

func enrich(c store.CandidateChunk, score float64) Result {
	prov := Provenance{
		FileName:    c.DocumentName,
		FileID:      c.DocumentID,
		VersionHash: c.VersionHash,
		RevisionID:  c.RevisionID,
		Source:      c.Source,
	}
	if !c.ModifiedAt.IsZero() {
		prov.ModifiedAt = c.ModifiedAt.UTC().Format(time.RFC3339)
	}
	if !c.UploadedAt.IsZero() {
		prov.UploadedAt = c.UploadedAt.UTC().Format(time.RFC3339)
	}
	if link, ok := c.Provenance["drive_link"].(string); ok && link != "" {
		prov.DriveLink = link
	} else if c.Source == store.SourceDrive {
		prov.DriveLink = "https://drive.google.com/file/d/" + c.SourceID
	}

	return Result{
		Text:       c.Text,
		Score:      score,
		DocumentID: c.DocumentID,
		ChunkSeq:   c.Seq,
		Provenance: prov,
	}
}
