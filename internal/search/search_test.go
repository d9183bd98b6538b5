package search

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"dossier/internal/config"
	"dossier/internal/faults"
	"dossier/internal/logging"
	store "dossier/internal/store"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "search_test")
	if err != nil {
		panic(err)
	}
	logging.Initialize(dir)
	code := m.Run()
	logging.CloseAll()
	os.RemoveAll(dir)
	os.Exit(code)
}

// stubEngine returns a fixed vector for every query.
type stubEngine struct {
	vec []float32
	err error
}

func (e *stubEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.vec, nil
}

func (e *stubEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = e.vec
	}
	return out, nil
}

func (e *stubEngine) Dimensions() int { return len(e.vec) }
func (e *stubEngine) Name() string    { return "stub" }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

type seed struct {
	id        string
	name      string
	source    string
	mediaType string
	text      string
	embedding []float32
	prov      map[string]interface{}
	modified  time.Time
}

func commitSeed(t *testing.T, st *store.Store, sd seed) {
	t.Helper()
	if sd.source == "" {
		sd.source = store.SourceDrive
	}
	if sd.mediaType == "" {
		sd.mediaType = "text/plain"
	}
	doc := &store.Document{
		ID:          sd.id,
		Name:        sd.name,
		Source:      sd.source,
		SourceID:    sd.id,
		FolderID:    "folder-1",
		MediaType:   sd.mediaType,
		SizeBytes:   int64(len(sd.text)),
		ContentHash: "hash-" + sd.id,
		VersionHash: "v-" + sd.id,
		RevisionID:  "rev-" + sd.id,
		Provenance:  sd.prov,
		ModifiedAt:  sd.modified,
	}
	chunks := []store.Chunk{{Seq: 0, Text: sd.text, Embedding: sd.embedding}}
	if _, _, err := st.CommitDocument(doc, chunks); err != nil {
		t.Fatalf("CommitDocument(%s): %v", sd.id, err)
	}
}

func newSearcher(st *store.Store, eng *stubEngine, hybrid bool) *Searcher {
	return New(st, eng, config.SearchConfig{EnableHybrid: hybrid, DefaultTopK: 10})
}

func TestVectorSearchRanksBySimilarity(t *testing.T) {
	st := newTestStore(t)
	commitSeed(t, st, seed{id: "d1", name: "close.txt", text: "first", embedding: []float32{1, 0}})
	commitSeed(t, st, seed{id: "d2", name: "near.txt", text: "second", embedding: []float32{0.8, 0.6}})
	commitSeed(t, st, seed{id: "d3", name: "far.txt", text: "third", embedding: []float32{0, 1}})

	s := newSearcher(st, &stubEngine{vec: []float32{1, 0}}, true)
	resp, err := s.Search(context.Background(), Request{Query: "anything", UseHybrid: false})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if resp.SearchType != "vector" {
		t.Errorf("search_type = %q, want vector", resp.SearchType)
	}
	if resp.Total != 3 || len(resp.Results) != 3 {
		t.Fatalf("got %d results, want 3", len(resp.Results))
	}
	wantOrder := []string{"d1", "d2", "d3"}
	for i, want := range wantOrder {
		if resp.Results[i].DocumentID != want {
			t.Errorf("result %d = %s, want %s", i, resp.Results[i].DocumentID, want)
		}
	}
	for i := 1; i < len(resp.Results); i++ {
		if resp.Results[i].Score > resp.Results[i-1].Score {
			t.Errorf("scores not descending at %d: %f > %f", i, resp.Results[i].Score, resp.Results[i-1].Score)
		}
	}
}

func TestHybridFusionPromotesLexicalMatch(t *testing.T) {
	st := newTestStore(t)
	// d1 wins the vector arm outright but never mentions the query term.
	commitSeed(t, st, seed{id: "d1", name: "vector.txt", text: "alpha beta gamma", embedding: []float32{1, 0}})
	// d2 loses the vector arm but dominates the lexical arm.
	commitSeed(t, st, seed{id: "d2", name: "lexical.txt", text: "revenue revenue revenue", embedding: []float32{0, 1}})

	s := newSearcher(st, &stubEngine{vec: []float32{1, 0}}, true)
	resp, err := s.Search(context.Background(), Request{Query: "revenue", UseHybrid: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if resp.SearchType != "hybrid" {
		t.Errorf("search_type = %q, want hybrid", resp.SearchType)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(resp.Results))
	}
	// d2: rank 2 vector + rank 1 lexical = 1/62 + 1/61 beats d1's 1/61.
	if resp.Results[0].DocumentID != "d2" {
		t.Errorf("first result = %s, want d2", resp.Results[0].DocumentID)
	}
}

func TestFusedScoresStayInRRFBounds(t *testing.T) {
	st := newTestStore(t)
	commitSeed(t, st, seed{id: "d1", name: "a.txt", text: "metrics report", embedding: []float32{1, 0}})
	commitSeed(t, st, seed{id: "d2", name: "b.txt", text: "metrics metrics", embedding: []float32{0.9, 0.1}})

	s := newSearcher(st, &stubEngine{vec: []float32{1, 0}}, true)
	resp, err := s.Search(context.Background(), Request{Query: "metrics", UseHybrid: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	// With two arms a chunk can earn at most 2/(60+1) and no less than 0.
	max := 2.0 / 61.0
	for _, r := range resp.Results {
		if r.Score <= 0 || r.Score > max+1e-12 {
			t.Errorf("fused score %f outside (0, %f]", r.Score, max)
		}
	}
}

func TestDeploymentDisablesHybrid(t *testing.T) {
	st := newTestStore(t)
	commitSeed(t, st, seed{id: "d1", name: "a.txt", text: "alpha", embedding: []float32{1, 0}})
	// Lexical-only reachable doc: no embedding.
	commitSeed(t, st, seed{id: "d2", name: "b.txt", text: "needle needle"})

	s := newSearcher(st, &stubEngine{vec: []float32{1, 0}}, false)
	resp, err := s.Search(context.Background(), Request{Query: "needle", UseHybrid: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.SearchType != "vector" {
		t.Errorf("search_type = %q, want vector when the deployment disables hybrid", resp.SearchType)
	}
	for _, r := range resp.Results {
		if r.DocumentID == "d2" {
			t.Error("embedding-less chunk surfaced through a vector-only search")
		}
	}
}

func TestEmbedPendingChunksReachableThroughLexicalArm(t *testing.T) {
	st := newTestStore(t)
	commitSeed(t, st, seed{id: "d1", name: "pending.txt", text: "quarterly forecast"})

	s := newSearcher(st, &stubEngine{vec: []float32{1, 0}}, true)

	vec, err := s.Search(context.Background(), Request{Query: "forecast", UseHybrid: false})
	if err != nil {
		t.Fatalf("vector search: %v", err)
	}
	if len(vec.Results) != 0 {
		t.Errorf("vector-only found %d results, want 0", len(vec.Results))
	}

	hyb, err := s.Search(context.Background(), Request{Query: "forecast", UseHybrid: true})
	if err != nil {
		t.Fatalf("hybrid search: %v", err)
	}
	if len(hyb.Results) != 1 || hyb.Results[0].DocumentID != "d1" {
		t.Fatalf("hybrid results = %+v, want the pending chunk", hyb.Results)
	}
}

func TestFiltersNarrowCandidates(t *testing.T) {
	st := newTestStore(t)
	commitSeed(t, st, seed{id: "d1", name: "a.md", mediaType: "text/markdown", text: "budget", embedding: []float32{1, 0}})
	commitSeed(t, st, seed{id: "d2", name: "b.csv", mediaType: "text/csv", text: "budget", embedding: []float32{1, 0}})

	s := newSearcher(st, &stubEngine{vec: []float32{1, 0}}, true)
	resp, err := s.Search(context.Background(), Request{
		Query:     "budget",
		UseHybrid: true,
		Filter:    store.SearchFilter{MediaTypes: []string{"text/csv"}},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].DocumentID != "d2" {
		t.Fatalf("results = %+v, want only d2", resp.Results)
	}
}

func TestSoftDeletedDocumentsNeverSurface(t *testing.T) {
	st := newTestStore(t)
	commitSeed(t, st, seed{id: "d1", name: "gone.txt", text: "secret figures", embedding: []float32{1, 0}})

	if ok, err := st.SoftDeleteDocument("d1"); err != nil || !ok {
		t.Fatalf("SoftDeleteDocument: ok=%v err=%v", ok, err)
	}

	s := newSearcher(st, &stubEngine{vec: []float32{1, 0}}, true)
	resp, err := s.Search(context.Background(), Request{Query: "secret", UseHybrid: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Fatalf("soft-deleted document surfaced: %+v", resp.Results)
	}
}

func TestProvenanceEnrichment(t *testing.T) {
	st := newTestStore(t)
	modified := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	commitSeed(t, st, seed{
		id: "drive-doc", name: "plan.txt", text: "launch plan",
		embedding: []float32{1, 0},
		prov:      map[string]interface{}{"drive_link": "https://drive.google.com/file/d/drive-doc"},
		modified:  modified,
	})
	commitSeed(t, st, seed{
		id: "gcs-doc", name: "dump.csv", source: store.SourceGCS,
		mediaType: "text/csv", text: "launch numbers", embedding: []float32{0.9, 0.1},
	})

	s := newSearcher(st, &stubEngine{vec: []float32{1, 0}}, true)
	resp, err := s.Search(context.Background(), Request{Query: "launch", UseHybrid: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(resp.Results))
	}

	byDoc := map[string]Result{}
	for _, r := range resp.Results {
		byDoc[r.DocumentID] = r
	}

	dr := byDoc["drive-doc"].Provenance
	if dr.FileName != "plan.txt" || dr.FileID != "drive-doc" {
		t.Errorf("drive provenance identity: %+v", dr)
	}
	if dr.VersionHash != "v-drive-doc" || dr.RevisionID != "rev-drive-doc" {
		t.Errorf("drive provenance revision: %+v", dr)
	}
	if dr.DriveLink != "https://drive.google.com/file/d/drive-doc" {
		t.Errorf("drive_link = %q", dr.DriveLink)
	}
	if dr.ModifiedAt != "2026-03-01T09:30:00Z" {
		t.Errorf("modified_at = %q", dr.ModifiedAt)
	}
	if dr.UploadedAt == "" {
		t.Error("uploaded_at missing")
	}

	gc := byDoc["gcs-doc"].Provenance
	if gc.Source != store.SourceGCS || gc.DriveLink != "" {
		t.Errorf("gcs provenance: %+v", gc)
	}
}

func TestTopKTruncates(t *testing.T) {
	st := newTestStore(t)
	for _, sd := range []seed{
		{id: "d1", name: "a.txt", text: "term", embedding: []float32{1, 0}},
		{id: "d2", name: "b.txt", text: "term", embedding: []float32{0.9, 0.1}},
		{id: "d3", name: "c.txt", text: "term", embedding: []float32{0.8, 0.2}},
	} {
		commitSeed(t, st, sd)
	}

	s := newSearcher(st, &stubEngine{vec: []float32{1, 0}}, true)
	resp, err := s.Search(context.Background(), Request{Query: "term", TopK: 2, UseHybrid: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Errorf("got %d results, want 2", len(resp.Results))
	}
}

func TestEmptyQueryRejected(t *testing.T) {
	st := newTestStore(t)
	s := newSearcher(st, &stubEngine{vec: []float32{1, 0}}, true)

	for _, q := range []string{"", "   "} {
		_, err := s.Search(context.Background(), Request{Query: q})
		if faults.KindOf(err) != faults.KindPermanentIO {
			t.Errorf("query %q: kind = %v, want KindPermanentIO", q, faults.KindOf(err))
		}
	}
}

func TestEmbedFailureSurfaces(t *testing.T) {
	st := newTestStore(t)
	commitSeed(t, st, seed{id: "d1", name: "a.txt", text: "alpha", embedding: []float32{1, 0}})

	s := newSearcher(st, &stubEngine{err: errors.New("backend down")}, true)
	_, err := s.Search(context.Background(), Request{Query: "alpha", UseHybrid: true})
	if faults.KindOf(err) != faults.KindTransientIO {
		t.Errorf("kind = %v, want KindTransientIO", faults.KindOf(err))
	}
	if err == nil || !strings.Contains(err.Error(), "backend down") {
		t.Errorf("err = %v", err)
	}
}
