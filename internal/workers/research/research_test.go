package research

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"dossier/internal/faults"
	"dossier/internal/logging"
	"dossier/internal/maker"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "research_test")
	if err == nil {
		logging.Initialize(dir)
	}
	code := m.Run()
	logging.CloseAll()
	if dir != "" {
		os.RemoveAll(dir)
	}
	os.Exit(code)
}

func constantSampler(output string) maker.Sampler {
	return maker.SamplerFunc(func(ctx context.Context, task maker.Task) (string, error) {
		return output, nil
	})
}

func errorSampler(err error) maker.Sampler {
	return maker.SamplerFunc(func(ctx context.Context, task maker.Task) (string, error) {
		return "", err
	})
}

type fakeBackend struct {
	typeName string
	hits     []hit
	err      error

	mu  sync.Mutex
	got []query
}

func (f *fakeBackend) name() string     { return f.typeName }
func (f *fakeBackend) configured() bool { return true }

func (f *fakeBackend) search(ctx context.Context, q query) ([]hit, error) {
	f.mu.Lock()
	f.got = append(f.got, q)
	f.mu.Unlock()
	return f.hits, f.err
}

func (f *fakeBackend) queries() []query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]query(nil), f.got...)
}

type fakeFetcher struct {
	text string
	err  error

	mu      sync.Mutex
	fetched []string
}

func (f *fakeFetcher) fetch(ctx context.Context, pageURL string) (string, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, pageURL)
	f.mu.Unlock()
	return f.text, f.err
}

func (f *fakeFetcher) close() error { return nil }

func sourceID(u string) string {
	sum := md5.Sum([]byte(u))
	return hex.EncodeToString(sum[:])[:12]
}

func newTestWorker(summaryOut, synthesisOut string, backends map[string]backend) *Worker {
	return &Worker{
		engine:   maker.New(constantSampler(summaryOut), maker.Params{}, 0),
		sampler:  constantSampler(synthesisOut),
		backends: backends,
		limiter:  newDomainLimiter(time.Millisecond),
	}
}

func TestResearchEndToEnd(t *testing.T) {
	recent := time.Now().Add(-24 * time.Hour).UTC().Format(time.RFC3339)
	govURL := "https://www.energy.gov/report"

	web := &fakeBackend{typeName: SourceWeb, hits: []hit{
		{title: "Agency Report", url: govURL, published: recent,
			snippet: "Federal analysis of grid storage capacity and deployment trends across all regions."},
		{title: "Blog Post", url: "https://example.com/post",
			snippet: "Opinions about grid storage from an enthusiast, with limited sourcing behind them."},
	}}
	scholarly := &fakeBackend{typeName: SourceScholarly, hits: []hit{
		{title: "Grid Storage Survey", url: "https://www.semanticscholar.org/paper/abc",
			snippet: "A survey of storage technologies and their adoption curves over the last decade.",
			published: "2021-05-10", citations: 150, authors: []string{"L. Chen"}},
	}}

	synthesisOut := `{"synthesis": "Storage is growing.", "claims": [{"text": "Grid storage deployment doubled.", "sources": ["` + sourceID(govURL) + `"]}]}`
	w := newTestWorker(`{"summary": "Concise summary of findings."}`, synthesisOut,
		map[string]backend{SourceWeb: web, SourceScholarly: scholarly})

	resp, err := w.Research(context.Background(), &Request{Query: "grid storage", MaxResults: 10})
	if err != nil {
		t.Fatalf("Research: %v", err)
	}

	if resp.TotalFound != 3 || len(resp.Sources) != 3 {
		t.Fatalf("expected 3 sources, got total=%d len=%d", resp.TotalFound, len(resp.Sources))
	}
	if resp.Query != "grid storage" {
		t.Errorf("query = %q", resp.Query)
	}

	// Credibility order: .gov+recent (0.9), scholarly cited+authored (0.65), plain (0.5).
	if resp.Sources[0].URL != govURL {
		t.Errorf("expected the .gov source first, got %s", resp.Sources[0].URL)
	}
	if resp.Sources[1].Type != SourceScholarly {
		t.Errorf("expected the scholarly source second, got %s (%s)", resp.Sources[1].URL, resp.Sources[1].Type)
	}
	if resp.Sources[0].ID != sourceID(govURL) {
		t.Errorf("id = %q, want md5 prefix %q", resp.Sources[0].ID, sourceID(govURL))
	}
	if resp.Sources[0].Type != SourceWeb {
		t.Errorf("type = %q", resp.Sources[0].Type)
	}

	for _, s := range resp.Sources {
		if s.Summary != "Concise summary of findings." {
			t.Errorf("summary for %s = %q", s.URL, s.Summary)
		}
		if want := s.Title + ". " + s.Summary; s.SuggestedEmbeddingText != want {
			t.Errorf("embedding text = %q, want %q", s.SuggestedEmbeddingText, want)
		}
	}

	if resp.Synthesis != "Storage is growing." {
		t.Errorf("synthesis = %q", resp.Synthesis)
	}
	if len(resp.Claims) != 1 || resp.Claims[0].Text != "Grid storage deployment doubled." {
		t.Fatalf("claims = %+v", resp.Claims)
	}
	if len(resp.Claims[0].Sources) != 1 || resp.Claims[0].Sources[0] != sourceID(govURL) {
		t.Errorf("claim sources = %v", resp.Claims[0].Sources)
	}

	// Only the .gov source clears the 0.7 RAG floor.
	if len(resp.TopSourcesForRAG) != 1 || resp.TopSourcesForRAG[0] != sourceID(govURL) {
		t.Errorf("top_sources_for_rag = %v", resp.TopSourcesForRAG)
	}

	// Budget split: half to web, a third to scholarly.
	if q := web.queries(); len(q) != 1 || q[0].max != 5 {
		t.Errorf("web queries = %+v", q)
	}
	if q := scholarly.queries(); len(q) != 1 || q[0].max != 3 {
		t.Errorf("scholarly queries = %+v", q)
	}
}

func TestResearchBudgetFloor(t *testing.T) {
	web := &fakeBackend{typeName: SourceWeb}
	scholarly := &fakeBackend{typeName: SourceScholarly}
	news := &fakeBackend{typeName: SourceNews}
	w := newTestWorker(`{"summary": "s"}`, "prose",
		map[string]backend{SourceWeb: web, SourceScholarly: scholarly, SourceNews: news})

	req := &Request{
		Query:       "anything",
		MaxResults:  2,
		SourceTypes: []string{SourceWeb, SourceScholarly, SourceNews},
	}
	if _, err := w.Research(context.Background(), req); err != nil {
		t.Fatalf("Research: %v", err)
	}

	for _, b := range []*fakeBackend{web, scholarly, news} {
		q := b.queries()
		if len(q) != 1 || q[0].max != 1 {
			t.Errorf("%s queries = %+v, want one query with max 1", b.typeName, q)
		}
	}
}

func TestResearchValidation(t *testing.T) {
	w := newTestWorker(`{"summary": "s"}`, "prose", map[string]backend{})

	_, err := w.Research(context.Background(), &Request{Query: "   "})
	if faults.KindOf(err) != faults.KindPermanentIO {
		t.Errorf("empty query: kind = %v, err = %v", faults.KindOf(err), err)
	}

	_, err = w.Research(context.Background(), &Request{Query: "q", MaxResults: 101})
	if faults.KindOf(err) != faults.KindPermanentIO {
		t.Errorf("oversized max_results: kind = %v, err = %v", faults.KindOf(err), err)
	}
}

func TestRequestDefaults(t *testing.T) {
	req := &Request{Query: " tides "}
	if err := req.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if req.Query != "tides" {
		t.Errorf("query = %q", req.Query)
	}
	if req.MaxResults != defaultMaxResults {
		t.Errorf("max_results = %d", req.MaxResults)
	}
	if len(req.SourceTypes) != 2 || req.SourceTypes[0] != SourceWeb || req.SourceTypes[1] != SourceScholarly {
		t.Errorf("source_types = %v", req.SourceTypes)
	}
	if req.Language != "en" {
		t.Errorf("language = %q", req.Language)
	}
}

func TestResearchCombineOrderAndDedupe(t *testing.T) {
	shared := "https://shared.example/page"
	web := &fakeBackend{typeName: SourceWeb, hits: []hit{
		{title: "Shared From Web", url: shared, snippet: strings.Repeat("w", 90)},
	}}
	scholarly := &fakeBackend{typeName: SourceScholarly, hits: []hit{
		{title: "Shared From Scholar", url: shared, snippet: strings.Repeat("s", 90)},
		{title: "Scholar Only", url: "https://papers.example/2", snippet: strings.Repeat("p", 90)},
	}}
	w := newTestWorker(`{"summary": "s"}`, "prose",
		map[string]backend{SourceWeb: web, SourceScholarly: scholarly})

	resp, err := w.Research(context.Background(), &Request{Query: "dupes"})
	if err != nil {
		t.Fatalf("Research: %v", err)
	}
	if len(resp.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(resp.Sources))
	}
	for _, s := range resp.Sources {
		if s.URL == shared && (s.Title != "Shared From Web" || s.Type != SourceWeb) {
			t.Errorf("duplicate URL kept the wrong hit: %+v", s)
		}
	}
}

func TestResearchDomainFilters(t *testing.T) {
	web := &fakeBackend{typeName: SourceWeb, hits: []hit{
		{title: "Kept", url: "https://docs.energy.gov/a", snippet: strings.Repeat("a", 90)},
		{title: "Blocked", url: "https://spam.example/b", snippet: strings.Repeat("b", 90)},
		{title: "Not Allowed", url: "https://other.example/c", snippet: strings.Repeat("c", 90)},
	}}
	w := newTestWorker(`{"summary": "s"}`, "prose", map[string]backend{SourceWeb: web})

	resp, err := w.Research(context.Background(), &Request{
		Query:           "filters",
		SourceTypes:     []string{SourceWeb},
		DomainAllowlist: []string{"energy.gov", "spam.example"},
		DomainBlocklist: []string{"spam.example"},
	})
	if err != nil {
		t.Fatalf("Research: %v", err)
	}
	if len(resp.Sources) != 1 || resp.Sources[0].Title != "Kept" {
		t.Fatalf("sources = %+v", resp.Sources)
	}
}

func TestResearchBackendFailureDegrades(t *testing.T) {
	web := &fakeBackend{typeName: SourceWeb, err: errors.New("quota blown")}
	scholarly := &fakeBackend{typeName: SourceScholarly, hits: []hit{
		{title: "Still Here", url: "https://papers.example/1", snippet: strings.Repeat("x", 90)},
	}}
	w := newTestWorker(`{"summary": "s"}`, "prose",
		map[string]backend{SourceWeb: web, SourceScholarly: scholarly})

	resp, err := w.Research(context.Background(), &Request{Query: "resilience"})
	if err != nil {
		t.Fatalf("Research: %v", err)
	}
	if len(resp.Sources) != 1 || resp.Sources[0].Title != "Still Here" {
		t.Fatalf("sources = %+v", resp.Sources)
	}
}

func TestResearchCancelled(t *testing.T) {
	w := newTestWorker(`{"summary": "s"}`, "prose",
		map[string]backend{SourceWeb: &fakeBackend{typeName: SourceWeb}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Research(ctx, &Request{Query: "q"})
	if faults.KindOf(err) != faults.KindCancelled {
		t.Errorf("kind = %v, err = %v", faults.KindOf(err), err)
	}
}

func TestEnrichReplacesThinSnippets(t *testing.T) {
	long := strings.Repeat("rendered page text ", 40)
	fetcher := &fakeFetcher{text: long}
	w := &Worker{fetcher: fetcher}

	hits := []hit{
		{url: "https://thin.example/1", snippet: "tiny"},
		{url: "https://fat.example/2", snippet: strings.Repeat("already plenty of snippet text ", 4)},
	}
	w.enrich(context.Background(), hits)

	if len(fetcher.fetched) != 1 || fetcher.fetched[0] != "https://thin.example/1" {
		t.Fatalf("fetched = %v", fetcher.fetched)
	}
	if hits[0].snippet != clip(long, enrichedSnippetLength) {
		t.Errorf("thin snippet not enriched: %q", hits[0].snippet)
	}
	if !strings.HasPrefix(hits[1].snippet, "already plenty") {
		t.Errorf("thick snippet was touched: %q", hits[1].snippet)
	}
}

func TestEnrichCapsFetches(t *testing.T) {
	fetcher := &fakeFetcher{text: strings.Repeat("t", 200)}
	w := &Worker{fetcher: fetcher}

	hits := make([]hit, maxEnrichFetches+3)
	for i := range hits {
		hits[i] = hit{url: "https://thin.example/" + string(rune('a'+i)), snippet: "x"}
	}
	w.enrich(context.Background(), hits)

	if len(fetcher.fetched) != maxEnrichFetches {
		t.Errorf("fetched %d pages, want %d", len(fetcher.fetched), maxEnrichFetches)
	}
}

func TestEnrichKeepsSnippetOnFetchError(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("boom")}
	w := &Worker{fetcher: fetcher}

	hits := []hit{{url: "https://thin.example/1", snippet: "tiny"}}
	w.enrich(context.Background(), hits)
	if hits[0].snippet != "tiny" {
		t.Errorf("snippet = %q", hits[0].snippet)
	}
}

func TestSummarizeFallsBackToSnippet(t *testing.T) {
	w := &Worker{engine: maker.New(errorSampler(errors.New("llm down")), maker.Params{}, 0)}

	h := hit{title: "T", url: "https://x.example", snippet: "short snippet"}
	if got := w.summarize(context.Background(), h); got != "short snippet..." {
		t.Errorf("summary = %q", got)
	}

	h.snippet = strings.Repeat("s", 300)
	if got := w.summarize(context.Background(), h); got != strings.Repeat("s", 200)+"..." {
		t.Errorf("long snippet fallback = %q", got)
	}
}

func TestSynthesizeSamplerFailure(t *testing.T) {
	w := &Worker{sampler: errorSampler(errors.New("llm down"))}
	synthesis, claims := w.synthesize(context.Background(), "q", nil)
	if synthesis != synthesisFallback {
		t.Errorf("synthesis = %q", synthesis)
	}
	if claims != nil {
		t.Errorf("claims = %+v", claims)
	}
}

func TestSynthesizePromptCarriesTopSources(t *testing.T) {
	var gotPrompt string
	sampler := maker.SamplerFunc(func(ctx context.Context, task maker.Task) (string, error) {
		gotPrompt = task.Prompt
		return `{"synthesis": "ok", "claims": []}`, nil
	})
	w := &Worker{sampler: sampler}

	sources := make([]Source, synthesisSources+2)
	for i := range sources {
		sources[i] = Source{
			ID:               sourceID(string(rune('a' + i))),
			Title:            "Title " + string(rune('A'+i)),
			Summary:          "Summary.",
			CredibilityScore: 0.5,
		}
	}
	w.synthesize(context.Background(), "the query", sources)

	if !strings.Contains(gotPrompt, `research findings on: "the query"`) {
		t.Errorf("prompt missing query: %q", gotPrompt)
	}
	if !strings.Contains(gotPrompt, "[15] Title O (id: "+sources[14].ID+")") {
		t.Errorf("prompt missing source 15: %q", gotPrompt)
	}
	if strings.Contains(gotPrompt, "[16]") {
		t.Errorf("prompt carries more than %d sources", synthesisSources)
	}
}

func TestParseSynthesis(t *testing.T) {
	text, claims := parseSynthesis("Just prose, no JSON anywhere.")
	if text != "Just prose, no JSON anywhere." || claims != nil {
		t.Errorf("prose fallback: text=%q claims=%+v", text, claims)
	}

	raw := `{"synthesis": "Found it.", "claims": [` +
		`{"text": "A", "sources": ["id1", "id2"]},` +
		`{"text": "", "sources": ["id3"]},` +
		`{"sources": ["id4"]},` +
		`{"text": "B", "sources": [7, "id5"]},` +
		`"junk"]}`
	text, claims = parseSynthesis(raw)
	if text != "Found it." {
		t.Fatalf("synthesis = %q", text)
	}
	if len(claims) != 2 {
		t.Fatalf("claims = %+v", claims)
	}
	if claims[0].Text != "A" || len(claims[0].Sources) != 2 {
		t.Errorf("claim 0 = %+v", claims[0])
	}
	if claims[1].Text != "B" || len(claims[1].Sources) != 1 || claims[1].Sources[0] != "id5" {
		t.Errorf("claim 1 = %+v", claims[1])
	}

	text, claims = parseSynthesis(`{"claims": [{"text": "A"}]}`)
	if !strings.Contains(text, `"claims"`) || claims != nil {
		t.Errorf("missing synthesis key should fall back to raw text, got %q / %+v", text, claims)
	}
}

func TestTopSourcesForRAG(t *testing.T) {
	sources := make([]Source, 14)
	for i := range sources {
		sources[i] = Source{ID: sourceID(string(rune('a' + i))), CredibilityScore: 0.95 - float64(i)*0.02}
	}
	ids := topSourcesForRAG(sources)
	if len(ids) != ragLimit {
		t.Fatalf("got %d ids, want %d", len(ids), ragLimit)
	}
	if ids[0] != sources[0].ID {
		t.Errorf("ids[0] = %q", ids[0])
	}

	sources[3].CredibilityScore = 0.5
	ids = topSourcesForRAG(sources)
	for _, id := range ids {
		if id == sources[3].ID {
			t.Errorf("low-credibility source recommended for rag")
		}
	}
}

func TestHealthReflectsBackends(t *testing.T) {
	limiter := newDomainLimiter(time.Millisecond)
	w := &Worker{backends: map[string]backend{
		SourceWeb:       newGoogleBackend("", "", limiter),
		SourceScholarly: newScholarBackend("", nil, limiter),
		SourceNews:      newNewsBackend("key", nil, limiter),
	}}

	health := w.Health()
	if health["custom_search"] {
		t.Errorf("custom_search should be unconfigured")
	}
	if !health["semantic_scholar"] {
		t.Errorf("semantic_scholar should always be available")
	}
	if !health["news_api"] {
		t.Errorf("news_api should be configured")
	}
}
