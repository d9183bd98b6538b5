// Package research implements the research worker: it fans a query out
// over web, scholarly and news search backends, scores each source for
// credibility, summarizes them under consensus voting and synthesizes the
// findings into claims with source provenance for downstream verification.
package research

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"dossier/internal/config"
	"dossier/internal/faults"
	"dossier/internal/logging"
	"dossier/internal/maker"
)

// Source types a request may ask for. Types without a backend are skipped.
const (
	SourceWeb       = "web"
	SourceScholarly = "scholarly"
	SourceNews      = "news"
)

// sourceOrder fixes the combine order so responses are stable regardless
// of which backend answers first.
var sourceOrder = []string{SourceWeb, SourceScholarly, SourceNews}

const (
	summarySystem   = "You are a precise research summarizer. Return only valid JSON."
	synthesisSystem = "You are an expert research analyst. Provide clear, evidence-based synthesis."

	summaryMaxTokens   = 200
	synthesisMaxTokens = 1500

	synthesisFallback = "Synthesis generation failed. Please review individual sources."

	defaultMaxResults = 30
	maxResultsCeiling = 100

	// synthesisSources caps how many top sources feed the synthesis prompt.
	synthesisSources = 15

	ragCredibilityFloor = 0.7
	ragLimit            = 10

	summaryConcurrency = 5

	// Snippets shorter than minSnippetLength get a page fetch, up to
	// maxEnrichFetches per request.
	minSnippetLength      = 80
	maxEnrichFetches      = 10
	enrichedSnippetLength = 500
)

// Request describes one research task.
type Request struct {
	Query           string   `json:"query"`
	MaxResults      int      `json:"max_results,omitempty"`
	DateFrom        string   `json:"date_from,omitempty"`
	DateTo          string   `json:"date_to,omitempty"`
	SourceTypes     []string `json:"source_types,omitempty"`
	DomainAllowlist []string `json:"domain_allowlist,omitempty"`
	DomainBlocklist []string `json:"domain_blocklist,omitempty"`
	Language        string   `json:"language,omitempty"`
}

func (r *Request) normalize() error {
	r.Query = strings.TrimSpace(r.Query)
	if r.Query == "" {
		return faults.New(faults.KindPermanentIO, "research", "query is required")
	}
	if r.MaxResults > maxResultsCeiling {
		return faults.Errorf(faults.KindPermanentIO, "research", "max_results must be at most %d", maxResultsCeiling)
	}
	if r.MaxResults <= 0 {
		r.MaxResults = defaultMaxResults
	}
	if len(r.SourceTypes) == 0 {
		r.SourceTypes = []string{SourceWeb, SourceScholarly}
	}
	if r.Language == "" {
		r.Language = "en"
	}
	return nil
}

// Source is one scored, summarized search result.
type Source struct {
	ID                     string   `json:"id"`
	Title                  string   `json:"title"`
	URL                    string   `json:"url"`
	Date                   string   `json:"date,omitempty"`
	Snippet                string   `json:"snippet"`
	Summary                string   `json:"summary"`
	Type                   string   `json:"type"`
	CredibilityScore       float64  `json:"credibility_score"`
	SuggestedEmbeddingText string   `json:"suggested_embedding_text"`
	Authors                []string `json:"authors,omitempty"`
	Citations              int      `json:"citations,omitempty"`
}

// Claim is one synthesized finding tied to the source ids that back it.
// The verification worker consumes these verbatim.
type Claim struct {
	Text    string   `json:"text"`
	Sources []string `json:"sources"`
}

// Response is the research result: all sources sorted by credibility, the
// synthesis, its claims, and the source ids recommended for RAG ingestion.
type Response struct {
	Sources          []Source `json:"sources"`
	Synthesis        string   `json:"synthesis"`
	Claims           []Claim  `json:"claims"`
	TopSourcesForRAG []string `json:"top_sources_for_rag"`
	Query            string   `json:"query"`
	TotalFound       int      `json:"total_found"`
}

// Worker is the research agent. Summaries run through the consensus engine;
// the synthesis is a single free-form sampler call.
type Worker struct {
	engine   *maker.Engine
	sampler  maker.Sampler
	backends map[string]backend
	fetcher  pageFetcher
	limiter  *domainLimiter
}

// New wires the worker from config: backends appear when their keys are
// present, and page enrichment renders under a headless browser only when
// research.render_pages is set.
func New(engine *maker.Engine, sampler maker.Sampler, cfg *config.Config) *Worker {
	limiter := newDomainLimiter(politeInterval)
	timeout := cfg.GetResearchFetchTimeout()
	client := &http.Client{Timeout: timeout}

	var fetcher pageFetcher
	if cfg.Research.RenderPages {
		fetcher = newRodFetcher(limiter)
	} else {
		fetcher = newPlainFetcher(timeout, limiter)
	}

	return &Worker{
		engine:  engine,
		sampler: sampler,
		backends: map[string]backend{
			SourceWeb:       newGoogleBackend(cfg.Research.GoogleAPIKey, cfg.Research.GoogleCSEID, limiter),
			SourceScholarly: newScholarBackend(cfg.Research.SemanticScholarAPIKey, client, limiter),
			SourceNews:      newNewsBackend(cfg.Research.NewsAPIKey, client, limiter),
		},
		fetcher: fetcher,
		limiter: limiter,
	}
}

// Close releases the page fetcher, shutting down the headless browser when
// one was launched.
func (w *Worker) Close() error {
	if w.fetcher == nil {
		return nil
	}
	return w.fetcher.close()
}

// Health reports per-backend availability. Semantic Scholar works keyless,
// so it is always up from our side.
func (w *Worker) Health() map[string]bool {
	health := map[string]bool{
		"custom_search":    false,
		"semantic_scholar": false,
		"news_api":         false,
	}
	if b, ok := w.backends[SourceWeb]; ok {
		health["custom_search"] = b.configured()
	}
	if b, ok := w.backends[SourceScholarly]; ok {
		health["semantic_scholar"] = b.configured()
	}
	if b, ok := w.backends[SourceNews]; ok {
		health["news_api"] = b.configured()
	}
	return health
}

// Research runs the full pipeline: gather, filter, dedupe, enrich, score,
// summarize, synthesize. Backend failures degrade the result instead of
// failing it; only validation and cancellation surface as errors.
func (w *Worker) Research(ctx context.Context, req *Request) (*Response, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	logging.Worker("research request: %s", req.Query)

	hits := w.gather(ctx, req)
	if err := ctx.Err(); err != nil {
		return nil, faults.Wrap(faults.KindCancelled, "research", err)
	}

	hits = applyDomainFilters(hits, req.DomainAllowlist, req.DomainBlocklist)
	hits = dedupeByURL(hits)
	if len(hits) > req.MaxResults {
		hits = hits[:req.MaxResults]
	}
	w.enrich(ctx, hits)

	sources := w.buildSources(ctx, hits)
	synthesis, claims := w.synthesize(ctx, req.Query, sources)
	topForRAG := topSourcesForRAG(sources)

	logging.Worker("research complete: %d sources, %d recommended for rag", len(sources), len(topForRAG))
	return &Response{
		Sources:          sources,
		Synthesis:        synthesis,
		Claims:           claims,
		TopSourcesForRAG: topForRAG,
		Query:            req.Query,
		TotalFound:       len(sources),
	}, nil
}

// gather fans the query out to every requested, configured backend and
// combines the answers in sourceOrder. A failed backend contributes what it
// managed to fetch.
func (w *Worker) gather(ctx context.Context, req *Request) []hit {
	requested := make(map[string]bool, len(req.SourceTypes))
	for _, t := range req.SourceTypes {
		requested[strings.ToLower(strings.TrimSpace(t))] = true
	}
	for _, t := range req.SourceTypes {
		name := strings.ToLower(strings.TrimSpace(t))
		if _, ok := w.backends[name]; !ok {
			logging.WorkerDebug("no backend for source type %q, skipping", t)
		}
	}

	var wg sync.WaitGroup
	results := make([][]hit, len(sourceOrder))
	for i, name := range sourceOrder {
		if !requested[name] {
			continue
		}
		b, ok := w.backends[name]
		if !ok {
			continue
		}
		if !b.configured() {
			logging.WorkerDebug("%s backend not configured", name)
			continue
		}
		q := query{
			text:     req.Query,
			max:      budgetFor(name, req.MaxResults),
			dateFrom: req.DateFrom,
			dateTo:   req.DateTo,
			language: req.Language,
		}
		wg.Add(1)
		go func(i int, b backend, q query) {
			defer wg.Done()
			hits, err := b.search(ctx, q)
			if err != nil {
				logging.WorkerError("%s search failed: %v", b.name(), err)
			}
			for j := range hits {
				hits[j].sourceType = b.name()
			}
			results[i] = hits
		}(i, b, q)
	}
	wg.Wait()

	var all []hit
	for _, hits := range results {
		all = append(all, hits...)
	}
	return all
}

// budgetFor splits the result budget: half to web, a third each to
// scholarly and news, never below one.
func budgetFor(name string, maxResults int) int {
	var n int
	switch name {
	case SourceWeb:
		n = maxResults / 2
	case SourceScholarly, SourceNews:
		n = maxResults / 3
	}
	if n < 1 {
		n = 1
	}
	return n
}

// applyDomainFilters keeps hits whose URL contains an allowlisted domain
// (when an allowlist exists) and drops any containing a blocklisted one.
func applyDomainFilters(hits []hit, allow, block []string) []hit {
	if len(allow) == 0 && len(block) == 0 {
		return hits
	}
	kept := hits[:0]
	for _, h := range hits {
		if len(allow) > 0 && !matchesAnyDomain(h.url, allow) {
			continue
		}
		if matchesAnyDomain(h.url, block) {
			continue
		}
		kept = append(kept, h)
	}
	return kept
}

func matchesAnyDomain(u string, domains []string) bool {
	for _, d := range domains {
		if d != "" && strings.Contains(u, d) {
			return true
		}
	}
	return false
}

// dedupeByURL keeps the first hit per URL, preserving combine order.
func dedupeByURL(hits []hit) []hit {
	seen := make(map[string]bool, len(hits))
	kept := hits[:0]
	for _, h := range hits {
		if seen[h.url] {
			continue
		}
		seen[h.url] = true
		kept = append(kept, h)
	}
	return kept
}

// enrich replaces thin snippets with text fetched from the page itself,
// bounded so one request cannot turn into a crawl.
func (w *Worker) enrich(ctx context.Context, hits []hit) {
	if w.fetcher == nil {
		return
	}
	fetched := 0
	for i := range hits {
		if len(hits[i].snippet) >= minSnippetLength || hits[i].url == "" {
			continue
		}
		if fetched == maxEnrichFetches {
			break
		}
		fetched++
		text, err := w.fetcher.fetch(ctx, hits[i].url)
		if err != nil {
			logging.WorkerDebug("page fetch failed for %s: %v", hits[i].url, err)
			continue
		}
		if text != "" {
			hits[i].snippet = clip(text, enrichedSnippetLength)
		}
	}
}

// buildSources scores and summarizes every hit, then sorts by credibility
// descending. Summaries run concurrently under a small semaphore.
func (w *Worker) buildSources(ctx context.Context, hits []hit) []Source {
	now := time.Now()
	sources := make([]Source, len(hits))
	sem := semaphore.NewWeighted(summaryConcurrency)
	var wg sync.WaitGroup
	for i, h := range hits {
		sources[i] = newSource(h, now)
		if err := sem.Acquire(ctx, 1); err != nil {
			sources[i].Summary = fallbackSummary(h.snippet)
			sources[i].SuggestedEmbeddingText = h.title + ". " + sources[i].Summary
			continue
		}
		wg.Add(1)
		go func(i int, h hit) {
			defer wg.Done()
			defer sem.Release(1)
			summary := w.summarize(ctx, h)
			sources[i].Summary = summary
			sources[i].SuggestedEmbeddingText = h.title + ". " + summary
		}(i, h)
	}
	wg.Wait()

	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].CredibilityScore > sources[j].CredibilityScore
	})
	return sources
}

func newSource(h hit, now time.Time) Source {
	title := h.title
	if title == "" {
		title = "Untitled"
	}
	sum := md5.Sum([]byte(h.url))
	return Source{
		ID:               hex.EncodeToString(sum[:])[:12],
		Title:            title,
		URL:              h.url,
		Date:             h.published,
		Snippet:          h.snippet,
		Type:             h.sourceType,
		CredibilityScore: scoreCredibility(h, now),
		Authors:          h.authors,
		Citations:        h.citations,
	}
}

// summarize votes on a 2-4 sentence summary of one source. Any consensus
// failure falls back to the truncated snippet.
func (w *Worker) summarize(ctx context.Context, h hit) string {
	task := maker.Task{
		System: summarySystem,
		Prompt: fmt.Sprintf(`Summarize this source in 2-4 sentences. Focus on key findings and relevance.

Title: %s
Content: %s
URL: %s

Return ONLY a JSON object with key 'summary' containing the summary text.`, h.title, h.snippet, h.url),
		Temperature: 0.3,
		MaxTokens:   summaryMaxTokens,
	}

	res, err := w.engine.FirstToAheadByK(ctx, task, parseSummary, maker.Params{})
	if err != nil {
		logging.WorkerDebug("summary failed for %s: %v", h.url, err)
		return fallbackSummary(h.snippet)
	}
	summary, _ := res.Value["summary"].(string)
	return summary
}

func parseSummary(raw string) (map[string]interface{}, error) {
	obj, err := maker.DefaultParse(raw)
	if err != nil {
		return nil, err
	}
	s, ok := obj["summary"].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return nil, errors.New("summary must be a non-empty string")
	}
	return obj, nil
}

func fallbackSummary(snippet string) string {
	return clip(snippet, 200) + "..."
}

// synthesize asks for an overall synthesis of the top sources plus the
// claims it rests on. A sampler failure yields the fallback text; output
// that is not the expected JSON envelope is kept as raw synthesis.
func (w *Worker) synthesize(ctx context.Context, researchQuery string, sources []Source) (string, []Claim) {
	top := sources
	if len(top) > synthesisSources {
		top = top[:synthesisSources]
	}

	var b strings.Builder
	for i, s := range top {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s (id: %s)\n%s\nCredibility: %.2f", i+1, s.Title, s.ID, s.Summary, s.CredibilityScore)
	}

	prompt := fmt.Sprintf(`Generate a comprehensive 3-6 paragraph synthesis of research findings on: "%s"

Sources:
%s

Requirements:
- Identify key themes and findings
- Note areas of consensus and contradiction
- Highlight most credible sources
- Provide actionable insights
- Use bullet points for key findings

Return a JSON object with key 'synthesis' containing the synthesis text and
key 'claims' containing a list of objects, each with 'text' (one checkable
claim) and 'sources' (the ids of the sources backing it).`, researchQuery, b.String())

	raw, err := w.sampler.Sample(ctx, maker.Task{
		System:      synthesisSystem,
		Prompt:      prompt,
		Temperature: 0.5,
		MaxTokens:   synthesisMaxTokens,
	})
	if err != nil {
		logging.WorkerError("synthesis failed: %v", err)
		return synthesisFallback, nil
	}
	return parseSynthesis(raw)
}

// parseSynthesis unwraps the {"synthesis", "claims"} envelope. Output
// without it is still useful prose, so it becomes the synthesis as-is.
func parseSynthesis(raw string) (string, []Claim) {
	obj, err := maker.DefaultParse(raw)
	if err != nil {
		return strings.TrimSpace(raw), nil
	}
	text, _ := obj["synthesis"].(string)
	if strings.TrimSpace(text) == "" {
		return strings.TrimSpace(raw), nil
	}
	return text, parseClaims(obj["claims"])
}

func parseClaims(v interface{}) []Claim {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var claims []Claim
	for _, item := range items {
		fields, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		text, _ := fields["text"].(string)
		if strings.TrimSpace(text) == "" {
			continue
		}
		var ids []string
		if list, ok := fields["sources"].([]interface{}); ok {
			for _, s := range list {
				if id, ok := s.(string); ok && id != "" {
					ids = append(ids, id)
				}
			}
		}
		claims = append(claims, Claim{Text: text, Sources: ids})
	}
	return claims
}

// topSourcesForRAG picks ids worth ingesting: credibility at or above the
// floor, at most ragLimit, in credibility order.
func topSourcesForRAG(sources []Source) []string {
	ids := make([]string, 0, ragLimit)
	for _, s := range sources {
		if s.CredibilityScore < ragCredibilityFloor {
			continue
		}
		ids = append(ids, s.ID)
		if len(ids) == ragLimit {
			break
		}
	}
	return ids
}
