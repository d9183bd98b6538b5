package research

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
	customsearch "google.golang.org/api/customsearch/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"dossier/internal/faults"
	"dossier/internal/logging"
)

// query is the per-backend share of a research request.
type query struct {
	text     string
	max      int
	dateFrom string
	dateTo   string
	language string
}

// hit is one raw search result before scoring and summarization.
type hit struct {
	title      string
	url        string
	snippet    string
	published  string
	sourceType string
	authors    []string
	citations  int
}

// backend is one upstream search surface. search may return partial hits
// alongside an error; the worker keeps what it got and logs the rest.
type backend interface {
	name() string
	configured() bool
	search(ctx context.Context, q query) ([]hit, error)
}

// politeInterval is the minimum gap between requests to one domain.
const politeInterval = time.Second

// domainLimiter spaces outbound requests per domain so search APIs and
// enrichment targets never see bursts from a single research job.
type domainLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	limiters map[string]*rate.Limiter
}

func newDomainLimiter(interval time.Duration) *domainLimiter {
	return &domainLimiter{
		interval: interval,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (d *domainLimiter) wait(ctx context.Context, domain string) error {
	d.mu.Lock()
	lim, ok := d.limiters[domain]
	if !ok {
		lim = rate.NewLimiter(rate.Every(d.interval), 1)
		d.limiters[domain] = lim
	}
	d.mu.Unlock()
	if err := lim.Wait(ctx); err != nil {
		return faults.Wrap(faults.KindCancelled, "research.politeness", err)
	}
	return nil
}

// waitURL throttles on the URL's host, falling back to the raw string when
// it does not parse as a URL.
func (d *domainLimiter) waitURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return d.wait(ctx, raw)
	}
	return d.wait(ctx, u.Host)
}

// googleBackend searches the open web through the Google Custom Search API,
// ten results per page, honoring the request date window via dateRestrict.
type googleBackend struct {
	svc     *customsearch.Service
	cseID   string
	limiter *domainLimiter
}

func newGoogleBackend(apiKey, cseID string, limiter *domainLimiter, opts ...option.ClientOption) *googleBackend {
	b := &googleBackend{cseID: cseID, limiter: limiter}
	if apiKey == "" || cseID == "" {
		return b
	}
	svc, err := customsearch.NewService(context.Background(), append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		logging.WorkerError("custom search init failed: %v", err)
		return b
	}
	b.svc = svc
	return b
}

func (g *googleBackend) name() string { return SourceWeb }

func (g *googleBackend) configured() bool { return g.svc != nil && g.cseID != "" }

func (g *googleBackend) search(ctx context.Context, q query) ([]hit, error) {
	dateRestrict := ""
	if q.dateFrom != "" && q.dateTo != "" {
		dateRestrict = fmt.Sprintf("date:r:%s:%s", q.dateFrom, q.dateTo)
	}

	var hits []hit
	// The API serves at most 100 results, paged by ten.
	for start := int64(1); start <= 91 && len(hits) < q.max; start += 10 {
		if err := g.limiter.wait(ctx, "googleapis.com"); err != nil {
			return hits, err
		}
		num := q.max - len(hits)
		if num > 10 {
			num = 10
		}
		call := g.svc.Cse.List().
			Q(q.text).
			Cx(g.cseID).
			Num(int64(num)).
			Start(start).
			Context(ctx)
		if dateRestrict != "" {
			call = call.DateRestrict(dateRestrict)
		}
		resp, err := call.Do()
		if err != nil {
			return hits, faults.Wrap(faults.KindTransientIO, "research.web", err)
		}
		if len(resp.Items) == 0 {
			break
		}
		for _, item := range resp.Items {
			hits = append(hits, hit{
				title:     item.Title,
				url:       item.Link,
				snippet:   item.Snippet,
				published: pagemapPublished(item.Pagemap),
			})
		}
	}
	if len(hits) > q.max {
		hits = hits[:q.max]
	}
	return hits, nil
}

// pagemapPublished digs article:published_time out of the first metatags
// block, the only place Custom Search carries a publication date.
func pagemapPublished(raw googleapi.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var pm struct {
		Metatags []map[string]interface{} `json:"metatags"`
	}
	if err := json.Unmarshal(raw, &pm); err != nil || len(pm.Metatags) == 0 {
		return ""
	}
	if v, ok := pm.Metatags[0]["article:published_time"].(string); ok {
		return v
	}
	return ""
}

const scholarSearchURL = "https://api.semanticscholar.org/graph/v1/paper/search"

// scholarBackend searches Semantic Scholar. It works keyless at a lower
// rate tier, so it always reports configured.
type scholarBackend struct {
	apiKey  string
	client  *http.Client
	limiter *domainLimiter
	baseURL string
}

func newScholarBackend(apiKey string, client *http.Client, limiter *domainLimiter) *scholarBackend {
	return &scholarBackend{
		apiKey:  apiKey,
		client:  client,
		limiter: limiter,
		baseURL: scholarSearchURL,
	}
}

func (s *scholarBackend) name() string { return SourceScholarly }

func (s *scholarBackend) configured() bool { return true }

func (s *scholarBackend) search(ctx context.Context, q query) ([]hit, error) {
	const op = "research.scholarly"

	if err := s.limiter.wait(ctx, "semanticscholar.org"); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("query", q.text)
	params.Set("limit", fmt.Sprintf("%d", q.max))
	params.Set("fields", "title,authors,year,abstract,citationCount,url,publicationDate")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, faults.Wrap(faults.KindPermanentIO, op, err)
	}
	if s.apiKey != "" {
		req.Header.Set("x-api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransientIO, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, faults.Errorf(faults.KindFromHTTPStatus(resp.StatusCode), op, "semantic scholar returned HTTP %d", resp.StatusCode)
	}

	var payload struct {
		Data []struct {
			PaperID         string `json:"paperId"`
			Title           string `json:"title"`
			Abstract        string `json:"abstract"`
			URL             string `json:"url"`
			PublicationDate string `json:"publicationDate"`
			CitationCount   int    `json:"citationCount"`
			Authors         []struct {
				Name string `json:"name"`
			} `json:"authors"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, faults.Wrap(faults.KindExtractionFailed, op, err)
	}

	hits := make([]hit, 0, len(payload.Data))
	for _, paper := range payload.Data {
		link := paper.URL
		if link == "" {
			link = "https://www.semanticscholar.org/paper/" + paper.PaperID
		}
		var authors []string
		for _, a := range paper.Authors {
			if a.Name != "" {
				authors = append(authors, a.Name)
			}
		}
		hits = append(hits, hit{
			title:     paper.Title,
			url:       link,
			snippet:   clip(paper.Abstract, 300),
			published: paper.PublicationDate,
			authors:   authors,
			citations: paper.CitationCount,
		})
	}
	return hits, nil
}

const newsSearchURL = "https://newsapi.org/v2/everything"

// newsBackend searches NewsAPI's everything endpoint, relevancy-sorted.
type newsBackend struct {
	apiKey  string
	client  *http.Client
	limiter *domainLimiter
	baseURL string
}

func newNewsBackend(apiKey string, client *http.Client, limiter *domainLimiter) *newsBackend {
	return &newsBackend{
		apiKey:  apiKey,
		client:  client,
		limiter: limiter,
		baseURL: newsSearchURL,
	}
}

func (n *newsBackend) name() string { return SourceNews }

func (n *newsBackend) configured() bool { return n.apiKey != "" }

func (n *newsBackend) search(ctx context.Context, q query) ([]hit, error) {
	const op = "research.news"

	if err := n.limiter.wait(ctx, "newsapi.org"); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("q", q.text)
	params.Set("apiKey", n.apiKey)
	params.Set("pageSize", fmt.Sprintf("%d", q.max))
	if q.dateFrom != "" {
		params.Set("from", q.dateFrom)
	}
	if q.dateTo != "" {
		params.Set("to", q.dateTo)
	}
	language := q.language
	if language == "" {
		language = "en"
	}
	params.Set("language", language)
	params.Set("sortBy", "relevancy")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, faults.Wrap(faults.KindPermanentIO, op, err)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransientIO, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, faults.Errorf(faults.KindFromHTTPStatus(resp.StatusCode), op, "newsapi returned HTTP %d", resp.StatusCode)
	}

	var payload struct {
		Articles []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			PublishedAt string `json:"publishedAt"`
			Author      string `json:"author"`
		} `json:"articles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, faults.Wrap(faults.KindExtractionFailed, op, err)
	}

	hits := make([]hit, 0, len(payload.Articles))
	for _, article := range payload.Articles {
		var authors []string
		if article.Author != "" {
			authors = append(authors, article.Author)
		}
		hits = append(hits, hit{
			title:     article.Title,
			url:       article.URL,
			snippet:   article.Description,
			published: article.PublishedAt,
			authors:   authors,
		})
	}
	return hits, nil
}

// clip truncates s to at most n bytes.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
