package research

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/net/html"

	"dossier/internal/faults"
)

const (
	fetchUserAgent = "dossier-researcher/1.0"
	maxFetchBody   = 1 << 20
)

// pageFetcher pulls readable text out of a result page so thin search
// snippets can be enriched before summarization.
type pageFetcher interface {
	fetch(ctx context.Context, pageURL string) (string, error)
	close() error
}

// plainFetcher is the default: one GET, no scripts executed.
type plainFetcher struct {
	client  *http.Client
	limiter *domainLimiter
}

func newPlainFetcher(timeout time.Duration, limiter *domainLimiter) *plainFetcher {
	return &plainFetcher{
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
	}
}

func (f *plainFetcher) fetch(ctx context.Context, pageURL string) (string, error) {
	const op = "research.fetch"

	if err := f.limiter.waitURL(ctx, pageURL); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", faults.Wrap(faults.KindPermanentIO, op, err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", faults.Wrap(faults.KindTransientIO, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", faults.Errorf(faults.KindFromHTTPStatus(resp.StatusCode), op, "HTTP %d fetching %s", resp.StatusCode, pageURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return "", faults.Wrap(faults.KindTransientIO, op, err)
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", faults.Wrap(faults.KindExtractionFailed, op, err)
	}
	return htmlText(doc), nil
}

func (f *plainFetcher) close() error { return nil }

// htmlText flattens a parsed document to whitespace-normalized text,
// dropping script, style and noscript subtrees.
func htmlText(doc *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.Join(strings.Fields(b.String()), " ")
}

// rodFetcher renders pages in a headless browser before extracting text.
// The browser launches on first use and lives until close.
type rodFetcher struct {
	mu      sync.Mutex
	browser *rod.Browser
	limiter *domainLimiter
}

func newRodFetcher(limiter *domainLimiter) *rodFetcher {
	return &rodFetcher{limiter: limiter}
}

func (f *rodFetcher) connect() (*rod.Browser, error) {
	const op = "research.render"

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browser != nil {
		return f.browser, nil
	}

	controlURL, err := launcher.New().Headless(true).Launch()
	if err != nil {
		return nil, faults.Wrap(faults.KindTransientIO, op, err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, faults.Wrap(faults.KindTransientIO, op, err)
	}
	f.browser = browser
	return browser, nil
}

func (f *rodFetcher) fetch(ctx context.Context, pageURL string) (string, error) {
	const op = "research.render"

	if err := f.limiter.waitURL(ctx, pageURL); err != nil {
		return "", err
	}

	browser, err := f.connect()
	if err != nil {
		return "", err
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: pageURL})
	if err != nil {
		return "", faults.Wrap(faults.KindTransientIO, op, err)
	}
	defer func() { _ = page.Close() }()

	page = page.Context(ctx)
	_ = page.WaitStable(2 * time.Second)

	res, err := page.Eval(`() => document.body.innerText`)
	if err != nil {
		return "", faults.Wrap(faults.KindExtractionFailed, op, err)
	}
	if res == nil || res.Value.Nil() {
		return "", nil
	}
	return res.Value.String(), nil
}

func (f *rodFetcher) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browser == nil {
		return nil
	}
	err := f.browser.Close()
	f.browser = nil
	return err
}
