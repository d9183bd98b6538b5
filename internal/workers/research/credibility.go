package research

import (
	"strings"
	"time"
)

// Domain classes that move the credibility needle. A URL earns the bonus of
// the first class it matches, not the sum.
var (
	journalDomains = []string{"nature.com", "science.org", "ieee.org", "acm.org"}
	wireDomains    = []string{"reuters.com", "apnews.com", "bbc.com"}
)

// recencyWindow is how fresh a publication date must be to earn its bonus.
const recencyWindow = 730 * 24 * time.Hour

// scoreCredibility rates a hit between 0 and 1 from domain authority,
// recency, citation count and author attribution, over a 0.5 baseline.
func scoreCredibility(h hit, now time.Time) float64 {
	score := 0.5

	loweredURL := strings.ToLower(h.url)
	switch {
	case strings.Contains(loweredURL, ".gov"):
		score += 0.3
	case strings.Contains(loweredURL, ".edu"):
		score += 0.25
	case containsAny(loweredURL, journalDomains):
		score += 0.3
	case containsAny(loweredURL, wireDomains):
		score += 0.2
	}

	if published, ok := parsePublished(h.published); ok && now.Sub(published) < recencyWindow {
		score += 0.1
	}

	switch {
	case h.citations > 100:
		score += 0.1
	case h.citations > 10:
		score += 0.05
	}

	if len(h.authors) > 0 {
		score += 0.05
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

func containsAny(s string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

// publishedLayouts covers the date shapes the backends emit: RFC 3339 from
// NewsAPI and page metatags, bare dates from Semantic Scholar.
var publishedLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parsePublished(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range publishedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
