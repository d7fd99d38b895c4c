package ingest

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/opengrants/aggregator/internal/models"
	"go.uber.org/zap"
)

// grantLinkPattern flags anchors whose href or class looks grant-related.
var grantLinkPattern = regexp.MustCompile(`(?i)grant|funding|fellowship|rfp|award|opportunit`)

// negativeKeywords veto text blocks that are navigation or account chrome,
// not listings.
var negativeKeywords = []string{
	"login", "log in", "sign in", "sign up", "unsubscribe", "subscribe",
	"privacy policy", "cookie", "terms of use", "newsletter",
}

// defaultScrapeKeywords are used when a source declares none.
var defaultScrapeKeywords = []string{"grant", "funding", "award", "deadline", "apply", "eligible"}

const defaultScrapeLimit = 12

// scrapeCandidate is one potential grant listing pulled out of a page.
type scrapeCandidate struct {
	title       string
	link        string
	description string
	confidence  float64
}

// extractionStrategy is one heuristic pass over a fetched page. Strategies
// run in order; later ones only fill remaining capacity. Scraping is
// best-effort by nature, so each hit carries a confidence score instead of a
// correctness claim.
type extractionStrategy interface {
	Name() string
	Extract(doc *goquery.Document, base *url.URL, keywords []string) []scrapeCandidate
}

// ScrapeConnector extracts grant listings from HTML pages using layered
// heuristics: obviously grant-tagged anchors first, then keyword-bearing
// text blocks. Fallback URLs are tried when the primary page yields nothing.
type ScrapeConnector struct {
	cfg        SourceConfig
	strategies []extractionStrategy
	log        *zap.Logger
}

func NewScrapeConnector(cfg SourceConfig, log *zap.Logger) *ScrapeConnector {
	return &ScrapeConnector{
		cfg: cfg,
		strategies: []extractionStrategy{
			&anchorStrategy{},
			&textBlockStrategy{},
		},
		log: log,
	}
}

func (c *ScrapeConnector) Config() SourceConfig { return c.cfg }

func (c *ScrapeConnector) FetchGrants(ctx context.Context, params QueryParams) (*FetchResult, error) {
	keywords := c.cfg.Keywords
	if len(keywords) == 0 {
		keywords = defaultScrapeKeywords
	}
	if params.Query != "" {
		keywords = append([]string{params.Query}, keywords...)
	}

	limit := c.cfg.MaxItems
	if limit <= 0 || limit > defaultScrapeLimit {
		limit = defaultScrapeLimit
	}

	urls := append([]string{c.cfg.Endpoint}, c.cfg.FallbackURLs...)
	scrapedAt := time.Now().UTC()

	var lastErr error
	for _, pageURL := range urls {
		if err := ctx.Err(); err != nil {
			return nil, &SourceError{Source: c.cfg.ID, Err: err}
		}

		doc, base, err := c.fetchPage(ctx, pageURL)
		if err != nil {
			lastErr = err
			c.log.Warn("scrape fetch failed, trying fallback",
				zap.String("source", c.cfg.ID), zap.String("url", pageURL), zap.Error(err))
			continue
		}

		candidates := c.extract(doc, base, keywords, limit)
		if len(candidates) == 0 {
			c.log.Debug("page yielded no candidates",
				zap.String("source", c.cfg.ID), zap.String("url", pageURL))
			continue
		}

		return c.normalize(candidates, pageURL, keywords, scrapedAt), nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	// Every page fetched fine but nothing matched; an empty batch is a valid
	// outcome for heuristic scraping.
	return &FetchResult{}, nil
}

// fetchPage downloads one page through colly (which enforces per-domain
// politeness delays) and parses it into a goquery document.
func (c *ScrapeConnector) fetchPage(ctx context.Context, pageURL string) (*goquery.Document, *url.URL, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, nil, &SourceError{Source: c.cfg.ID, Permanent: true, Err: fmt.Errorf("invalid url %q: %w", pageURL, err)}
	}

	collector := colly.NewCollector(
		colly.UserAgent(defaultUserAgent),
		colly.DetectCharset(),
		colly.StdlibContext(ctx),
	)
	collector.SetRequestTimeout(c.cfg.Timeout())
	collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       500 * time.Millisecond,
	})

	var body []byte
	var status int
	collector.OnResponse(func(r *colly.Response) {
		body = r.Body
		status = r.StatusCode
	})

	var fetchErr error
	collector.OnError(func(r *colly.Response, err error) {
		code := 0
		if r != nil {
			code = r.StatusCode
		}
		permanent := code >= 400 && code < 500 && code != 429
		fetchErr = &SourceError{Source: c.cfg.ID, StatusCode: code, Permanent: permanent, Err: err}
	})

	if err := collector.Visit(pageURL); err != nil && fetchErr == nil {
		fetchErr = &SourceError{Source: c.cfg.ID, Err: err}
	}
	collector.Wait()

	if fetchErr != nil {
		return nil, nil, fetchErr
	}
	if len(body) == 0 {
		return nil, nil, &SourceError{Source: c.cfg.ID, StatusCode: status, Err: fmt.Errorf("empty response body")}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, &SourceError{Source: c.cfg.ID, Permanent: true, Err: fmt.Errorf("parsing html: %w", err)}
	}
	return doc, base, nil
}

// extract runs the strategies in order, deduplicating by resolved link,
// until the per-source cap is reached.
func (c *ScrapeConnector) extract(doc *goquery.Document, base *url.URL, keywords []string, limit int) []scrapeCandidate {
	seen := make(map[string]bool)
	var out []scrapeCandidate

	for _, strategy := range c.strategies {
		if len(out) >= limit {
			break
		}
		for _, cand := range strategy.Extract(doc, base, keywords) {
			if len(out) >= limit {
				break
			}
			key := cand.link
			if key == "" {
				key = strings.ToLower(cand.title)
			}
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, cand)
		}
	}
	return out
}

func (c *ScrapeConnector) normalize(candidates []scrapeCandidate, pageURL string, keywords []string, scrapedAt time.Time) *FetchResult {
	result := &FetchResult{Found: len(candidates)}
	for _, cand := range candidates {
		raw := RawRecord{
			"title":       cand.title,
			"link":        cand.link,
			"description": cand.description,
		}
		opp, err := Normalize(raw, c.cfg, models.ScrapeMetadata{
			ScrapedAt:  scrapedAt,
			Method:     "scrape",
			Confidence: cand.confidence,
			Keywords:   keywords,
		})
		if err != nil {
			result.Skipped++
			result.SkipReasons = append(result.SkipReasons, err.Error())
			continue
		}
		if opp.Link == nil {
			page := pageURL
			opp.Link = &page
		}
		result.Grants = append(result.Grants, opp)
	}
	return result
}

// anchorStrategy collects links whose href or class names look grant-like.
// These are the obviously-tagged listings, so they score high.
type anchorStrategy struct{}

func (s *anchorStrategy) Name() string { return "anchor" }

func (s *anchorStrategy) Extract(doc *goquery.Document, base *url.URL, keywords []string) []scrapeCandidate {
	var out []scrapeCandidate
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		class, _ := sel.Attr("class")
		title := cleanText(sel.Text())

		if title == "" || len(title) < 8 {
			return
		}
		if !grantLinkPattern.MatchString(href) && !grantLinkPattern.MatchString(class) && !grantLinkPattern.MatchString(title) {
			return
		}
		if hasNegativeKeyword(title) {
			return
		}

		out = append(out, scrapeCandidate{
			title:      title,
			link:       resolveLink(base, href),
			confidence: 0.8,
		})
	})
	return out
}

// textBlockStrategy is the lower-confidence fallback: generic text blocks
// that mention grant keywords and none of the negative ones.
type textBlockStrategy struct{}

func (s *textBlockStrategy) Name() string { return "text-block" }

func (s *textBlockStrategy) Extract(doc *goquery.Document, base *url.URL, keywords []string) []scrapeCandidate {
	var out []scrapeCandidate
	doc.Find("article, li, p").Each(func(_ int, sel *goquery.Selection) {
		text := cleanText(sel.Text())
		if len(text) < 40 || len(text) > 600 {
			return
		}
		if !anyKeyword(text, keywords) || hasNegativeKeyword(text) {
			return
		}

		link := ""
		if href, ok := sel.Find("a[href]").First().Attr("href"); ok {
			link = resolveLink(base, href)
		}

		title := cleanText(sel.Find("a").First().Text())
		if title == "" {
			title = TruncateText(text, 120)
		}

		out = append(out, scrapeCandidate{
			title:       title,
			link:        link,
			description: text,
			confidence:  0.5,
		})
	})
	return out
}

func hasNegativeKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range negativeKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func resolveLink(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}
