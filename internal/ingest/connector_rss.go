package ingest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/opengrants/aggregator/internal/models"
	"go.uber.org/zap"
)

// RSSConnector fetches RSS 2.0, RSS 1.0 (RDF), and Atom feeds. gofeed probes
// the known feed shapes and yields a uniform item list; keyword filtering and
// the per-source item cap are applied before normalization.
type RSSConnector struct {
	cfg    SourceConfig
	client *http.Client
	parser *gofeed.Parser
	log    *zap.Logger
}

func NewRSSConnector(cfg SourceConfig, log *zap.Logger) *RSSConnector {
	return &RSSConnector{
		cfg:    cfg,
		client: newHTTPClient(cfg.Timeout()),
		parser: gofeed.NewParser(),
		log:    log,
	}
}

func (c *RSSConnector) Config() SourceConfig { return c.cfg }

func (c *RSSConnector) FetchGrants(ctx context.Context, params QueryParams) (*FetchResult, error) {
	data, err := fetchBody(ctx, c.client, c.cfg, http.MethodGet, c.cfg.Endpoint, nil, nil)
	if err != nil {
		return nil, err
	}

	feed, err := c.parser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, &SourceError{Source: c.cfg.ID, Permanent: true, Err: fmt.Errorf("parsing feed: %w", err)}
	}

	keywords := c.cfg.Keywords
	if params.Query != "" {
		keywords = append([]string{params.Query}, keywords...)
	}

	scrapedAt := time.Now().UTC()
	limit := params.MaxItems
	if limit <= 0 || limit > c.cfg.ItemLimit() {
		limit = c.cfg.ItemLimit()
	}

	result := &FetchResult{Found: len(feed.Items)}
	for _, item := range feed.Items {
		if len(result.Grants) >= limit {
			break
		}
		if item == nil {
			continue
		}

		if !anyKeyword(item.Title+" "+item.Description, keywords) {
			result.Skipped++
			result.SkipReasons = append(result.SkipReasons, fmt.Sprintf("item %q matched no keyword", TruncateText(item.Title, 60)))
			continue
		}

		opp, err := Normalize(feedItemRecord(item), c.cfg, models.ScrapeMetadata{
			ScrapedAt: scrapedAt,
			Method:    "rss",
			Keywords:  c.cfg.Keywords,
		})
		if err != nil {
			result.Skipped++
			result.SkipReasons = append(result.SkipReasons, err.Error())
			continue
		}
		result.Grants = append(result.Grants, opp)
	}

	c.log.Debug("rss fetch complete",
		zap.String("source", c.cfg.ID),
		zap.String("feed_type", feed.FeedType),
		zap.Int("found", result.Found),
		zap.Int("normalized", len(result.Grants)),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

// feedItemRecord flattens a parsed feed item into a raw record the field
// resolver can address with candidate keys.
func feedItemRecord(item *gofeed.Item) RawRecord {
	raw := RawRecord{
		"title":       item.Title,
		"description": item.Description,
		"content":     item.Content,
		"link":        item.Link,
		"guid":        item.GUID,
		"published":   item.Published,
	}
	if item.PublishedParsed != nil {
		raw["published"] = item.PublishedParsed.Format(time.RFC3339)
	}
	if item.UpdatedParsed != nil {
		raw["updated"] = item.UpdatedParsed.Format(time.RFC3339)
	}
	if item.Author != nil && item.Author.Name != "" {
		raw["author"] = item.Author.Name
	}
	if len(item.Categories) > 0 {
		cats := make([]interface{}, len(item.Categories))
		for i, cat := range item.Categories {
			cats[i] = cat
		}
		raw["categories"] = cats
	}
	// Dublin Core extensions carry creator/date on some government feeds.
	if dc, ok := item.Extensions["dc"]; ok {
		if creators, ok := dc["creator"]; ok && len(creators) > 0 {
			raw["dc.creator"] = creators[0].Value
		}
		if dates, ok := dc["date"]; ok && len(dates) > 0 {
			raw["dc.date"] = dates[0].Value
		}
	}
	return raw
}
