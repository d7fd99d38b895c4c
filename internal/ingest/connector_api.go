package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opengrants/aggregator/internal/models"
	"go.uber.org/zap"
)

// APIConnector fetches grants from a JSON REST source. The request shape
// (method, static query/body, auth headers) and the response item list
// location all come from the source config.
type APIConnector struct {
	cfg    SourceConfig
	client *http.Client
	log    *zap.Logger
}

func NewAPIConnector(cfg SourceConfig, log *zap.Logger) *APIConnector {
	return &APIConnector{
		cfg:    cfg,
		client: newHTTPClient(cfg.Timeout()),
		log:    log,
	}
}

func (c *APIConnector) Config() SourceConfig { return c.cfg }

func (c *APIConnector) FetchGrants(ctx context.Context, params QueryParams) (*FetchResult, error) {
	method := c.cfg.Method
	if method == "" {
		method = http.MethodGet
	}

	reqURL, err := buildRequestURL(c.cfg, params)
	if err != nil {
		return nil, err
	}
	body, err := buildRequestBody(c.cfg, params)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{"Accept": "application/json"}
	if body != nil {
		headers["Content-Type"] = "application/json"
	}

	data, err := fetchBody(ctx, c.client, c.cfg, method, reqURL, body, headers)
	if err != nil {
		return nil, err
	}

	var payload interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &SourceError{Source: c.cfg.ID, Permanent: true, Err: fmt.Errorf("decoding response: %w", err)}
	}

	items := locateItems(payload, c.cfg.ItemsPath)
	if items == nil {
		return nil, &SourceError{Source: c.cfg.ID, Permanent: true, Err: fmt.Errorf("no item list at path %q", c.cfg.ItemsPath)}
	}

	scrapedAt := time.Now().UTC()
	limit := params.MaxItems
	if limit <= 0 || limit > c.cfg.ItemLimit() {
		limit = c.cfg.ItemLimit()
	}

	result := &FetchResult{Found: len(items)}
	for _, item := range items {
		if len(result.Grants) >= limit {
			break
		}

		raw, ok := item.(map[string]interface{})
		if !ok {
			result.Skipped++
			result.SkipReasons = append(result.SkipReasons, "item is not an object")
			continue
		}

		opp, err := Normalize(RawRecord(raw), c.cfg, models.ScrapeMetadata{
			ScrapedAt: scrapedAt,
			Method:    "http",
		})
		if err != nil {
			result.Skipped++
			result.SkipReasons = append(result.SkipReasons, err.Error())
			continue
		}
		result.Grants = append(result.Grants, opp)
	}

	c.log.Debug("api fetch complete",
		zap.String("source", c.cfg.ID),
		zap.Int("found", result.Found),
		zap.Int("normalized", len(result.Grants)),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

// locateItems finds the result list in a decoded payload: the configured dot
// path first, then the payload itself if it is already a list, then a few
// conventional wrapper keys.
func locateItems(payload interface{}, itemsPath string) []interface{} {
	if itemsPath != "" {
		if m, ok := payload.(map[string]interface{}); ok {
			if list, ok := lookupPath(m, itemsPath).([]interface{}); ok {
				return list
			}
		}
		return nil
	}

	if list, ok := payload.([]interface{}); ok {
		return list
	}
	if m, ok := payload.(map[string]interface{}); ok {
		for _, key := range []string{"data", "results", "items", "opportunities"} {
			if list, ok := m[key].([]interface{}); ok {
				return list
			}
		}
	}
	return nil
}
