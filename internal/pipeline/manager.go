package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opengrants/aggregator/internal/config"
	"github.com/opengrants/aggregator/internal/ingest"
	"github.com/opengrants/aggregator/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrSourceNotFound marks a request for a source id the registry does not
// know.
type ErrSourceNotFound struct {
	Source string
}

func (e *ErrSourceNotFound) Error() string {
	return fmt.Sprintf("unknown source %q", e.Source)
}

// SearchResult is the merged outcome of a multi-source query. Partial
// failure is the normal case: failed sources are reported alongside the
// grants the healthy ones produced.
type SearchResult struct {
	Grants           []models.GrantOpportunity `json:"grants"`
	Total            int                       `json:"total"`
	SourcesQueried   int                       `json:"sources_queried"`
	SourcesSucceeded int                       `json:"sources_succeeded"`
	FailedSources    map[string]string         `json:"failed_sources,omitempty"`
}

// Scorer ranks a grant against a nonprofit's profile. Optional; without one
// DiscoverGrants keeps the recency ordering.
type Scorer func(models.GrantOpportunity) float64

// DiscoveryProfile describes what an organization is looking for.
type DiscoveryProfile struct {
	Keywords  []string `json:"keywords"`
	Geography string   `json:"geography,omitempty"`
	MaxItems  int      `json:"max_items,omitempty"`
}

// Manager drives every source fetch through the full resilience stack:
// cache, circuit breaker, rate limiter, retry, connector. Connectors are
// built from the registry at startup; tests swap in fakes via
// RegisterConnector.
type Manager struct {
	reg      *ingest.Registry
	breakers *BreakerRegistry
	limiters *LimiterRegistry
	cache    *ResultCache
	retry    *RetryPolicy
	log      *zap.Logger

	maxConcurrent int

	mu         sync.RWMutex
	connectors map[string]ingest.Connector
}

func NewManager(reg *ingest.Registry, cfg *config.Config, log *zap.Logger) *Manager {
	m := &Manager{
		reg:           reg,
		breakers:      NewBreakerRegistry(cfg.BreakerThreshold, cfg.BreakerCooldown),
		limiters:      NewLimiterRegistry(),
		cache:         NewResultCache(),
		retry:         NewRetryPolicy(cfg.MaxRetries, cfg.RetryBaseDelay, log),
		log:           log,
		maxConcurrent: cfg.MaxConcurrentSources,
		connectors:    make(map[string]ingest.Connector),
	}

	for _, src := range reg.Sources {
		switch src.Type {
		case ingest.TypeAPI:
			m.connectors[src.ID] = ingest.NewAPIConnector(src, log)
		case ingest.TypeRSS:
			m.connectors[src.ID] = ingest.NewRSSConnector(src, log)
		case ingest.TypeScrape:
			m.connectors[src.ID] = ingest.NewScrapeConnector(src, log)
		}
	}
	return m
}

// RegisterConnector replaces the connector for one source.
func (m *Manager) RegisterConnector(id string, conn ingest.Connector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectors[id] = conn
}

func (m *Manager) connector(id string) (ingest.Connector, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connectors[id]
	return conn, ok
}

// FetchSource runs one source through the full stack. urgent selects the
// rate limiter mode: scheduled runs wait for budget, interactive calls get
// an immediate answer or a retry-after error.
func (m *Manager) FetchSource(ctx context.Context, id string, params ingest.QueryParams, urgent bool) (*ingest.FetchResult, error) {
	conn, ok := m.connector(id)
	if !ok {
		return nil, &ErrSourceNotFound{Source: id}
	}
	cfg := conn.Config()
	// Disabled sources look absent to callers.
	if !cfg.Enabled {
		return nil, &ErrSourceNotFound{Source: id}
	}

	if cached, ok := m.cache.Get(id, params); ok {
		m.log.Debug("cache hit", zap.String("source", id))
		return cached, nil
	}

	breaker := m.breakers.For(id)
	if err := breaker.Allow(); err != nil {
		return nil, err
	}

	if urgent {
		if err := m.limiters.Allow(cfg); err != nil {
			// A rate limit is back-pressure on us, not upstream failure.
			return nil, err
		}
	} else {
		if err := m.limiters.Wait(ctx, cfg); err != nil {
			return nil, err
		}
	}

	var result *ingest.FetchResult
	err := m.retry.Do(ctx, "fetch "+id, func(ctx context.Context) error {
		var fetchErr error
		result, fetchErr = conn.FetchGrants(ctx, params)
		return fetchErr
	})
	if err != nil {
		breaker.RecordFailure()
		return nil, err
	}

	breaker.RecordSuccess()
	m.cache.Set(id, params, result, cfg.CacheTTL())
	return result, nil
}

// FetchAll fans out over the enabled sources with bounded concurrency and
// returns per-source results and errors keyed by source id. One slow or
// broken source never sinks the rest.
func (m *Manager) FetchAll(ctx context.Context, params ingest.QueryParams, urgent bool) (map[string]*ingest.FetchResult, map[string]error) {
	sources := m.reg.Enabled()

	var mu sync.Mutex
	results := make(map[string]*ingest.FetchResult, len(sources))
	failures := make(map[string]error)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.maxConcurrent)
	for _, src := range sources {
		id := src.ID
		g.Go(func() error {
			result, err := m.FetchSource(ctx, id, params, urgent)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[id] = err
				m.log.Warn("source fetch failed", zap.String("source", id), zap.Error(err))
				return nil
			}
			results[id] = result
			return nil
		})
	}
	g.Wait()
	return results, failures
}

// SearchOpportunities queries every enabled source for a term and merges the
// survivors into one deduplicated, most-recent-first list.
func (m *Manager) SearchOpportunities(ctx context.Context, query string, maxItems int) (*SearchResult, error) {
	params := ingest.QueryParams{Query: strings.TrimSpace(query), MaxItems: maxItems}
	results, failures := m.FetchAll(ctx, params, true)

	var all []models.GrantOpportunity
	for _, result := range results {
		all = append(all, result.Grants...)
	}
	merged := MergeOpportunities(all)

	out := &SearchResult{
		Grants:           merged,
		Total:            len(merged),
		SourcesQueried:   len(results) + len(failures),
		SourcesSucceeded: len(results),
	}
	if len(failures) > 0 {
		out.FailedSources = make(map[string]string, len(failures))
		for id, err := range failures {
			out.FailedSources[id] = err.Error()
		}
	}
	return out, nil
}

// DiscoverGrants runs one search per profile keyword and merges everything,
// optionally re-ranked by the scorer.
func (m *Manager) DiscoverGrants(ctx context.Context, profile DiscoveryProfile, scorer Scorer) (*SearchResult, error) {
	keywords := profile.Keywords
	if len(keywords) == 0 {
		keywords = []string{""}
	}

	var all []models.GrantOpportunity
	queried, succeeded := 0, 0
	failed := make(map[string]string)

	for _, kw := range keywords {
		result, err := m.SearchOpportunities(ctx, kw, profile.MaxItems)
		if err != nil {
			return nil, err
		}
		all = append(all, result.Grants...)
		queried = result.SourcesQueried
		succeeded = result.SourcesSucceeded
		for id, msg := range result.FailedSources {
			failed[id] = msg
		}
	}

	merged := ActiveOnly(MergeOpportunities(all), time.Now().UTC())
	if profile.Geography != "" {
		merged = filterGeography(merged, profile.Geography)
	}
	if scorer != nil {
		sort.SliceStable(merged, func(i, j int) bool {
			return scorer(merged[i]) > scorer(merged[j])
		})
	}

	out := &SearchResult{
		Grants:           merged,
		Total:            len(merged),
		SourcesQueried:   queried,
		SourcesSucceeded: succeeded,
	}
	if len(failed) > 0 {
		out.FailedSources = failed
	}
	return out, nil
}

// SourceHealth reports per-source status: breaker state, call counters, and
// whether credentials are configured. Stored-grant counts are merged in by
// the API layer, which owns the database.
func (m *Manager) SourceHealth() []models.SourceHealth {
	snapshots := m.breakers.Snapshots()

	out := make([]models.SourceHealth, 0, len(m.reg.Sources))
	for _, src := range m.reg.Sources {
		health := models.SourceHealth{
			Source:         src.ID,
			Name:           src.Name,
			Type:           src.Type,
			Enabled:        src.Enabled,
			BreakerState:   StateClosed,
			CredentialsSet: src.HasCredentials(),
		}
		if snap, ok := snapshots[src.ID]; ok {
			health.BreakerState = snap.State
			health.TotalCalls = snap.TotalCalls
			health.TotalFailures = snap.TotalFailures
			if snap.TotalCalls > 0 {
				health.SuccessRate = float64(snap.TotalCalls-snap.TotalFailures) / float64(snap.TotalCalls)
			}
		}
		out = append(out, health)
	}
	return out
}

// ResetBreaker clears one source's circuit breaker. Unknown sources are an
// error; a known source that never tripped is fine.
func (m *Manager) ResetBreaker(source string) error {
	if _, ok := m.reg.Get(source); !ok {
		return &ErrSourceNotFound{Source: source}
	}
	m.breakers.Reset(source)
	return nil
}

// InvalidateCache drops cached results for one source, or all of them when
// source is empty. Returns the number of entries dropped.
func (m *Manager) InvalidateCache(source string) (int, error) {
	if source == "" {
		return m.cache.InvalidateAll(), nil
	}
	if _, ok := m.reg.Get(source); !ok {
		return 0, &ErrSourceNotFound{Source: source}
	}
	return m.cache.Invalidate(source), nil
}

// Registry exposes the source registry for the API layer.
func (m *Manager) Registry() *ingest.Registry { return m.reg }

// MergeOpportunities deduplicates a cross-source batch in two passes: exact
// duplicates share a natural key; survivors from different sources collapse
// when their normalized title and funder match on the same deadline day. The
// most recently scraped copy wins either way.
func MergeOpportunities(grants []models.GrantOpportunity) []models.GrantOpportunity {
	byKey := make(map[string]models.GrantOpportunity)
	order := make([]string, 0, len(grants))

	for _, grant := range grants {
		key := grant.Source + "|" + grant.ExternalID
		existing, ok := byKey[key]
		if !ok {
			byKey[key] = grant
			order = append(order, key)
			continue
		}
		if grant.ScrapeMetadata.ScrapedAt.After(existing.ScrapeMetadata.ScrapedAt) {
			byKey[key] = grant
		}
	}

	// Cross-source pass. Two survivors from the same source never collapse
	// here: distinct external ids mean distinct grants.
	byFuzzy := make(map[string]int)
	out := make([]models.GrantOpportunity, 0, len(order))
	for _, key := range order {
		grant := byKey[key]
		fk := fuzzyKey(grant)
		if fk == "" {
			out = append(out, grant)
			continue
		}
		if i, ok := byFuzzy[fk]; ok && out[i].Source != grant.Source {
			if grant.ScrapeMetadata.ScrapedAt.After(out[i].ScrapeMetadata.ScrapedAt) {
				out[i] = grant
			}
			continue
		}
		if _, ok := byFuzzy[fk]; !ok {
			byFuzzy[fk] = len(out)
		}
		out = append(out, grant)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastUpdated.After(out[j].LastUpdated)
	})
	return out
}

// fuzzyKey identifies likely cross-source duplicates by title, funder, and
// deadline day. Empty when the record lacks a title or funder to match on.
func fuzzyKey(g models.GrantOpportunity) string {
	title := normalizeForMatch(g.Title)
	funder := normalizeForMatch(g.Funder)
	if title == "" || funder == "" {
		return ""
	}
	day := ""
	if g.Deadline != nil {
		day = g.Deadline.UTC().Format("2006-01-02")
	}
	return title + "|" + funder + "|" + day
}

func normalizeForMatch(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func filterGeography(grants []models.GrantOpportunity, geo string) []models.GrantOpportunity {
	out := make([]models.GrantOpportunity, 0, len(grants))
	for _, grant := range grants {
		// Grants without a geography are kept: absence of data is not a
		// mismatch.
		if grant.Geography == nil || strings.EqualFold(*grant.Geography, geo) ||
			strings.Contains(strings.ToLower(*grant.Geography), strings.ToLower(geo)) {
			out = append(out, grant)
		}
	}
	return out
}

// ActiveOnly keeps grants whose deadline has not passed. Grants without a
// deadline (rolling applications) are considered active.
func ActiveOnly(grants []models.GrantOpportunity, now time.Time) []models.GrantOpportunity {
	out := make([]models.GrantOpportunity, 0, len(grants))
	for _, grant := range grants {
		if grant.Deadline == nil || grant.Deadline.After(now) {
			out = append(out, grant)
		}
	}
	return out
}
