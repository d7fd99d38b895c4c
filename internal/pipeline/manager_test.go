package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opengrants/aggregator/internal/config"
	"github.com/opengrants/aggregator/internal/ingest"
	"github.com/opengrants/aggregator/internal/models"
	"go.uber.org/zap"
)

// fakeConnector returns a canned result or error and counts its calls.
type fakeConnector struct {
	cfg    ingest.SourceConfig
	result *ingest.FetchResult
	err    error
	calls  atomic.Int64
}

func (f *fakeConnector) Config() ingest.SourceConfig { return f.cfg }

func (f *fakeConnector) FetchGrants(ctx context.Context, params ingest.QueryParams) (*ingest.FetchResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func testConfig() *config.Config {
	return &config.Config{
		MaxConcurrentSources: 5,
		MaxRetries:           0,
		RetryBaseDelay:       time.Millisecond,
		BreakerThreshold:     3,
		BreakerCooldown:      time.Minute,
	}
}

func testRegistry(ids ...string) *ingest.Registry {
	reg := &ingest.Registry{}
	for _, id := range ids {
		reg.Sources = append(reg.Sources, ingest.SourceConfig{
			ID:       id,
			Name:     id,
			Type:     ingest.TypeAPI,
			Endpoint: "https://example.org/" + id,
			Enabled:  true,
		})
	}
	return reg
}

func grant(source, externalID, title string, scrapedAt time.Time) models.GrantOpportunity {
	return models.GrantOpportunity{
		Source:         source,
		ExternalID:     externalID,
		Title:          title,
		Funder:         "Funder",
		LastUpdated:    scrapedAt,
		ScrapeMetadata: models.ScrapeMetadata{ScrapedAt: scrapedAt},
	}
}

func TestSearchOpportunitiesPartialFailure(t *testing.T) {
	reg := testRegistry("a", "b", "c", "d", "e")
	m := NewManager(reg, testConfig(), zap.NewNop())

	now := time.Now().UTC()
	for _, id := range []string{"a", "b", "c"} {
		m.RegisterConnector(id, &fakeConnector{
			cfg: mustSource(t, reg, id),
			result: &ingest.FetchResult{
				Grants: []models.GrantOpportunity{grant(id, id+"-1", "Grant from "+id, now)},
				Found:  1,
			},
		})
	}
	for _, id := range []string{"d", "e"} {
		m.RegisterConnector(id, &fakeConnector{
			cfg: mustSource(t, reg, id),
			err: &ingest.SourceError{Source: id, StatusCode: 500, Err: errors.New("boom")},
		})
	}

	result, err := m.SearchOpportunities(context.Background(), "arts", 10)
	if err != nil {
		t.Fatal(err)
	}

	if result.Total != 3 {
		t.Errorf("expected the union of healthy sources, got %d grants", result.Total)
	}
	if result.SourcesQueried != 5 || result.SourcesSucceeded != 3 {
		t.Errorf("expected 5 queried / 3 succeeded, got %d/%d", result.SourcesQueried, result.SourcesSucceeded)
	}
	if len(result.FailedSources) != 2 {
		t.Errorf("both failures must be reported, got %v", result.FailedSources)
	}
	if _, ok := result.FailedSources["d"]; !ok {
		t.Error("failure for source d missing")
	}
}

func TestFetchSourceUnknown(t *testing.T) {
	m := NewManager(testRegistry("a"), testConfig(), zap.NewNop())

	_, err := m.FetchSource(context.Background(), "nope", ingest.QueryParams{}, true)
	var notFound *ErrSourceNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrSourceNotFound, got %v", err)
	}
}

func TestFetchSourceDisabled(t *testing.T) {
	reg := testRegistry("a")
	reg.Sources[0].Enabled = false
	m := NewManager(reg, testConfig(), zap.NewNop())

	_, err := m.FetchSource(context.Background(), "a", ingest.QueryParams{}, true)
	var notFound *ErrSourceNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("disabled source must behave like an unknown one, got %v", err)
	}
}

func TestFetchSourceCachesResults(t *testing.T) {
	reg := testRegistry("a")
	m := NewManager(reg, testConfig(), zap.NewNop())

	conn := &fakeConnector{
		cfg:    mustSource(t, reg, "a"),
		result: &ingest.FetchResult{Found: 1},
	}
	m.RegisterConnector("a", conn)

	params := ingest.QueryParams{Query: "arts"}
	if _, err := m.FetchSource(context.Background(), "a", params, true); err != nil {
		t.Fatal(err)
	}
	if _, err := m.FetchSource(context.Background(), "a", params, true); err != nil {
		t.Fatal(err)
	}

	if got := conn.calls.Load(); got != 1 {
		t.Errorf("second call inside the TTL must hit the cache, upstream called %d times", got)
	}
}

func TestFetchSourceBreakerFastFails(t *testing.T) {
	reg := testRegistry("a")
	m := NewManager(reg, testConfig(), zap.NewNop())

	conn := &fakeConnector{
		cfg: mustSource(t, reg, "a"),
		err: &ingest.SourceError{Source: "a", StatusCode: 500, Err: errors.New("down")},
	}
	m.RegisterConnector("a", conn)

	for i := 0; i < 3; i++ {
		if _, err := m.FetchSource(context.Background(), "a", ingest.QueryParams{}, true); err == nil {
			t.Fatal("expected failure")
		}
	}

	before := conn.calls.Load()
	_, err := m.FetchSource(context.Background(), "a", ingest.QueryParams{}, true)
	var open *ErrCircuitOpen
	if !errors.As(err, &open) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if conn.calls.Load() != before {
		t.Error("open breaker must fast-fail without touching the connector")
	}

	if err := m.ResetBreaker("a"); err != nil {
		t.Fatal(err)
	}
	m.FetchSource(context.Background(), "a", ingest.QueryParams{}, true)
	if conn.calls.Load() != before+1 {
		t.Error("reset breaker must admit calls again")
	}
}

func TestMergeOpportunities(t *testing.T) {
	deadline := time.Date(2026, 6, 30, 23, 59, 59, 0, time.UTC)
	older := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	a := grant("grants_gov", "X-1", "Community Arts Grant", older)
	a.Deadline = &deadline

	// Same listing from another source, scraped later.
	b := grant("philanthropy_news_rss", "arts-grant", "Community  Arts Grant", newer)
	b.Deadline = &deadline

	c := grant("grants_gov", "Y-2", "Rural Health Grant", older)

	merged := MergeOpportunities([]models.GrantOpportunity{a, b, c})
	if len(merged) != 2 {
		t.Fatalf("cross-source duplicate not collapsed, got %d", len(merged))
	}

	for _, g := range merged {
		if g.Title == "Community  Arts Grant" || g.Title == "Community Arts Grant" {
			if g.Source != "philanthropy_news_rss" {
				t.Errorf("most recently scraped copy must win, got source %s", g.Source)
			}
		}
	}

	// Most recent first.
	if merged[0].LastUpdated.Before(merged[1].LastUpdated) {
		t.Error("results must be ordered most recent first")
	}
}

func TestMergeOpportunitiesSameSource(t *testing.T) {
	older := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	d1 := time.Date(2026, 5, 1, 23, 59, 59, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 14)

	// Re-scrape of the same listing, deadline corrected between scrapes.
	a1 := grant("grants_gov", "X-1", "Community Arts Grant", older)
	a1.Deadline = &d1
	a2 := grant("grants_gov", "X-1", "Community Arts Grant", newer)
	a2.Deadline = &d2

	// A distinct listing that happens to share title, funder, and deadline
	// day with the first.
	b := grant("grants_gov", "Z-9", "Community Arts Grant", older)
	b.Deadline = &d2

	merged := MergeOpportunities([]models.GrantOpportunity{a1, a2, b})
	if len(merged) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(merged))
	}

	seen := map[string]bool{}
	for _, g := range merged {
		seen[g.ExternalID] = true
		if g.ExternalID == "X-1" && (g.Deadline == nil || !g.Deadline.Equal(d2)) {
			t.Errorf("re-scrape must win for X-1, got deadline %v", g.Deadline)
		}
	}
	if !seen["X-1"] || !seen["Z-9"] {
		t.Errorf("distinct same-source grants must both survive, got %v", seen)
	}
}

func TestDiscoverGrants(t *testing.T) {
	reg := testRegistry("a", "b")
	m := NewManager(reg, testConfig(), zap.NewNop())

	scraped := time.Now().UTC()
	future := scraped.AddDate(1, 0, 0)
	past := scraped.AddDate(-1, 0, 0)

	arts := grant("a", "arts-1", "Community Arts Grant", scraped)
	arts.Deadline = &future
	expired := grant("a", "old-1", "Closed Arts Grant", scraped)
	expired.Deadline = &past
	// No deadline: rolling applications stay in.
	health := grant("b", "health-1", "Rural Health Grant", scraped)

	m.RegisterConnector("a", &fakeConnector{
		cfg:    mustSource(t, reg, "a"),
		result: &ingest.FetchResult{Grants: []models.GrantOpportunity{arts, expired}, Found: 2},
	})
	m.RegisterConnector("b", &fakeConnector{
		cfg:    mustSource(t, reg, "b"),
		result: &ingest.FetchResult{Grants: []models.GrantOpportunity{health}, Found: 1},
	})

	scorer := func(g models.GrantOpportunity) float64 {
		if g.Source == "b" {
			return 1
		}
		return 0
	}
	result, err := m.DiscoverGrants(context.Background(),
		DiscoveryProfile{Keywords: []string{"arts", "health"}}, scorer)
	if err != nil {
		t.Fatal(err)
	}

	if result.Total != 2 || len(result.Grants) != 2 {
		t.Fatalf("expected 2 grants with the expired one dropped, got %+v", result)
	}
	if result.Grants[0].ExternalID != "health-1" {
		t.Errorf("scorer must rank the health grant first, got %s", result.Grants[0].ExternalID)
	}
	if result.SourcesQueried != 2 || result.SourcesSucceeded != 2 {
		t.Errorf("fan-out accounting wrong: queried=%d succeeded=%d",
			result.SourcesQueried, result.SourcesSucceeded)
	}
}

func TestDiscoverGrantsGeographyFilter(t *testing.T) {
	reg := testRegistry("a")
	m := NewManager(reg, testConfig(), zap.NewNop())

	scraped := time.Now().UTC()
	montana := "Montana"
	california := "California"

	local := grant("a", "mt-1", "Montana Arts Grant", scraped)
	local.Geography = &montana
	remote := grant("a", "ca-1", "California Arts Grant", scraped)
	remote.Geography = &california
	// Geography unknown: kept, absence of data is not a mismatch.
	national := grant("a", "us-1", "National Arts Grant", scraped)

	m.RegisterConnector("a", &fakeConnector{
		cfg:    mustSource(t, reg, "a"),
		result: &ingest.FetchResult{Grants: []models.GrantOpportunity{local, remote, national}, Found: 3},
	})

	result, err := m.DiscoverGrants(context.Background(),
		DiscoveryProfile{Keywords: []string{"arts"}, Geography: "montana"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if result.Total != 2 {
		t.Fatalf("expected montana + national, got %+v", result.Grants)
	}
	for _, g := range result.Grants {
		if g.ExternalID == "ca-1" {
			t.Error("mismatched geography must be filtered out")
		}
	}
}

func TestSourceHealth(t *testing.T) {
	reg := testRegistry("a", "b")
	m := NewManager(reg, testConfig(), zap.NewNop())

	m.RegisterConnector("a", &fakeConnector{
		cfg:    mustSource(t, reg, "a"),
		result: &ingest.FetchResult{},
	})
	if _, err := m.FetchSource(context.Background(), "a", ingest.QueryParams{}, true); err != nil {
		t.Fatal(err)
	}

	health := m.SourceHealth()
	if len(health) != 2 {
		t.Fatalf("expected an entry per source, got %d", len(health))
	}

	byID := make(map[string]models.SourceHealth)
	for _, h := range health {
		byID[h.Source] = h
	}
	if byID["a"].TotalCalls != 1 || byID["a"].SuccessRate != 1 {
		t.Errorf("source a counters wrong: %+v", byID["a"])
	}
	if byID["b"].BreakerState != StateClosed {
		t.Errorf("untouched source must report closed, got %s", byID["b"].BreakerState)
	}
}

func mustSource(t *testing.T, reg *ingest.Registry, id string) ingest.SourceConfig {
	t.Helper()
	cfg, ok := reg.Get(id)
	if !ok {
		t.Fatalf("source %s missing from registry", id)
	}
	return cfg
}
