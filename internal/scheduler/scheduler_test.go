package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opengrants/aggregator/internal/db"
	"github.com/opengrants/aggregator/internal/ingest"
	"github.com/opengrants/aggregator/internal/models"
	"go.uber.org/zap"
)

// memStore is an in-memory RunStore that can also block persistence to keep
// a run active while the test probes the overlap rule.
type memStore struct {
	mu      sync.Mutex
	runs    map[string]*models.ScrapeRun
	stored  int
	release chan struct{}

	// failSource makes StoreScrapedGrants reject batches from one source.
	failSource string
	storeErr   error
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[string]*models.ScrapeRun)}
}

func (s *memStore) CreateScrapeRun(ctx context.Context, run models.ScrapeRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.RunID]; ok {
		return db.ErrRunExists
	}
	copied := run
	s.runs[run.RunID] = &copied
	return nil
}

func (s *memStore) UpdateScrapeRun(ctx context.Context, runID string, patch db.RunPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return db.ErrRunNotFound
	}
	if patch.Status != nil {
		run.Status = *patch.Status
	}
	if patch.SourcesProcessed != nil {
		run.SourcesProcessed = *patch.SourcesProcessed
	}
	if patch.SuccessfulSources != nil {
		run.SuccessfulSources = *patch.SuccessfulSources
	}
	if patch.TotalOpportunities != nil {
		run.TotalOpportunities = *patch.TotalOpportunities
	}
	if patch.CompletedAt != nil {
		run.CompletedAt = patch.CompletedAt
	}
	if patch.Errors != nil {
		run.Errors = patch.Errors
	}
	return nil
}

func (s *memStore) StoreScrapedGrants(ctx context.Context, grants []models.GrantOpportunity, runID string) (*db.UpsertStats, error) {
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSource != "" && len(grants) > 0 && grants[0].Source == s.failSource {
		return nil, s.storeErr
	}
	s.stored += len(grants)
	return &db.UpsertStats{Inserted: len(grants)}, nil
}

func (s *memStore) run(runID string) models.ScrapeRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.runs[runID]
}

// fakeRunner serves canned per-source outcomes.
type fakeRunner struct {
	results  map[string]*ingest.FetchResult
	failures map[string]error
	block    chan struct{}
}

func (r *fakeRunner) FetchAll(ctx context.Context, params ingest.QueryParams, urgent bool) (map[string]*ingest.FetchResult, map[string]error) {
	if r.block != nil {
		<-r.block
	}
	return r.results, r.failures
}

func (r *fakeRunner) FetchSource(ctx context.Context, id string, params ingest.QueryParams, urgent bool) (*ingest.FetchResult, error) {
	if r.block != nil {
		<-r.block
	}
	if err, ok := r.failures[id]; ok {
		return nil, err
	}
	if result, ok := r.results[id]; ok {
		return result, nil
	}
	return &ingest.FetchResult{}, nil
}

func sampleGrants(source string, n int) []models.GrantOpportunity {
	out := make([]models.GrantOpportunity, n)
	for i := range out {
		out[i] = models.GrantOpportunity{Source: source, ExternalID: "x", Title: "T", Funder: "F"}
	}
	return out
}

func waitForRunStatus(t *testing.T, store *memStore, runID string, want ...string) models.ScrapeRun {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run := store.run(runID)
		for _, status := range want {
			if run.Status == status {
				return run
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %v, last: %+v", runID, want, store.run(runID))
	return models.ScrapeRun{}
}

func TestTriggerRunCompletes(t *testing.T) {
	store := newMemStore()
	runner := &fakeRunner{
		results: map[string]*ingest.FetchResult{
			"a": {Grants: sampleGrants("a", 3), Found: 3},
			"b": {Grants: sampleGrants("b", 2), Found: 2},
		},
		failures: map[string]error{
			"c": errors.New("connection refused"),
		},
	}

	sched := New(runner, store, 0, zap.NewNop())
	runID, err := sched.TriggerRun(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(runID, "run_") {
		t.Errorf("unexpected run id %q", runID)
	}

	run := waitForRunStatus(t, store, runID, models.RunCompleted)
	if run.Scope != ScopeAll {
		t.Errorf("empty scope must default to all, got %q", run.Scope)
	}
	if run.SourcesProcessed != 3 || run.SuccessfulSources != 2 {
		t.Errorf("expected 3 processed / 2 succeeded, got %d/%d", run.SourcesProcessed, run.SuccessfulSources)
	}
	if run.TotalOpportunities != 5 {
		t.Errorf("expected 5 opportunities, got %d", run.TotalOpportunities)
	}
	if len(run.Errors) != 1 || run.Errors[0].Source != "c" {
		t.Errorf("per-source failure must be recorded, got %+v", run.Errors)
	}
	if run.CompletedAt == nil {
		t.Error("completed run must carry a completion time")
	}

	history := sched.History()
	if len(history) != 1 || history[0].RunID != runID {
		t.Errorf("finished run missing from history: %+v", history)
	}
}

func TestTriggerRunAllSourcesFailed(t *testing.T) {
	store := newMemStore()
	runner := &fakeRunner{
		failures: map[string]error{
			"a": errors.New("down"),
			"b": errors.New("down"),
		},
	}

	sched := New(runner, store, 0, zap.NewNop())
	runID, err := sched.TriggerRun(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}

	run := waitForRunStatus(t, store, runID, models.RunFailed, models.RunCompleted)
	if run.Status != models.RunFailed {
		t.Errorf("run with zero successes must be failed, got %s", run.Status)
	}
}

func TestTriggerRunPersistenceFailureFailsRun(t *testing.T) {
	store := newMemStore()
	store.failSource = "b"
	store.storeErr = errors.New("constraint violation")

	// No fetch failures at all; FetchAll reports a nil failure map.
	runner := &fakeRunner{
		results: map[string]*ingest.FetchResult{
			"a": {Grants: sampleGrants("a", 3), Found: 3},
			"b": {Grants: sampleGrants("b", 2), Found: 2},
		},
	}

	sched := New(runner, store, 0, zap.NewNop())
	runID, err := sched.TriggerRun(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}

	run := waitForRunStatus(t, store, runID, models.RunFailed, models.RunCompleted)
	if run.Status != models.RunFailed {
		t.Errorf("a run with a failed database write must be failed, got %s", run.Status)
	}
	if run.SourcesProcessed != 2 || run.SuccessfulSources != 1 {
		t.Errorf("expected 2 processed / 1 succeeded, got %d/%d", run.SourcesProcessed, run.SuccessfulSources)
	}
	if run.TotalOpportunities != 3 {
		t.Errorf("only persisted grants count, got %d", run.TotalOpportunities)
	}
	if len(run.Errors) != 1 || run.Errors[0].Source != "b" ||
		!strings.Contains(run.Errors[0].Message, "constraint violation") {
		t.Errorf("store failure must be captured in errors, got %+v", run.Errors)
	}
}

func TestTriggerRunNoOverlap(t *testing.T) {
	store := newMemStore()
	block := make(chan struct{})
	runner := &fakeRunner{
		results: map[string]*ingest.FetchResult{"a": {}},
		block:   block,
	}

	sched := New(runner, store, 0, zap.NewNop())
	first, err := sched.TriggerRun(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}

	_, err = sched.TriggerRun(context.Background(), "")
	var active *ErrRunActive
	if !errors.As(err, &active) {
		t.Fatalf("expected ErrRunActive, got %v", err)
	}
	if active.RunID != first {
		t.Errorf("conflict must reference the active run, got %q want %q", active.RunID, first)
	}

	// A scoped run conflicts with an active full run too.
	if _, err := sched.TriggerRun(context.Background(), "a"); err == nil {
		t.Error("scoped run must conflict with an active full run")
	}

	close(block)
	waitForRunStatus(t, store, first, models.RunCompleted, models.RunFailed)

	// With the first run finished a new one may start.
	second, err := sched.TriggerRun(context.Background(), "")
	if err != nil {
		t.Fatalf("expected new run after completion, got %v", err)
	}
	waitForRunStatus(t, store, second, models.RunCompleted, models.RunFailed)
}

func TestTriggerRunScopedSource(t *testing.T) {
	store := newMemStore()
	runner := &fakeRunner{
		results: map[string]*ingest.FetchResult{
			"grants_gov": {Grants: sampleGrants("grants_gov", 4), Found: 4},
		},
	}

	sched := New(runner, store, 0, zap.NewNop())
	runID, err := sched.TriggerRun(context.Background(), "grants_gov")
	if err != nil {
		t.Fatal(err)
	}

	run := waitForRunStatus(t, store, runID, models.RunCompleted)
	if run.Scope != "grants_gov" {
		t.Errorf("got scope %q", run.Scope)
	}
	if run.SourcesProcessed != 1 || run.TotalOpportunities != 4 {
		t.Errorf("scoped run bookkeeping wrong: %+v", run)
	}
}
