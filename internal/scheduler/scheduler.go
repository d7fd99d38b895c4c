package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opengrants/aggregator/internal/db"
	"github.com/opengrants/aggregator/internal/ingest"
	"github.com/opengrants/aggregator/internal/models"
	"go.uber.org/zap"
)

// ScopeAll runs every enabled source. A run scoped to one source only
// conflicts with "all" runs and runs for the same source.
const ScopeAll = "all"

const historyLimit = 50

// ErrRunActive reports the run that blocks a new trigger.
type ErrRunActive struct {
	RunID string
}

func (e *ErrRunActive) Error() string {
	return fmt.Sprintf("run %s is still active", e.RunID)
}

// RunStore is the persistence the scheduler needs. *db.Store satisfies it;
// tests use an in-memory fake.
type RunStore interface {
	CreateScrapeRun(ctx context.Context, run models.ScrapeRun) error
	UpdateScrapeRun(ctx context.Context, runID string, patch db.RunPatch) error
	StoreScrapedGrants(ctx context.Context, grants []models.GrantOpportunity, runID string) (*db.UpsertStats, error)
}

// Runner is the fetch fan-out the scheduler drives. *pipeline.Manager
// satisfies it.
type Runner interface {
	FetchAll(ctx context.Context, params ingest.QueryParams, urgent bool) (map[string]*ingest.FetchResult, map[string]error)
	FetchSource(ctx context.Context, id string, params ingest.QueryParams, urgent bool) (*ingest.FetchResult, error)
}

// Scheduler owns run lifecycle: periodic full runs, manual triggers, the
// no-overlap rule, and bounded in-memory history.
type Scheduler struct {
	runner   Runner
	store    RunStore
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	active  map[string]string // scope -> run_id
	history []models.ScrapeRun

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(runner Runner, store RunStore, interval time.Duration, log *zap.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		store:    store,
		interval: interval,
		log:      log,
		now:      time.Now,
		active:   make(map[string]string),
		stop:     make(chan struct{}),
	}
}

// Start launches the periodic loop. The first scheduled run happens one full
// interval after startup so a crash loop cannot hammer the sources.
func (s *Scheduler) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				if _, err := s.TriggerRun(ctx, ScopeAll); err != nil {
					var active *ErrRunActive
					if errors.As(err, &active) {
						s.log.Warn("skipping scheduled run, previous still active",
							zap.String("active_run", active.RunID))
						continue
					}
					s.log.Error("scheduled run failed to start", zap.Error(err))
				}
			}
		}
	}()
}

// Stop halts the periodic loop and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// TriggerRun starts an aggregation run asynchronously and returns its id.
// At most one run per scope is active; "all" conflicts with every scope.
func (s *Scheduler) TriggerRun(ctx context.Context, scope string) (string, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		scope = ScopeAll
	}

	s.mu.Lock()
	if runID, ok := s.conflictingRun(scope); ok {
		s.mu.Unlock()
		return "", &ErrRunActive{RunID: runID}
	}

	runID := newRunID(s.now())
	s.active[scope] = runID
	s.mu.Unlock()

	run := models.ScrapeRun{
		RunID:     runID,
		Scope:     scope,
		Status:    models.RunPending,
		StartedAt: s.now().UTC(),
	}
	if err := s.store.CreateScrapeRun(ctx, run); err != nil {
		s.mu.Lock()
		delete(s.active, scope)
		s.mu.Unlock()
		return "", fmt.Errorf("recording run: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Detach from the trigger request; an HTTP caller disconnecting
		// must not abort a running aggregation.
		runCtx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		s.execute(runCtx, run)
	}()

	return runID, nil
}

// conflictingRun reports an active run that blocks the given scope. Callers
// hold s.mu.
func (s *Scheduler) conflictingRun(scope string) (string, bool) {
	if runID, ok := s.active[ScopeAll]; ok {
		return runID, true
	}
	if scope == ScopeAll && len(s.active) > 0 {
		for _, runID := range s.active {
			return runID, true
		}
	}
	if runID, ok := s.active[scope]; ok {
		return runID, true
	}
	return "", false
}

// execute performs the fetch fan-out and finalizes the run exactly once.
func (s *Scheduler) execute(ctx context.Context, run models.ScrapeRun) {
	s.log.Info("run started", zap.String("run_id", run.RunID), zap.String("scope", run.Scope))

	run.Status = models.RunRunning
	running := models.RunRunning
	if err := s.store.UpdateScrapeRun(ctx, run.RunID, db.RunPatch{Status: &running}); err != nil {
		s.log.Error("marking run running", zap.String("run_id", run.RunID), zap.Error(err))
	}

	params := ingest.QueryParams{}
	var results map[string]*ingest.FetchResult
	var failures map[string]error

	if run.Scope == ScopeAll {
		results, failures = s.runner.FetchAll(ctx, params, false)
	} else {
		result, err := s.runner.FetchSource(ctx, run.Scope, params, false)
		if err != nil {
			failures = map[string]error{run.Scope: err}
		} else {
			results = map[string]*ingest.FetchResult{run.Scope: result}
		}
	}

	// Store errors are tracked apart from fetch failures: a fetch failure is
	// contained to its source, a persistence failure fails the whole run.
	storeFailures := make(map[string]error)
	total := 0
	for source, result := range results {
		if len(result.Grants) == 0 {
			continue
		}
		stats, err := s.store.StoreScrapedGrants(ctx, result.Grants, run.RunID)
		if err != nil {
			storeFailures[source] = fmt.Errorf("persisting grants: %w", err)
			delete(results, source)
			continue
		}
		total += len(result.Grants)
		s.log.Info("source persisted",
			zap.String("run_id", run.RunID),
			zap.String("source", source),
			zap.Int("inserted", stats.Inserted),
			zap.Int("updated", stats.Updated),
			zap.Int("skipped", result.Skipped),
		)
	}

	run.SourcesProcessed = len(results) + len(failures) + len(storeFailures)
	run.SuccessfulSources = len(results)
	run.TotalOpportunities = total
	for source, err := range failures {
		run.Errors = append(run.Errors, models.RunError{
			Source:  source,
			Message: err.Error(),
			At:      s.now().UTC(),
		})
	}
	for source, err := range storeFailures {
		run.Errors = append(run.Errors, models.RunError{
			Source:  source,
			Message: err.Error(),
			At:      s.now().UTC(),
		})
	}

	// Fetch failures are contained: the run completes with errors attached
	// unless every source failed. A failed database write is a different
	// class of problem and always fails the run.
	run.Status = models.RunCompleted
	if run.SourcesProcessed > 0 && run.SuccessfulSources == 0 {
		run.Status = models.RunFailed
	}
	if len(storeFailures) > 0 {
		run.Status = models.RunFailed
	}
	completedAt := s.now().UTC()
	run.CompletedAt = &completedAt

	patch := db.RunPatch{
		Status:             &run.Status,
		SourcesProcessed:   &run.SourcesProcessed,
		SuccessfulSources:  &run.SuccessfulSources,
		TotalOpportunities: &run.TotalOpportunities,
		CompletedAt:        run.CompletedAt,
		Errors:             run.Errors,
	}
	if patch.Errors == nil {
		patch.Errors = []models.RunError{}
	}

	// Free the scope before the final write so a caller who observes the
	// terminal status can immediately start the next run.
	s.mu.Lock()
	delete(s.active, run.Scope)
	s.mu.Unlock()

	if err := s.store.UpdateScrapeRun(ctx, run.RunID, patch); err != nil {
		s.log.Error("finalizing run", zap.String("run_id", run.RunID), zap.Error(err))
	}

	s.recordHistory(run)
	s.log.Info("run finished",
		zap.String("run_id", run.RunID),
		zap.String("status", run.Status),
		zap.Int("sources", run.SourcesProcessed),
		zap.Int("succeeded", run.SuccessfulSources),
		zap.Int("opportunities", run.TotalOpportunities),
	)
}

func (s *Scheduler) recordHistory(run models.ScrapeRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append([]models.ScrapeRun{run}, s.history...)
	if len(s.history) > historyLimit {
		s.history = s.history[:historyLimit]
	}
}

// History returns recent finished runs, most recent first.
func (s *Scheduler) History() []models.ScrapeRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ScrapeRun, len(s.history))
	copy(out, s.history)
	return out
}

// ActiveRuns returns the scope-to-run map of in-flight runs.
func (s *Scheduler) ActiveRuns() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.active))
	for scope, runID := range s.active {
		out[scope] = runID
	}
	return out
}

// newRunID is sortable by start time with a random suffix for uniqueness.
func newRunID(now time.Time) string {
	return fmt.Sprintf("run_%s_%s", now.UTC().Format("20060102T150405"), uuid.NewString()[:8])
}
