package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/opengrants/aggregator/internal/models"
)

var (
	// ErrRunExists means a run with that id was already created.
	ErrRunExists = errors.New("run already exists")
	// ErrRunNotFound means no run row matched the id.
	ErrRunNotFound = errors.New("run not found")
	// ErrGrantNotFound means no grant row matched the natural key.
	ErrGrantNotFound = errors.New("grant not found")
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ListParams filters persisted grants. Zero values mean "no constraint".
type ListParams struct {
	Query        string
	Source       string
	Category     string
	Geography    string
	MinAmount    float64
	MaxAmount    float64
	DeadlineFrom *time.Time
	DeadlineTo   *time.Time
	ActiveOnly   bool
	Limit        int
	Offset       int
}

type ListResult struct {
	Grants []models.GrantOpportunity `json:"grants"`
	Total  int                       `json:"total"`
	Limit  int                       `json:"limit"`
	Offset int                       `json:"offset"`
}

// UpsertStats splits an upsert batch into fresh rows and refreshed ones.
type UpsertStats struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// RunPatch updates a subset of a run row. Nil fields are left untouched.
type RunPatch struct {
	Status             *string
	SourcesProcessed   *int
	SuccessfulSources  *int
	TotalOpportunities *int
	CompletedAt        *time.Time
	Errors             []models.RunError
}

// selectCols is the shared column list for grant queries.
const selectCols = `id, source, source_url, external_id, title, funder, description,
	amount_min, amount_max, deadline, posted_date, geography, eligibility, category, link,
	raw_data, scrape_metadata, created_at, last_updated, last_run_id`

func scanGrant(scan func(dest ...interface{}) error) (models.GrantOpportunity, error) {
	var g models.GrantOpportunity
	var rawData, metaRaw []byte

	err := scan(
		&g.ID, &g.Source, &g.SourceURL, &g.ExternalID, &g.Title, &g.Funder, &g.Description,
		&g.AmountMin, &g.AmountMax, &g.Deadline, &g.PostedDate, &g.Geography, &g.Eligibility, &g.Category, &g.Link,
		&rawData, &metaRaw, &g.CreatedAt, &g.LastUpdated, &g.LastRunID,
	)
	if err != nil {
		return g, err
	}

	if len(rawData) > 0 {
		_ = json.Unmarshal(rawData, &g.RawData)
	}
	if len(metaRaw) > 0 {
		_ = json.Unmarshal(metaRaw, &g.ScrapeMetadata)
	}
	return g, nil
}

// StoreScrapedGrants upserts a batch on the (source, external_id) natural
// key. Existing rows are refreshed in place; created_at survives. The
// returned stats say how many rows were new.
func (s *Store) StoreScrapedGrants(ctx context.Context, grants []models.GrantOpportunity, runID string) (*UpsertStats, error) {
	stats := &UpsertStats{}

	for _, g := range grants {
		rawData, err := json.Marshal(g.RawData)
		if err != nil {
			return stats, fmt.Errorf("marshaling raw_data for %s/%s: %w", g.Source, g.ExternalID, err)
		}
		metaRaw, err := json.Marshal(g.ScrapeMetadata)
		if err != nil {
			return stats, fmt.Errorf("marshaling scrape_metadata for %s/%s: %w", g.Source, g.ExternalID, err)
		}

		// xmax = 0 only on freshly inserted rows, which distinguishes
		// insert from update in a single statement.
		var inserted bool
		err = s.pool.QueryRow(ctx, `
			INSERT INTO grants (
				id, source, source_url, external_id, title, funder, description,
				amount_min, amount_max, deadline, posted_date, geography, eligibility, category, link,
				raw_data, scrape_metadata, created_at, last_updated, last_run_id
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7,
				$8, $9, $10, $11, $12, $13, $14, $15,
				$16, $17, NOW(), NOW(), $18
			)
			ON CONFLICT (source, external_id) DO UPDATE SET
				title = EXCLUDED.title,
				funder = EXCLUDED.funder,
				description = EXCLUDED.description,
				amount_min = EXCLUDED.amount_min,
				amount_max = EXCLUDED.amount_max,
				deadline = EXCLUDED.deadline,
				posted_date = EXCLUDED.posted_date,
				geography = EXCLUDED.geography,
				eligibility = EXCLUDED.eligibility,
				category = EXCLUDED.category,
				link = EXCLUDED.link,
				raw_data = EXCLUDED.raw_data,
				scrape_metadata = EXCLUDED.scrape_metadata,
				last_updated = NOW(),
				last_run_id = EXCLUDED.last_run_id
			RETURNING (xmax = 0)
		`,
			g.ID, g.Source, g.SourceURL, g.ExternalID, g.Title, g.Funder, g.Description,
			g.AmountMin, g.AmountMax, g.Deadline, g.PostedDate, g.Geography, g.Eligibility, g.Category, g.Link,
			rawData, metaRaw, nullableString(runID),
		).Scan(&inserted)
		if err != nil {
			return stats, fmt.Errorf("upserting grant %s/%s: %w", g.Source, g.ExternalID, err)
		}

		if inserted {
			stats.Inserted++
		} else {
			stats.Updated++
		}
	}

	return stats, nil
}

// buildGrantFilter turns list params into a WHERE clause and its args.
func buildGrantFilter(params ListParams) (string, []interface{}) {
	where := "WHERE 1=1"
	var args []interface{}
	argIdx := 1

	if params.Query != "" {
		where += fmt.Sprintf(" AND (title ILIKE '%%' || $%d || '%%' OR description ILIKE '%%' || $%d || '%%' OR funder ILIKE '%%' || $%d || '%%')", argIdx, argIdx, argIdx)
		args = append(args, params.Query)
		argIdx++
	}
	if params.Source != "" {
		where += fmt.Sprintf(" AND source = $%d", argIdx)
		args = append(args, params.Source)
		argIdx++
	}
	if params.Category != "" {
		where += fmt.Sprintf(" AND category ILIKE $%d", argIdx)
		args = append(args, params.Category)
		argIdx++
	}
	if params.Geography != "" {
		where += fmt.Sprintf(" AND geography ILIKE '%%' || $%d || '%%'", argIdx)
		args = append(args, params.Geography)
		argIdx++
	}
	if params.MinAmount > 0 {
		where += fmt.Sprintf(" AND amount_max >= $%d", argIdx)
		args = append(args, params.MinAmount)
		argIdx++
	}
	if params.MaxAmount > 0 {
		where += fmt.Sprintf(" AND amount_min <= $%d", argIdx)
		args = append(args, params.MaxAmount)
		argIdx++
	}
	if params.DeadlineFrom != nil {
		where += fmt.Sprintf(" AND deadline >= $%d", argIdx)
		args = append(args, *params.DeadlineFrom)
		argIdx++
	}
	if params.DeadlineTo != nil {
		where += fmt.Sprintf(" AND deadline <= $%d", argIdx)
		args = append(args, *params.DeadlineTo)
		argIdx++
	}
	if params.ActiveOnly {
		// Rolling grants carry no deadline and stay active.
		where += " AND (deadline IS NULL OR deadline >= NOW())"
	}

	return where, args
}

// ListGrants returns a filtered page plus the total match count.
func (s *Store) ListGrants(ctx context.Context, params ListParams) (*ListResult, error) {
	where, args := buildGrantFilter(params)
	argIdx := len(args) + 1

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM grants "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting grants: %w", err)
	}

	limit := params.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := params.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf("SELECT %s FROM grants %s ORDER BY last_updated DESC LIMIT $%d OFFSET $%d",
		selectCols, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing grants: %w", err)
	}
	defer rows.Close()

	grants := make([]models.GrantOpportunity, 0, limit)
	for rows.Next() {
		g, err := scanGrant(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning grant: %w", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &ListResult{Grants: grants, Total: total, Limit: limit, Offset: offset}, nil
}

// GetGrantByNaturalKey fetches one grant by its (source, external_id) pair.
func (s *Store) GetGrantByNaturalKey(ctx context.Context, source, externalID string) (*models.GrantOpportunity, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM grants WHERE source = $1 AND external_id = $2", selectCols),
		source, externalID)

	g, err := scanGrant(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGrantNotFound
		}
		return nil, fmt.Errorf("fetching grant %s/%s: %w", source, externalID, err)
	}
	return &g, nil
}

// GrantCountsBySource returns how many grants each source has stored.
func (s *Store) GrantCountsBySource(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, "SELECT source, COUNT(*) FROM grants GROUP BY source")
	if err != nil {
		return nil, fmt.Errorf("counting grants by source: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var source string
		var count int
		if err := rows.Scan(&source, &count); err != nil {
			return nil, err
		}
		counts[source] = count
	}
	return counts, rows.Err()
}

// CreateScrapeRun inserts the pending run row. A duplicate run id comes
// back as ErrRunExists.
func (s *Store) CreateScrapeRun(ctx context.Context, run models.ScrapeRun) error {
	errorsRaw, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("marshaling run errors: %w", err)
	}
	if run.Errors == nil {
		errorsRaw = []byte("[]")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO scrape_runs (run_id, scope, status, sources_processed, successful_sources, total_opportunities, started_at, completed_at, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, run.RunID, run.Scope, run.Status, run.SourcesProcessed, run.SuccessfulSources, run.TotalOpportunities, run.StartedAt, run.CompletedAt, errorsRaw)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrRunExists
		}
		return fmt.Errorf("creating run %s: %w", run.RunID, err)
	}
	return nil
}

// UpdateScrapeRun applies a patch to one run row.
func (s *Store) UpdateScrapeRun(ctx context.Context, runID string, patch RunPatch) error {
	sets := []string{}
	var args []interface{}
	argIdx := 1

	if patch.Status != nil {
		sets = append(sets, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, *patch.Status)
		argIdx++
	}
	if patch.SourcesProcessed != nil {
		sets = append(sets, fmt.Sprintf("sources_processed = $%d", argIdx))
		args = append(args, *patch.SourcesProcessed)
		argIdx++
	}
	if patch.SuccessfulSources != nil {
		sets = append(sets, fmt.Sprintf("successful_sources = $%d", argIdx))
		args = append(args, *patch.SuccessfulSources)
		argIdx++
	}
	if patch.TotalOpportunities != nil {
		sets = append(sets, fmt.Sprintf("total_opportunities = $%d", argIdx))
		args = append(args, *patch.TotalOpportunities)
		argIdx++
	}
	if patch.CompletedAt != nil {
		sets = append(sets, fmt.Sprintf("completed_at = $%d", argIdx))
		args = append(args, *patch.CompletedAt)
		argIdx++
	}
	if patch.Errors != nil {
		errorsRaw, err := json.Marshal(patch.Errors)
		if err != nil {
			return fmt.Errorf("marshaling run errors: %w", err)
		}
		sets = append(sets, fmt.Sprintf("errors = $%d", argIdx))
		args = append(args, errorsRaw)
		argIdx++
	}
	if len(sets) == 0 {
		return nil
	}

	query := fmt.Sprintf("UPDATE scrape_runs SET %s WHERE run_id = $%d", strings.Join(sets, ", "), argIdx)
	args = append(args, runID)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

const runCols = "run_id, scope, status, sources_processed, successful_sources, total_opportunities, started_at, completed_at, errors"

func scanRun(scan func(dest ...interface{}) error) (models.ScrapeRun, error) {
	var run models.ScrapeRun
	var errorsRaw []byte

	err := scan(&run.RunID, &run.Scope, &run.Status, &run.SourcesProcessed,
		&run.SuccessfulSources, &run.TotalOpportunities, &run.StartedAt, &run.CompletedAt, &errorsRaw)
	if err != nil {
		return run, err
	}
	if len(errorsRaw) > 0 {
		_ = json.Unmarshal(errorsRaw, &run.Errors)
	}
	return run, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*models.ScrapeRun, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM scrape_runs WHERE run_id = $1", runCols), runID)

	run, err := scanRun(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("fetching run %s: %w", runID, err)
	}
	return &run, nil
}

func (s *Store) GetLatestRun(ctx context.Context) (*models.ScrapeRun, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM scrape_runs ORDER BY started_at DESC LIMIT 1", runCols))

	run, err := scanRun(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("fetching latest run: %w", err)
	}
	return &run, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]models.ScrapeRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx,
		fmt.Sprintf("SELECT %s FROM scrape_runs ORDER BY started_at DESC LIMIT $1", runCols), limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	runs := make([]models.ScrapeRun, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
