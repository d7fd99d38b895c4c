package models

import (
	"time"

	"github.com/google/uuid"
)

// GrantOpportunity is the canonical normalized record every connector
// produces. (Source, ExternalID) is the natural key; all optional fields are
// pointers so "absent" survives the round trip to the database and the API.
type GrantOpportunity struct {
	ID          uuid.UUID  `json:"id"`
	Source      string     `json:"source"`
	SourceURL   string     `json:"source_url"`
	ExternalID  string     `json:"external_id"`
	Title       string     `json:"title"`
	Funder      string     `json:"funder"`
	Description *string    `json:"description"`
	AmountMin   *float64   `json:"amount_min"`
	AmountMax   *float64   `json:"amount_max"`
	Deadline    *time.Time `json:"deadline"`
	PostedDate  *time.Time `json:"posted_date"`
	Geography   *string    `json:"geography"`
	Eligibility *string    `json:"eligibility"`
	Category    *string    `json:"category"`
	Link        *string    `json:"link"`

	RawData        map[string]interface{} `json:"raw_data,omitempty"`
	ScrapeMetadata ScrapeMetadata         `json:"scrape_metadata"`

	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
	LastRunID   *string   `json:"last_run_id,omitempty"`
}

// ScrapeMetadata records how and when a grant was obtained.
type ScrapeMetadata struct {
	ScrapedAt  time.Time `json:"scraped_at"`
	Method     string    `json:"method"` // http, rss, scrape
	Confidence float64   `json:"confidence,omitempty"`
	Keywords   []string  `json:"keywords,omitempty"`
}

// Run statuses. A run is finalized exactly once, to completed or failed.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// ScrapeRun is the bookkeeping row for one aggregation pass.
type ScrapeRun struct {
	RunID              string     `json:"run_id"`
	Scope              string     `json:"scope"` // "all" or a source id
	Status             string     `json:"status"`
	SourcesProcessed   int        `json:"sources_processed"`
	SuccessfulSources  int        `json:"successful_sources"`
	TotalOpportunities int        `json:"total_opportunities"`
	StartedAt          time.Time  `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	Errors             []RunError `json:"errors"`
}

// RunError is one per-source failure summary, in the order it was recorded.
type RunError struct {
	Source  string    `json:"source"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// SourceHealth is the per-source entry of the health/status report.
type SourceHealth struct {
	Source         string  `json:"source"`
	Name           string  `json:"name"`
	Type           string  `json:"type"`
	Enabled        bool    `json:"enabled"`
	BreakerState   string  `json:"breaker_state"`
	CredentialsSet bool    `json:"credentials_set"`
	TotalCalls     int64   `json:"total_calls"`
	TotalFailures  int64   `json:"total_failures"`
	SuccessRate    float64 `json:"success_rate"`
	StoredGrants   int     `json:"stored_grants"`
}
