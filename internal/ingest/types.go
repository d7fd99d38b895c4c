package ingest

import (
	"context"
	"fmt"

	"github.com/opengrants/aggregator/internal/models"
)

// RawRecord is one untrusted record as obtained from a source: a decoded
// JSON object, a flattened feed item, or fields pulled out of scraped HTML.
type RawRecord map[string]interface{}

// QueryParams narrows what a connector asks its source for.
type QueryParams struct {
	Query    string
	MaxItems int
}

// Key produces a stable cache key fragment for these parameters.
func (p QueryParams) Key() string {
	return fmt.Sprintf("q=%s&max=%d", p.Query, p.MaxItems)
}

// FetchResult is what a connector hands back: the normalized grants plus an
// account of every raw record that did not survive normalization. A connector
// never drops part of a batch silently.
type FetchResult struct {
	Grants  []models.GrantOpportunity
	Found   int
	Skipped int
	// SkipReasons holds one message per rejected record, in source order.
	SkipReasons []string
}

// Connector obtains zero or more raw records from exactly one external
// source and runs each through the Normalizer.
type Connector interface {
	Config() SourceConfig
	FetchGrants(ctx context.Context, params QueryParams) (*FetchResult, error)
}

// SourceError is a typed failure from a connector. StatusCode is zero for
// transport-level errors; Permanent marks failures that retrying cannot fix
// (bad config, malformed auth).
type SourceError struct {
	Source     string
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *SourceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("source %s: status %d: %v", e.Source, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }
