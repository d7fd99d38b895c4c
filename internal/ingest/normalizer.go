package ingest

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/opengrants/aggregator/internal/models"
)

// UGCPolicy keeps links, lists, and emphasis but strips scripts and iframes.
var htmlPolicy = bluemonday.UGCPolicy()

// defaultFieldMap is the fallback candidate list per canonical field, tried
// after any source-specific candidates. Different sources name the same
// concept differently; the ordered list makes that explicit config instead of
// scattered conditionals.
var defaultFieldMap = FieldMap{
	"external_id": {"id", "guid", "externalId", "opportunityId", "number"},
	"title":       {"title", "name", "opportunityTitle"},
	"funder":      {"funder", "agency", "agencyName", "organization", "author"},
	"description": {"description", "summary", "synopsis", "content", "abstract"},
	"amount":      {"amount", "award", "awardCeiling", "funding", "budget", "estimatedFunding"},
	"deadline":    {"deadline", "closeDate", "due_date", "dueDate", "closingDate", "applicationDeadline"},
	"posted_date": {"posted_date", "postedDate", "openDate", "published", "pubDate", "date"},
	"geography":   {"geography", "region", "location", "state"},
	"eligibility": {"eligibility", "applicantTypes", "eligibleApplicants"},
	"category":    {"category", "categories", "fundingCategory", "type"},
	"link":        {"link", "url", "href"},
}

// ValidationError marks a raw record that cannot be persisted. It is
// reported and counted, never thrown out of a connector.
type ValidationError struct {
	Field  string
	Source string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("record from %s missing mandatory field %q", e.Source, e.Field)
}

// Normalize converts one raw source record into the canonical shape. Every
// canonical field is present on the output (possibly nil); only records with
// id, title, funder, and source survive.
func Normalize(raw RawRecord, cfg SourceConfig, meta models.ScrapeMetadata) (models.GrantOpportunity, error) {
	opp := models.GrantOpportunity{
		ID:             uuid.New(),
		Source:         cfg.ID,
		SourceURL:      cfg.Endpoint,
		RawData:        raw,
		ScrapeMetadata: meta,
		LastUpdated:    meta.ScrapedAt,
	}
	if cfg.ID == "" {
		return opp, &ValidationError{Field: "source", Source: "unknown"}
	}

	opp.Title = sanitizeText(resolveString(raw, cfg, "title"))
	opp.Funder = sanitizeText(resolveString(raw, cfg, "funder"))
	if opp.Funder == "" {
		opp.Funder = cfg.Funder
	}

	if desc := resolveString(raw, cfg, "description"); desc != "" {
		clean := htmlPolicy.Sanitize(toValidUTF8(desc))
		clean = strings.TrimSpace(clean)
		if clean != "" {
			opp.Description = &clean
		}
	}

	if link := resolveString(raw, cfg, "link"); link != "" {
		link = strings.TrimSpace(link)
		opp.Link = &link
	}

	if v := resolve(raw, cfg, "amount"); v != nil {
		opp.AmountMin, opp.AmountMax = parseAmountValue(v)
	}
	// Explicit min/max keys win over the combined amount text when present.
	if lo := numericValue(raw["amount_min"]); lo != nil {
		opp.AmountMin = lo
	}
	if hi := numericValue(raw["amount_max"]); hi != nil {
		opp.AmountMax = hi
	}

	if opp.AmountMin == nil && opp.AmountMax == nil && opp.Description != nil && meta.Method != "http" {
		opp.AmountMin, opp.AmountMax = amountFromText(*opp.Description)
	}

	if v := resolve(raw, cfg, "deadline"); v != nil {
		if t, ok := parseDateValue(v); ok {
			opp.Deadline = &t
		}
	}
	// Feeds and scraped pages often bury the deadline in prose.
	if opp.Deadline == nil && opp.Description != nil && meta.Method != "http" {
		if t, ok := deadlineFromText(*opp.Description); ok {
			opp.Deadline = &t
		}
	}
	if v := resolve(raw, cfg, "posted_date"); v != nil {
		if t, ok := parseDateValue(v); ok {
			opp.PostedDate = &t
		}
	}

	if geo := sanitizeText(resolveString(raw, cfg, "geography")); geo != "" {
		opp.Geography = &geo
	} else if cfg.Geography != "" {
		g := cfg.Geography
		opp.Geography = &g
	}
	if elig := sanitizeText(resolveString(raw, cfg, "eligibility")); elig != "" {
		opp.Eligibility = &elig
	}
	if cat := sanitizeText(resolveString(raw, cfg, "category")); cat != "" {
		opp.Category = &cat
	} else if cfg.Category != "" {
		c := cfg.Category
		opp.Category = &c
	}

	opp.ExternalID = strings.TrimSpace(resolveString(raw, cfg, "external_id"))
	if opp.ExternalID == "" {
		opp.ExternalID = deriveExternalID(opp.Link, opp.Title, meta.ScrapedAt)
	}

	if opp.ExternalID == "" {
		return opp, &ValidationError{Field: "external_id", Source: cfg.ID}
	}
	if opp.Title == "" {
		return opp, &ValidationError{Field: "title", Source: cfg.ID}
	}
	if opp.Funder == "" {
		return opp, &ValidationError{Field: "funder", Source: cfg.ID}
	}

	return opp, nil
}

// resolve tries the source-specific candidates first, then the defaults, and
// returns the first present non-nil, non-empty value.
func resolve(raw RawRecord, cfg SourceConfig, field string) interface{} {
	for _, key := range append(cfg.Fields[field], defaultFieldMap[field]...) {
		v := lookupPath(raw, key)
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		return v
	}
	return nil
}

func resolveString(raw RawRecord, cfg SourceConfig, field string) string {
	v := resolve(raw, cfg, field)
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case []interface{}:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				parts = append(parts, strings.TrimSpace(s))
			}
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(typed, ", ")
	default:
		return fmt.Sprintf("%v", typed)
	}
}

// lookupPath resolves a dot-path key against nested maps, so "data.oppHits"
// or "synopsis.closeDate" reach into the raw payload.
func lookupPath(raw map[string]interface{}, path string) interface{} {
	if v, ok := raw[path]; ok {
		return v
	}

	parts := strings.Split(path, ".")
	var current interface{} = map[string]interface{}(raw)
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

// deriveExternalID builds a stable identifier for sources that provide none:
// last path segment of the link, else a slug of the title, else a timestamp.
func deriveExternalID(link *string, title string, scrapedAt time.Time) string {
	if link != nil {
		if u, err := url.Parse(*link); err == nil {
			segments := strings.Split(strings.Trim(u.Path, "/"), "/")
			if last := segments[len(segments)-1]; last != "" {
				return last
			}
		}
	}
	if slug := slugify(title); slug != "" {
		return slug
	}
	if scrapedAt.IsZero() {
		scrapedAt = time.Now().UTC()
	}
	return fmt.Sprintf("unidentified-%d", scrapedAt.UnixNano())
}

// sanitizeText strips markup, decodes entities, collapses whitespace, and
// drops invalid UTF-8 sequences that upset Postgres.
func sanitizeText(s string) string {
	return cleanText(HTMLToText(toValidUTF8(s)))
}

// numericValue returns a positive number from a JSON number or numeric
// string, nil otherwise.
func numericValue(v interface{}) *float64 {
	switch typed := v.(type) {
	case float64:
		if typed > 0 {
			return &typed
		}
	case int:
		if typed > 0 {
			f := float64(typed)
			return &f
		}
	case string:
		lo, hi := parseAmount(typed)
		if hi != nil {
			return hi
		}
		return lo
	}
	return nil
}

func toValidUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "")
}
