package ingest

import (
	"embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed config/sources.yaml
var sourcesYAML embed.FS

// Source types.
const (
	TypeAPI    = "api"
	TypeRSS    = "rss"
	TypeScrape = "scrape"
)

// Registry holds the configuration for all data sources. It is read-only at
// request time; onboarding a source means adding config, not code.
type Registry struct {
	Sources []SourceConfig `yaml:"sources"`
}

// AuthConfig describes how a source authenticates outbound requests.
// Secrets are referenced as ${ENV_VAR} in sources.yaml and expanded at load.
type AuthConfig struct {
	Type     string `yaml:"type"` // none, api_key, bearer, basic, app_token
	Header   string `yaml:"header,omitempty"`
	Key      string `yaml:"key,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// RateLimitConfig bounds outbound calls per source.
type RateLimitConfig struct {
	Calls         int `yaml:"calls"`
	PeriodSeconds int `yaml:"period_seconds"`
}

// FieldMap maps each canonical field to an ordered list of candidate keys.
// Candidates support dot paths for nested lookup (e.g. "synopsis.closeDate").
// The first present, non-empty candidate wins.
type FieldMap map[string][]string

// SourceConfig defines a single external grant source.
type SourceConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Type     string `yaml:"type"` // api, rss, scrape
	Endpoint string `yaml:"endpoint"`
	Enabled  bool   `yaml:"enabled"`

	// API sources.
	Method     string                 `yaml:"method,omitempty"` // GET (default) or POST
	Query      map[string]string      `yaml:"query,omitempty"`
	Body       map[string]interface{} `yaml:"body,omitempty"`
	QueryParam string                 `yaml:"query_param,omitempty"` // where a search term goes
	ItemsPath  string                 `yaml:"items_path,omitempty"`  // dot path to the result list

	// Scrape sources.
	FallbackURLs []string `yaml:"fallback_urls,omitempty"`

	// RSS filtering and scrape heuristics.
	Keywords []string `yaml:"keywords,omitempty"`

	Auth            AuthConfig      `yaml:"auth,omitempty"`
	RateLimit       RateLimitConfig `yaml:"rate_limit,omitempty"`
	CacheTTLSeconds int             `yaml:"cache_ttl_seconds,omitempty"`
	TimeoutSeconds  int             `yaml:"timeout_seconds,omitempty"`
	MaxItems        int             `yaml:"max_items,omitempty"`

	// Defaults applied when the source record carries no value.
	Funder    string `yaml:"funder,omitempty"`
	Geography string `yaml:"geography,omitempty"`
	Category  string `yaml:"category,omitempty"`

	Fields FieldMap `yaml:"fields,omitempty"`
}

// Timeout returns the per-call timeout, defaulting to 30s.
func (c SourceConfig) Timeout() time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// CacheTTL returns the result cache TTL, defaulting to 15 minutes.
func (c SourceConfig) CacheTTL() time.Duration {
	if c.CacheTTLSeconds > 0 {
		return time.Duration(c.CacheTTLSeconds) * time.Second
	}
	return 15 * time.Minute
}

// ItemLimit bounds how many records a connector may emit per fetch.
func (c SourceConfig) ItemLimit() int {
	if c.MaxItems > 0 {
		return c.MaxItems
	}
	return 100
}

// HasCredentials reports whether the auth config is satisfied. Sources with
// auth type "none" always qualify.
func (c SourceConfig) HasCredentials() bool {
	switch c.Auth.Type {
	case "", "none":
		return true
	case "basic":
		return c.Auth.Username != "" && c.Auth.Password != ""
	default:
		return c.Auth.Key != ""
	}
}

// LoadRegistry reads the embedded sources.yaml, falling back to the given
// path for local development overrides. ${VAR} references are expanded from
// the environment so credentials stay out of the file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := sourcesYAML.ReadFile("config/sources.yaml")
	if err != nil {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading source registry: %w", err)
		}
	}

	expanded := os.ExpandEnv(string(data))

	var reg Registry
	if err := yaml.Unmarshal([]byte(expanded), &reg); err != nil {
		return nil, fmt.Errorf("parsing source registry: %w", err)
	}

	for i, src := range reg.Sources {
		if src.ID == "" || src.Endpoint == "" {
			return nil, fmt.Errorf("source %d: id and endpoint are required", i)
		}
		switch src.Type {
		case TypeAPI, TypeRSS, TypeScrape:
		default:
			return nil, fmt.Errorf("source %q: unknown type %q", src.ID, src.Type)
		}
	}

	return &reg, nil
}

// Get returns the config for a source id, enabled or not.
func (r *Registry) Get(id string) (SourceConfig, bool) {
	for _, src := range r.Sources {
		if src.ID == id {
			return src, true
		}
	}
	return SourceConfig{}, false
}

// Enabled returns all enabled sources in declaration order.
func (r *Registry) Enabled() []SourceConfig {
	out := make([]SourceConfig, 0, len(r.Sources))
	for _, src := range r.Sources {
		if src.Enabled {
			out = append(out, src)
		}
	}
	return out
}
