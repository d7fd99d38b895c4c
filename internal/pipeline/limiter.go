package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/opengrants/aggregator/internal/ingest"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned on non-urgent calls when a source's budget is
// exhausted, instead of queueing the caller.
type ErrRateLimited struct {
	Source     string
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limit exhausted for %s, retry in %s", e.Source, e.RetryAfter.Round(time.Millisecond))
}

// LimiterRegistry holds one token bucket per source, sized from the source's
// declared calls-per-period budget.
type LimiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLimiterRegistry() *LimiterRegistry {
	return &LimiterRegistry{limiters: make(map[string]*rate.Limiter)}
}

func (r *LimiterRegistry) limiterFor(cfg ingest.SourceConfig) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	lim, ok := r.limiters[cfg.ID]
	if !ok {
		calls := cfg.RateLimit.Calls
		period := time.Duration(cfg.RateLimit.PeriodSeconds) * time.Second
		if calls <= 0 || period <= 0 {
			// No declared budget: effectively unlimited.
			lim = rate.NewLimiter(rate.Inf, 1)
		} else {
			lim = rate.NewLimiter(rate.Limit(float64(calls)/period.Seconds()), calls)
		}
		r.limiters[cfg.ID] = lim
	}
	return lim
}

// Wait blocks until the source's budget admits a call. Used by scheduled
// runs, where waiting beats dropping.
func (r *LimiterRegistry) Wait(ctx context.Context, cfg ingest.SourceConfig) error {
	if err := r.limiterFor(cfg).Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ErrRateLimited{Source: cfg.ID}
	}
	return nil
}

// Allow is the non-blocking check for interactive requests: either the call
// may proceed now, or the caller gets a retry-after hint.
func (r *LimiterRegistry) Allow(cfg ingest.SourceConfig) error {
	lim := r.limiterFor(cfg)
	res := lim.Reserve()
	if !res.OK() {
		return &ErrRateLimited{Source: cfg.ID, RetryAfter: time.Minute}
	}
	delay := res.Delay()
	if delay > 0 {
		res.Cancel()
		return &ErrRateLimited{Source: cfg.ID, RetryAfter: delay}
	}
	return nil
}

type cacheEntry struct {
	result    *ingest.FetchResult
	expiresAt time.Time
}

// ResultCache memoizes per-source fetch results keyed by source and query,
// so repeated interactive searches inside the TTL reuse one upstream call.
type ResultCache struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewResultCache() *ResultCache {
	return &ResultCache{
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func cacheKey(source string, params ingest.QueryParams) string {
	return source + "|" + params.Key()
}

func (c *ResultCache) Get(source string, params ingest.QueryParams) (*ingest.FetchResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[cacheKey(source, params)]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, cacheKey(source, params))
		return nil, false
	}
	return entry.result, true
}

func (c *ResultCache) Set(source string, params ingest.QueryParams, result *ingest.FetchResult, ttl time.Duration) {
	if ttl <= 0 || result == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(source, params)] = cacheEntry{
		result:    result,
		expiresAt: c.now().Add(ttl),
	}
}

// Invalidate drops every cached result for one source.
func (c *ResultCache) Invalidate(source string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	prefix := source + "|"
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			dropped++
		}
	}
	return dropped
}

func (c *ResultCache) InvalidateAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := len(c.entries)
	c.entries = make(map[string]cacheEntry)
	return dropped
}
