package pipeline

import (
	"fmt"
	"sync"
	"time"
)

// Breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// ErrCircuitOpen is returned without touching the upstream when a source's
// breaker is open.
type ErrCircuitOpen struct {
	Source     string
	RetryAfter time.Duration
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit open for %s, retry in %s", e.Source, e.RetryAfter.Round(time.Second))
}

// BreakerSnapshot is the read-only view exposed on health endpoints.
type BreakerSnapshot struct {
	Source        string    `json:"source"`
	State         string    `json:"state"`
	FailureCount  int       `json:"failure_count"`
	TotalCalls    int64     `json:"total_calls"`
	TotalFailures int64     `json:"total_failures"`
	LastFailure   time.Time `json:"last_failure,omitempty"`
}

// Breaker trips after threshold consecutive failures and fast-fails until
// the cooldown elapses. The first call after cooldown is the half-open
// trial: success closes the breaker, failure reopens it for a full cooldown.
type Breaker struct {
	source    string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu              sync.Mutex
	state           string
	failureCount    int
	lastFailure     time.Time
	totalCalls      int64
	totalFailures   int64
	halfOpenInUse   bool
}

func NewBreaker(source string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 2 * time.Minute
	}
	return &Breaker{
		source:    source,
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
		now:       time.Now,
	}
}

// Allow decides whether a call may proceed. In the open state it fails fast
// until the cooldown has elapsed, then admits exactly one trial call.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.totalCalls++
		return nil
	case StateOpen:
		remaining := b.cooldown - b.now().Sub(b.lastFailure)
		if remaining > 0 {
			return &ErrCircuitOpen{Source: b.source, RetryAfter: remaining}
		}
		b.state = StateHalfOpen
		b.halfOpenInUse = true
		b.totalCalls++
		return nil
	case StateHalfOpen:
		if b.halfOpenInUse {
			return &ErrCircuitOpen{Source: b.source, RetryAfter: b.cooldown}
		}
		b.halfOpenInUse = true
		b.totalCalls++
		return nil
	}
	return nil
}

// RecordSuccess closes the breaker and clears the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenInUse = false
}

// RecordFailure counts a failed call. The half-open trial failing, or the
// streak reaching the threshold, opens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.failureCount++
	b.lastFailure = b.now()

	if b.state == StateHalfOpen || b.failureCount >= b.threshold {
		b.state = StateOpen
	}
	b.halfOpenInUse = false
}

// Reset is the operator override: back to closed with a clean streak.
// Lifetime counters survive so health history stays honest.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenInUse = false
}

func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.state
	// An open breaker past its cooldown is half-open in effect; report it
	// that way so health output matches what the next call will do.
	if state == StateOpen && b.now().Sub(b.lastFailure) >= b.cooldown {
		state = StateHalfOpen
	}
	return BreakerSnapshot{
		Source:        b.source,
		State:         state,
		FailureCount:  b.failureCount,
		TotalCalls:    b.totalCalls,
		TotalFailures: b.totalFailures,
		LastFailure:   b.lastFailure,
	}
}

// BreakerRegistry lazily creates one breaker per source.
type BreakerRegistry struct {
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewBreakerRegistry(threshold int, cooldown time.Duration) *BreakerRegistry {
	return &BreakerRegistry{
		threshold: threshold,
		cooldown:  cooldown,
		breakers:  make(map[string]*Breaker),
	}
}

func (r *BreakerRegistry) For(source string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[source]
	if !ok {
		b = NewBreaker(source, r.threshold, r.cooldown)
		r.breakers[source] = b
	}
	return b
}

// Reset resets one source's breaker. It reports whether a breaker existed;
// resetting a source that never tripped is a no-op, not an error.
func (r *BreakerRegistry) Reset(source string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[source]
	if ok {
		b.Reset()
	}
	return ok
}

func (r *BreakerRegistry) Snapshots() map[string]BreakerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]BreakerSnapshot, len(r.breakers))
	for source, b := range r.breakers {
		out[source] = b.Snapshot()
	}
	return out
}
