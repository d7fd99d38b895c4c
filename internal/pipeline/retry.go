package pipeline

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"syscall"
	"time"

	"github.com/opengrants/aggregator/internal/ingest"
	"go.uber.org/zap"
)

// retryableStatuses are the upstream statuses worth another attempt. Other
// 4xx codes mean the request itself is wrong and will not improve.
var retryableStatuses = map[int]bool{
	429: true, 502: true, 503: true, 504: true,
	520: true, 521: true, 522: true, 523: true, 524: true,
}

// RetryPolicy retries transient failures with exponential backoff and a
// small jitter so simultaneous retries against one host spread out.
type RetryPolicy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	BackoffFactor float64
	log           *zap.Logger
}

func NewRetryPolicy(maxRetries int, baseDelay time.Duration, log *zap.Logger) *RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &RetryPolicy{
		MaxRetries:    maxRetries,
		BaseDelay:     baseDelay,
		BackoffFactor: 2,
		log:           log,
	}
}

// Do runs fn up to MaxRetries+1 times. Non-retryable errors and context
// cancellation propagate immediately; the last error is returned when every
// attempt fails.
func (p *RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt)
			p.log.Debug("retrying after backoff",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if !Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// Delay is base * factor^(attempt-1) plus up to 10% jitter.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	backoff := float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	jitter := backoff * 0.1 * rand.Float64()
	return time.Duration(backoff + jitter)
}

// Retryable reports whether an error is transient: retryable upstream
// statuses, timeouts, DNS failures, and reset connections. Anything a
// connector marked permanent is not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var srcErr *ingest.SourceError
	if errors.As(err, &srcErr) {
		if srcErr.Permanent {
			return false
		}
		if srcErr.StatusCode != 0 {
			return retryableStatuses[srcErr.StatusCode]
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
