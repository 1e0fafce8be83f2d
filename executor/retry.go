package executor

import (
	"context"
	"time"

	"github.com/jpillora/backoff"

	"tradeflow/logger"
)

func (e *Executor) newBackoff() *backoff.Backoff {
	lo, hi := e.retry.BaseDelay, e.retry.MaxDelay
	if lo <= 0 {
		lo = 100 * time.Millisecond
	}
	if hi < lo {
		hi = lo
	}
	factor := float64(e.retry.BackoffMultiplier)
	if factor < 1 {
		factor = 2
	}
	return &backoff.Backoff{Min: lo, Max: hi, Factor: factor, Jitter: true}
}

// withRetry runs fn until it succeeds, fails with a non-transport error, or
// the attempt budget is spent. Errors are classified before they are returned.
func (e *Executor) withRetry(ctx context.Context, op string, fn func(attempt int) error) error {
	attempts := e.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := e.newBackoff()

	for attempt := 1; ; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return TransportError(err)
			}
		}

		err := classify(fn(attempt))
		if err == nil || !Retryable(err) || attempt >= attempts {
			return err
		}

		wait := b.Duration()
		e.log.WithComponent("executor").WithError(err).WithFields(logger.Fields{
			"operation": op,
			"attempt":   attempt,
			"backoff":   wait,
		}).Warn("transport error, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
