// Package retrypolicy wraps sethvargo/go-retry into the small data-driven
// Policy shape the forwarder and alerter worker pools share, replacing the
// hand-rolled exponential backoff loop the teacher service used for its
// outbound HTTP client.
package retrypolicy

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/muttpipeline/mutt/internal/pipelineerr"
)

// Policy describes one retry schedule. It is plain data so it can be loaded
// from dynamic config and compared/tested without touching the retry
// machinery itself.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts uint64
	JitterPct   uint64
}

// DefaultPolicy mirrors spec §4.5's schedule: base delay doubling each
// attempt (go-retry's exponential backoff is fixed at a 2x growth rate),
// capped, with ±50% jitter so a burst of failures doesn't retry in lockstep.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		MaxAttempts: 5,
		JitterPct:   50,
	}
}

// Do runs fn under the policy's backoff schedule. fn must return a
// *pipelineerr.TransientError or *pipelineerr.DegradedState (or wrap one)
// to be retried; any other error,
// including a *pipelineerr.PoisonError, stops retrying immediately since
// go-retry.RetryableError is what governs whether the backoff continues.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.NewExponential(p.BaseDelay)
	backoff = retry.WithCappedDuration(p.MaxDelay, backoff)
	backoff = retry.WithJitterPercent(p.JitterPct, backoff)
	backoff = retry.WithMaxRetries(p.MaxAttempts, backoff)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if pipelineerr.IsRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
