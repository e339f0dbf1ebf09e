// Package retry re-runs a submission after nonce-class failures.
package retry

import (
	"context"
	"time"

	"github.com/cmatc13/oracled/pkg/errors"
	"github.com/cmatc13/oracled/pkg/logging"
)

// Values DefaultPolicy uses. Run does not fill in zero Policy fields, so a
// zero Policy makes one attempt with no backoff.
const (
	DefaultMaxRetries = 2
	DefaultBackoff    = 200 * time.Millisecond
)

// Policy bounds retries of a single submission.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt. Zero or negative means none.
	MaxRetries int
	// Backoff is the fixed wait between attempts.
	Backoff time.Duration
	// IsRetryable selects the failures worth retrying. Nil retries only ErrNonceConflict.
	IsRetryable func(error) bool
	// Invalidate drops any cached nonce before the next attempt.
	Invalidate func()
	// OnRetry observes each retry, e.g. for metrics.
	OnRetry func(attempt int, err error)
	Logger  *logging.Logger
}

// DefaultPolicy returns the standard two retries with a 200ms backoff.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, Backoff: DefaultBackoff}
}

func (p Policy) retryable(err error) bool {
	if p.IsRetryable != nil {
		return p.IsRetryable(err)
	}
	return errors.Is(err, errors.ErrNonceConflict)
}

// Run executes task, retrying retryable failures up to p.MaxRetries times.
// Other failures are returned unchanged on first sight. A retryable failure
// that outlives the budget is returned as a nonce conflict carrying label.
func Run[T any](ctx context.Context, p Policy, label string, task func(context.Context) (T, error)) (T, error) {
	var zero T
	logger := p.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	for attempt := 0; ; attempt++ {
		result, err := task(ctx)
		if err == nil {
			return result, nil
		}
		if !p.retryable(err) {
			return zero, err
		}
		if attempt >= maxRetries {
			return zero, exhausted(err, label, attempt)
		}

		logger.WithError(err).Warn("Nonce conflict, retrying", "label", label, "attempt", attempt+1, "max_retries", maxRetries)
		if p.Invalidate != nil {
			p.Invalidate()
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err)
		}

		if err := sleep(ctx, p.Backoff); err != nil {
			return zero, err
		}
	}
}

func exhausted(err error, label string, retries int) error {
	wrapped := errors.ChainWrapWithCode(err, errors.OpExecuteSubmission, errors.ChainErrNonceConflict,
		errors.Sprintf("%s failed after %d retries", label, retries))
	return errors.WrapWithField(wrapped, "label", label)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
