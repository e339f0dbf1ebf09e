package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/oracled/pkg/errors"
)

var errNonce = stderrors.New("nonce too low")

func failing(n int, err error) (func(context.Context) (string, error), *int) {
	calls := 0
	return func(context.Context) (string, error) {
		calls++
		if calls <= n {
			return "", err
		}
		return "0xabc", nil
	}, &calls
}

func fastPolicy() Policy {
	return Policy{
		MaxRetries:  2,
		Backoff:     time.Millisecond,
		IsRetryable: func(err error) bool { return stderrors.Is(err, errNonce) },
	}
}

func TestRunSucceedsWithinRetryBudget(t *testing.T) {
	t.Parallel()

	invalidations := 0
	p := fastPolicy()
	p.Invalidate = func() { invalidations++ }

	task, calls := failing(2, errNonce)
	hash, err := Run(context.Background(), p, "submit:m1", task)

	require.NoError(t, err)
	assert.Equal(t, "0xabc", hash)
	assert.Equal(t, 3, *calls)
	assert.Equal(t, 2, invalidations)
}

func TestRunGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var retries []int
	p := fastPolicy()
	p.OnRetry = func(attempt int, err error) { retries = append(retries, attempt) }

	task, calls := failing(3, errNonce)
	_, err := Run(context.Background(), p, "submit:m1", task)

	require.Error(t, err)
	assert.Equal(t, 3, *calls)
	assert.Equal(t, []int{1, 2}, retries)
	assert.ErrorIs(t, err, errors.ErrNonceConflict)
	assert.ErrorIs(t, err, errNonce)

	var de *errors.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "submit:m1", de.Field("label"))
}

func TestRunDoesNotRetryOtherFailures(t *testing.T) {
	t.Parallel()

	reverted := stderrors.New("execution reverted")
	task, calls := failing(5, reverted)
	_, err := Run(context.Background(), fastPolicy(), "register:m1", task)

	assert.Same(t, reverted, err)
	assert.Equal(t, 1, *calls)
}

func TestRunDefaultPredicateUsesSentinel(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	p.Backoff = time.Millisecond
	conflict := errors.NewChainError(errors.ChainErrNonceConflict, "already known", nil)

	task, calls := failing(1, conflict)
	_, err := Run(context.Background(), p, "submit:m1", task)
	require.NoError(t, err)
	assert.Equal(t, 2, *calls)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := fastPolicy()
	p.Backoff = time.Hour
	p.OnRetry = func(int, error) { cancel() }

	task, _ := failing(5, errNonce)
	_, err := Run(ctx, p, "submit:m1", task)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestZeroPolicyMakesOneAttempt(t *testing.T) {
	t.Parallel()

	conflict := errors.NewChainError(errors.ChainErrNonceConflict, "already known", nil)
	task, calls := failing(1, conflict)

	_, err := Run(context.Background(), Policy{}, "submit:m1", task)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNonceConflict))
	assert.Equal(t, 1, *calls)
	assert.Equal(t, Policy{MaxRetries: DefaultMaxRetries, Backoff: DefaultBackoff}, DefaultPolicy())
}
