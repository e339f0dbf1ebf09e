package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormat(t *testing.T) {
	t.Parallel()

	err := ChainWrapWithCode(stderrors.New("execution reverted"), OpSubmitResolution, ChainErrRejected, "broadcast failed")
	assert.Equal(t, "[chain.SubmitResolution] Code=CHAIN_REJECTED: broadcast failed: execution reverted", err.Error())
}

func TestCodedErrorsMatchSentinels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"not configured", NewChainError(ChainErrNotConfigured, "no signer", nil), ErrChainNotConfigured},
		{"nonce conflict", NewChainError(ChainErrNonceConflict, "nonce too low", nil), ErrNonceConflict},
		{"rejected", NewChainError(ChainErrRejected, "reverted", nil), ErrChainRejected},
		{"timed out", NewQueueError(QueueErrTimedOut, "no completion", nil), ErrSubmissionTimedOut},
		{"rebuilt from code", &Error{Domain: QueueDomain, Code: QueueErrTimedOut}, ErrSubmissionTimedOut},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.ErrorIs(t, tt.err, tt.sentinel)
			assert.ErrorIs(t, fmt.Errorf("outer: %w", tt.err), tt.sentinel)
		})
	}

	assert.NotErrorIs(t, NewChainError(ChainErrRejected, "reverted", nil), ErrNonceConflict)
}

func TestWrapDoesNotMutateOriginal(t *testing.T) {
	t.Parallel()

	orig := &Error{Domain: ChainDomain, Code: ChainErrRejected, Message: "first"}
	wrapped := WrapWithField(Wrap(orig, "second"), "label", "submit:m1")

	assert.Equal(t, "first", orig.Message)
	assert.Nil(t, orig.Fields)

	var de *Error
	require.True(t, As(wrapped, &de))
	assert.Equal(t, "second", de.Message)
	assert.Equal(t, "submit:m1", de.Field("label"))
	assert.Equal(t, ChainErrRejected, CodeOf(wrapped))
	assert.Equal(t, ChainDomain, DomainOf(wrapped))
}

func TestHTTPStatusFromError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatusFromError(NewChainError(ChainErrNotConfigured, "", nil)))
	assert.Equal(t, http.StatusConflict, HTTPStatusFromError(NewChainError(ChainErrNonceConflict, "", nil)))
	assert.Equal(t, http.StatusBadGateway, HTTPStatusFromError(NewChainError(ChainErrRejected, "", nil)))
	assert.Equal(t, http.StatusGatewayTimeout, HTTPStatusFromError(NewQueueError(QueueErrTimedOut, "", nil)))
	assert.Equal(t, http.StatusBadRequest, HTTPStatusFromError(NewChainError(ChainErrInvalidRequest, "", nil)))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusFromError(stderrors.New("plain")))
}
