package chain

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/core"

	"github.com/cmatc13/oracled/pkg/errors"
)

// Re-exported so callers of this package need not import pkg/errors for matching.
var (
	ErrNotConfigured = errors.ErrChainNotConfigured
	ErrNonceConflict = errors.ErrNonceConflict
	ErrRejected      = errors.ErrChainRejected
	ErrTimedOut      = errors.ErrSubmissionTimedOut
)

// nonceMessages are node error texts that mean the nonce was already used or
// is out of sequence but do not contain the word "nonce".
var nonceMessages = []string{
	"replacement transaction underpriced",
}

// IsNonceError reports whether err means the nonce was already used or is out
// of sequence. A coded domain error is judged by its code alone. Remote nodes
// return plain JSON-RPC messages rather than typed errors, so for uncoded
// errors any message mentioning "nonce" counts.
func IsNonceError(err error) bool {
	if err == nil {
		return false
	}
	if code := errors.CodeOf(err); code != "" {
		return code == errors.ChainErrNonceConflict
	}
	if errors.Is(err, errors.ErrNonceConflict) ||
		errors.Is(err, core.ErrNonceTooLow) ||
		errors.Is(err, core.ErrNonceTooHigh) ||
		errors.Is(err, core.ErrNonceMax) {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "nonce") {
		return true
	}
	for _, m := range nonceMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// classify wraps a node failure with the code the rest of the service acts on.
func classify(err error, op, message string) error {
	if err == nil {
		return nil
	}
	var domainErr *errors.Error
	if errors.As(err, &domainErr) && domainErr.Domain == errors.ChainDomain {
		return errors.WrapWithOperation(err, op)
	}
	switch {
	case IsNonceError(err):
		return errors.ChainWrapWithCode(err, op, errors.ChainErrNonceConflict, message)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errors.ChainWrapWithCode(err, op, errors.ChainErrRPC, message)
	default:
		return errors.ChainWrapWithCode(err, op, errors.ChainErrRejected, message)
	}
}
