// pkg/errors/chain.go
package errors

// Chain error codes
const (
	// ChainErrNotConfigured indicates no signing identity is configured
	ChainErrNotConfigured = "CHAIN_NOT_CONFIGURED"
	// ChainErrNonceConflict indicates the chain rejected a nonce as used or out of sequence
	ChainErrNonceConflict = "CHAIN_NONCE_CONFLICT"
	// ChainErrRejected indicates a revert, insufficient funds or a malformed call
	ChainErrRejected = "CHAIN_REJECTED"
	// ChainErrRPC indicates a transport-level failure talking to the node
	ChainErrRPC = "CHAIN_RPC"
	// ChainErrInvalidRequest indicates a submission request failed validation
	ChainErrInvalidRequest = "CHAIN_INVALID_REQUEST"
	// ChainErrInvalidKey indicates the signing key could not be parsed
	ChainErrInvalidKey = "CHAIN_INVALID_KEY"
	// ChainErrStopped indicates the coordinator is shutting down
	ChainErrStopped = "CHAIN_STOPPED"
)

// Chain sentinels. Coded chain errors match these through errors.Is.
var (
	ErrChainNotConfigured = New("chain not configured")
	ErrNonceConflict      = New("nonce conflict")
	ErrChainRejected      = New("chain rejected transaction")
)

// Chain domain name
const ChainDomain = "chain"

// Chain operations
const (
	OpDial              = "Dial"
	OpRegisterMarket    = "RegisterMarket"
	OpSubmitResolution  = "SubmitResolution"
	OpReserveNonce      = "ReserveNonce"
	OpEstimateGas       = "EstimateGas"
	OpBuildTransaction  = "BuildTransaction"
	OpSignTransaction   = "SignTransaction"
	OpBroadcast         = "Broadcast"
	OpAwaitReceipt      = "AwaitReceipt"
	OpPackCall          = "PackCall"
	OpLoadSigner        = "LoadSigner"
	OpExecuteSubmission = "ExecuteSubmission"
)

// NewChainError creates a new chain error
func NewChainError(code string, message string, err error) error {
	return &Error{
		Domain:   ChainDomain,
		Code:     code,
		Message:  message,
		Original: err,
	}
}

// ChainErrorf creates a new chain error with formatted message
func ChainErrorf(code string, format string, args ...interface{}) error {
	return &Error{
		Domain:  ChainDomain,
		Code:    code,
		Message: Sprintf(format, args...),
	}
}

// ChainWrapWithCode wraps an error with chain domain and code
func ChainWrapWithCode(err error, operation string, code string, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    ChainDomain,
		Operation: operation,
		Code:      code,
		Message:   message,
		Original:  err,
	}
}

// IsChainError checks if an error is a chain error with the given code
func IsChainError(err error, code string) bool {
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Domain == ChainDomain && domainErr.Code == code
	}
	return false
}
