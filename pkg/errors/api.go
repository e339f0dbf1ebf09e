// pkg/errors/api.go
package errors

import "net/http"

// API error codes
const (
	// APIErrBadRequest indicates a bad request
	APIErrBadRequest = "API_BAD_REQUEST"
	// APIErrUnauthorized indicates an unauthorized request
	APIErrUnauthorized = "API_UNAUTHORIZED"
	// APIErrNotFound indicates a resource was not found
	APIErrNotFound = "API_NOT_FOUND"
	// APIErrInternalServer indicates an internal server error
	APIErrInternalServer = "API_INTERNAL_SERVER"
	// APIErrServiceUnavailable indicates a service is unavailable
	APIErrServiceUnavailable = "API_SERVICE_UNAVAILABLE"
	// APIErrRateLimitExceeded indicates a rate limit was exceeded
	APIErrRateLimitExceeded = "API_RATE_LIMIT_EXCEEDED"
	// APIErrValidation indicates a validation error
	APIErrValidation = "API_VALIDATION"
)

// API domain name
const APIDomain = "api"

// API operations
const (
	OpHandleRequest    = "HandleRequest"
	OpAuthenticate     = "Authenticate"
	OpParseRequestBody = "ParseRequestBody"
	OpStartServer      = "StartServer"
	OpShutdownServer   = "ShutdownServer"
)

// NewAPIError creates a new API error
func NewAPIError(code string, message string, err error) error {
	return &Error{
		Domain:   APIDomain,
		Code:     code,
		Message:  message,
		Original: err,
	}
}

// IsAPIError checks if an error is an API error with the given code
func IsAPIError(err error, code string) bool {
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Domain == APIDomain && domainErr.Code == code
	}
	return false
}

// HTTPStatusFromError returns the HTTP status code for a domain error
func HTTPStatusFromError(err error) int {
	var domainErr *Error
	if !As(err, &domainErr) {
		return http.StatusInternalServerError
	}

	switch domainErr.Code {
	case APIErrBadRequest, APIErrValidation, ChainErrInvalidRequest:
		return http.StatusBadRequest
	case APIErrUnauthorized:
		return http.StatusUnauthorized
	case APIErrNotFound, StorageErrNotFound:
		return http.StatusNotFound
	case ChainErrNonceConflict:
		return http.StatusConflict
	case APIErrRateLimitExceeded:
		return http.StatusTooManyRequests
	case ChainErrRejected, ChainErrRPC:
		return http.StatusBadGateway
	case APIErrServiceUnavailable, ChainErrNotConfigured, ChainErrStopped:
		return http.StatusServiceUnavailable
	case QueueErrTimedOut:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
