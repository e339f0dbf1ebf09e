// pkg/errors/errors.go
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Sprintf is a convenience function for fmt.Sprintf
func Sprintf(format string, args ...interface{}) string {
	return fmt.Sprintf(format, args...)
}

// Standard errors provides a way to check error types
var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnauthorized  = errors.New("unauthorized access")
	ErrInternal      = errors.New("internal error")
	ErrUnavailable   = errors.New("service unavailable")
	ErrTimeout       = errors.New("operation timed out")
)

// sentinelByCode lets a coded domain error match its sentinel through errors.Is,
// including errors rebuilt from a code after crossing a process boundary.
var sentinelByCode = map[string]error{
	ChainErrNotConfigured: ErrChainNotConfigured,
	ChainErrNonceConflict: ErrNonceConflict,
	ChainErrRejected:      ErrChainRejected,
	QueueErrTimedOut:      ErrSubmissionTimedOut,
	StorageErrNotFound:    ErrNotFound,
}

// Unwrap provides compatibility with the standard errors package
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// Is provides compatibility with the standard errors package
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As provides compatibility with the standard errors package
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New creates a new error with the given message
func New(message string) error {
	return errors.New(message)
}

// Error represents a domain error with additional context
type Error struct {
	// Original is the original error
	Original error
	// Domain is the domain of the error (e.g., "chain", "queue", "storage")
	Domain string
	// Code is a machine-readable error code
	Code string
	// Message is a human-readable error message
	Message string
	// Operation is the operation that failed (e.g., "SubmitResolution", "ReserveNonce")
	Operation string
	// Fields contains additional context about the error
	Fields map[string]interface{}
	// Stack contains the stack trace
	Stack string
}

// Error implements the error interface
func (e *Error) Error() string {
	var sb strings.Builder

	// Format: [Domain.Operation] Code=CODE: Message: Original
	sb.WriteString("[")
	if e.Domain != "" {
		sb.WriteString(e.Domain)
		if e.Operation != "" {
			sb.WriteString(".")
			sb.WriteString(e.Operation)
		}
	} else if e.Operation != "" {
		sb.WriteString(e.Operation)
	}
	sb.WriteString("] ")

	if e.Code != "" {
		sb.WriteString("Code=")
		sb.WriteString(e.Code)
		sb.WriteString(": ")
	}

	if e.Message != "" {
		sb.WriteString(e.Message)
	}

	if e.Original != nil {
		if e.Message != "" {
			sb.WriteString(": ")
		}
		sb.WriteString(e.Original.Error())
	}

	return sb.String()
}

// Unwrap implements the errors.Unwrapper interface
func (e *Error) Unwrap() error {
	return e.Original
}

// Is reports whether the error's code maps to target.
func (e *Error) Is(target error) bool {
	sentinel, ok := sentinelByCode[e.Code]
	return ok && sentinel == target
}

// Field returns a context field, or nil.
func (e *Error) Field(key string) interface{} {
	if e.Fields == nil {
		return nil
	}
	return e.Fields[key]
}

// clone copies the error so wrappers never modify the original
func (e *Error) clone() *Error {
	c := *e
	if e.Fields != nil {
		c.Fields = make(map[string]interface{}, len(e.Fields))
		for k, v := range e.Fields {
			c.Fields[k] = v
		}
	}
	return &c
}

// WithStack adds a stack trace to the error
func WithStack(err error) error {
	if err == nil {
		return nil
	}

	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Stack != "" {
		return err
	}

	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stackBuilder strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			fmt.Fprintf(&stackBuilder, "%s:%d %s\n", frame.File, frame.Line, frame.Function)
		}
		if !more {
			break
		}
	}

	if errors.As(err, &domainErr) {
		c := domainErr.clone()
		c.Stack = stackBuilder.String()
		return c
	}

	return &Error{
		Original: err,
		Stack:    stackBuilder.String(),
	}
}

// Wrap wraps an error with a message
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	var domainErr *Error
	if errors.As(err, &domainErr) {
		c := domainErr.clone()
		c.Message = message
		return c
	}

	return &Error{
		Original: err,
		Message:  message,
	}
}

// WrapWithOperation wraps an error with an operation
func WrapWithOperation(err error, operation string) error {
	if err == nil {
		return nil
	}

	var domainErr *Error
	if errors.As(err, &domainErr) {
		c := domainErr.clone()
		c.Operation = operation
		return c
	}

	return &Error{
		Original:  err,
		Operation: operation,
	}
}

// WrapWithField wraps an error with a field
func WrapWithField(err error, key string, value interface{}) error {
	if err == nil {
		return nil
	}

	var domainErr *Error
	if errors.As(err, &domainErr) {
		c := domainErr.clone()
		if c.Fields == nil {
			c.Fields = make(map[string]interface{})
		}
		c.Fields[key] = value
		return c
	}

	return &Error{
		Original: err,
		Fields:   map[string]interface{}{key: value},
	}
}

// CodeOf returns the code of the outermost domain error in err's chain.
func CodeOf(err error) string {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// DomainOf returns the domain of the outermost domain error in err's chain.
func DomainOf(err error) string {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Domain
	}
	return ""
}

// E is a convenience function for creating domain errors
func E(args ...interface{}) error {
	if len(args) == 0 {
		return nil
	}

	e := &Error{}

	for _, arg := range args {
		switch a := arg.(type) {
		case string:
			if e.Message == "" {
				e.Message = a
			} else if e.Domain == "" {
				e.Domain = a
			} else if e.Operation == "" {
				e.Operation = a
			} else if e.Code == "" {
				e.Code = a
			}
		case error:
			e.Original = a
		case map[string]interface{}:
			e.Fields = a
		}
	}

	return e
}
