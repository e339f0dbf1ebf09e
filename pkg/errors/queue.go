// pkg/errors/queue.go
package errors

// Queue error codes
const (
	// QueueErrTimedOut indicates no completion was observed before the deadline
	QueueErrTimedOut = "QUEUE_TIMED_OUT"
	// QueueErrEnqueue indicates a job could not be persisted
	QueueErrEnqueue = "QUEUE_ENQUEUE"
	// QueueErrUnknownJob indicates the worker has no handler for a job name
	QueueErrUnknownJob = "QUEUE_UNKNOWN_JOB"
	// QueueErrStalled indicates a job was abandoned by a crashed worker
	QueueErrStalled = "QUEUE_STALLED"
	// QueueErrMalformedJob indicates a job payload could not be decoded
	QueueErrMalformedJob = "QUEUE_MALFORMED_JOB"
	// QueueErrResult indicates a completion result could not be read or written
	QueueErrResult = "QUEUE_RESULT"
)

// ErrSubmissionTimedOut is returned when a distributed submission is not observed
// completing in time. The job may still complete later.
var ErrSubmissionTimedOut = New("submission timed out")

// Queue domain name
const QueueDomain = "queue"

// Queue operations
const (
	OpEnqueue     = "Enqueue"
	OpAwait       = "Await"
	OpProcessJob  = "ProcessJob"
	OpFailStalled = "FailStalled"
	OpDepth       = "Depth"
)

// NewQueueError creates a new queue error
func NewQueueError(code string, message string, err error) error {
	return &Error{
		Domain:   QueueDomain,
		Code:     code,
		Message:  message,
		Original: err,
	}
}

// QueueWrapWithCode wraps an error with queue domain and code
func QueueWrapWithCode(err error, operation string, code string, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    QueueDomain,
		Operation: operation,
		Code:      code,
		Message:   message,
		Original:  err,
	}
}

// IsQueueError checks if an error is a queue error with the given code
func IsQueueError(err error, code string) bool {
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Domain == QueueDomain && domainErr.Code == code
	}
	return false
}
