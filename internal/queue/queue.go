// Package queue is a durable Redis-backed submission queue. Producers in any
// process enqueue jobs and wait for their results; a single worker drains
// them one at a time so one signing key never has two transactions in flight.
//
// Layout under the prefix p:
//
//	p:wait       LIST of job ids, pushed left, popped right
//	p:active     LIST of the id being processed
//	p:job:<id>   JSON Job
//	p:done:<id>  LIST holding one JSON Result, expiring after the result TTL
package queue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/cmatc13/oracled/internal/resolution"
	"github.com/cmatc13/oracled/pkg/errors"
	"github.com/cmatc13/oracled/pkg/logging"
	"github.com/cmatc13/oracled/pkg/metrics"
)

// Defaults for zero Options fields.
const (
	DefaultPrefix      = "chainjobs"
	DefaultWaitTimeout = 20 * time.Second
	DefaultResultTTL   = time.Hour

	// minBlock is the shortest timeout a blocking Redis command accepts.
	minBlock = time.Second
)

// Job is one persisted submission.
type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Data       json.RawMessage `json:"data"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Result is the completion record of a job. Error fields carry the code so
// the producer can rebuild a matchable error in another process.
type Result struct {
	JobID       string    `json:"jobId"`
	TxHash      string    `json:"txHash,omitempty"`
	Domain      string    `json:"domain,omitempty"`
	Code        string    `json:"code,omitempty"`
	Message     string    `json:"message,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

// Failed reports whether the job ended in an error.
func (r Result) Failed() bool {
	return r.Code != "" || r.Message != ""
}

// Err rebuilds the job's error, or nil on success.
func (r Result) Err() error {
	if !r.Failed() {
		return nil
	}
	return &errors.Error{Domain: r.Domain, Code: r.Code, Message: r.Message}
}

func resultFromError(jobID string, err error) Result {
	res := Result{JobID: jobID, CompletedAt: time.Now().UTC(), Message: err.Error()}
	var de *errors.Error
	if errors.As(err, &de) {
		res.Domain = de.Domain
		res.Code = de.Code
		res.Message = detail(de)
	}
	return res
}

// detail joins the messages of a chain of domain errors without their
// prefixes, since Err puts the outermost domain and code back.
func detail(de *errors.Error) string {
	var parts []string
	for {
		if de.Message != "" {
			parts = append(parts, de.Message)
		}
		if de.Original == nil {
			break
		}
		next, ok := de.Original.(*errors.Error)
		if !ok {
			parts = append(parts, de.Original.Error())
			break
		}
		de = next
	}
	return strings.Join(parts, ": ")
}

// Options tunes a Queue.
type Options struct {
	Prefix      string
	WaitTimeout time.Duration
	ResultTTL   time.Duration
}

// Queue is the producer side, shared by every process.
type Queue struct {
	client      *redis.Client
	prefix      string
	waitTimeout time.Duration
	resultTTL   time.Duration
	logger      *logging.Logger
	metrics     *metrics.Metrics
}

// New returns a queue on client.
func New(client *redis.Client, opts Options, logger *logging.Logger, m *metrics.Metrics) *Queue {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = DefaultResultTTL
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Queue{
		client:      client,
		prefix:      opts.Prefix,
		waitTimeout: opts.WaitTimeout,
		resultTTL:   opts.ResultTTL,
		logger:      logger.Named("queue"),
		metrics:     m,
	}
}

func (q *Queue) waitKey() string          { return q.prefix + ":wait" }
func (q *Queue) activeKey() string        { return q.prefix + ":active" }
func (q *Queue) jobKey(id string) string  { return q.prefix + ":job:" + id }
func (q *Queue) doneKey(id string) string { return q.prefix + ":done:" + id }

// Enqueue persists req as a job and appends it to the wait list.
func (q *Queue) Enqueue(ctx context.Context, req resolution.Request) (Job, error) {
	if err := req.Validate(); err != nil {
		return Job{}, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return Job{}, errors.QueueWrapWithCode(err, errors.OpEnqueue, errors.QueueErrEnqueue, "failed to encode request")
	}
	job := Job{
		ID:         uuid.NewString(),
		Name:       string(req.Kind),
		Data:       data,
		EnqueuedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return Job{}, errors.QueueWrapWithCode(err, errors.OpEnqueue, errors.QueueErrEnqueue, "failed to encode job")
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(job.ID), raw, 0)
		pipe.LPush(ctx, q.waitKey(), job.ID)
		return nil
	})
	if err != nil {
		return Job{}, errors.QueueWrapWithCode(err, errors.OpEnqueue, errors.QueueErrEnqueue, "failed to enqueue job")
	}

	q.logger.Debug("Job enqueued", "job_id", job.ID, "name", job.Name, "label", req.Label())
	return job, nil
}

// Await blocks until the job's result is published or timeout passes. On
// timeout the job is left queued and may still complete later.
func (q *Queue) Await(ctx context.Context, jobID string, timeout time.Duration) (Result, error) {
	if timeout < minBlock {
		timeout = minBlock
	}
	values, err := q.client.BLPop(ctx, timeout, q.doneKey(jobID)).Result()
	if err == redis.Nil {
		timedOut := errors.QueueWrapWithCode(errors.ErrTimeout, errors.OpAwait, errors.QueueErrTimedOut,
			errors.Sprintf("no completion observed within %s", timeout))
		return Result{}, errors.WrapWithField(timedOut, "job_id", jobID)
	}
	if err != nil {
		return Result{}, errors.QueueWrapWithCode(err, errors.OpAwait, errors.QueueErrResult, "failed to wait for job result")
	}

	// BLPOP replies with the key followed by the value.
	var res Result
	if err := json.Unmarshal([]byte(values[len(values)-1]), &res); err != nil {
		return Result{}, errors.QueueWrapWithCode(err, errors.OpAwait, errors.QueueErrResult, "failed to decode job result")
	}
	return res, nil
}

// Submit enqueues req and waits for its transaction hash.
func (q *Queue) Submit(ctx context.Context, req resolution.Request) (string, error) {
	job, err := q.Enqueue(ctx, req)
	if err != nil {
		return "", err
	}
	res, err := q.Await(ctx, job.ID, q.waitTimeout)
	if err != nil {
		return "", errors.WrapWithField(err, "label", req.Label())
	}
	if err := res.Err(); err != nil {
		return "", errors.WrapWithField(err, "job_id", job.ID)
	}
	return res.TxHash, nil
}

// Depth returns the number of jobs waiting.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.waitKey()).Result()
	if err != nil {
		return 0, errors.QueueWrapWithCode(err, errors.OpDepth, errors.QueueErrResult, "failed to read queue depth")
	}
	if q.metrics != nil {
		q.metrics.RecordQueueDepth(n)
	}
	return n, nil
}

// complete publishes res and removes the job. It runs detached from the
// caller's cancellation so a shutdown never strands a finished job.
func (q *Queue) complete(ctx context.Context, jobID string, res Result) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if res.CompletedAt.IsZero() {
		res.CompletedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return errors.QueueWrapWithCode(err, errors.OpProcessJob, errors.QueueErrResult, "failed to encode job result")
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, q.doneKey(jobID), raw)
		pipe.Expire(ctx, q.doneKey(jobID), q.resultTTL)
		pipe.LRem(ctx, q.activeKey(), 1, jobID)
		pipe.Del(ctx, q.jobKey(jobID))
		return nil
	})
	if err != nil {
		return errors.QueueWrapWithCode(err, errors.OpProcessJob, errors.QueueErrResult, "failed to publish job result")
	}
	return nil
}
