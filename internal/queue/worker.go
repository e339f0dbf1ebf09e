package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/cmatc13/oracled/internal/resolution"
	"github.com/cmatc13/oracled/pkg/errors"
	"github.com/cmatc13/oracled/pkg/logging"
	"github.com/cmatc13/oracled/pkg/metrics"
)

// Handler executes one submission. *chain.Submitter satisfies it.
type Handler interface {
	Execute(ctx context.Context, req resolution.Request) (string, error)
}

// Worker drains the queue with concurrency 1. Run only one per signing key.
type Worker struct {
	queue   *Queue
	handler Handler
	logger  *logging.Logger
	metrics *metrics.Metrics

	// PollTimeout bounds each blocking pop so Run notices cancellation.
	PollTimeout time.Duration
	// ErrorBackoff is the pause after a Redis error.
	ErrorBackoff time.Duration
}

// NewWorker returns a worker for q dispatching to h.
func NewWorker(q *Queue, h Handler, logger *logging.Logger, m *metrics.Metrics) *Worker {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Worker{
		queue:        q,
		handler:      h,
		logger:       logger.Named("worker"),
		metrics:      m,
		PollTimeout:  minBlock,
		ErrorBackoff: time.Second,
	}
}

// Run processes jobs until ctx is cancelled. Cancellation is observed
// between jobs only.
func (w *Worker) Run(ctx context.Context) error {
	if n, err := w.FailStalled(ctx); err != nil {
		w.logger.WithError(err).Warn("Failed to clear stalled jobs")
	} else if n > 0 {
		w.logger.Warn("Failed stalled jobs", "count", n)
	}

	w.logger.Info("Worker started", "prefix", w.queue.prefix)
	for {
		if ctx.Err() != nil {
			w.logger.Info("Worker stopped")
			return nil
		}

		id, err := w.queue.client.BRPopLPush(ctx, w.queue.waitKey(), w.queue.activeKey(), w.PollTimeout).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.WithError(err).Error("Failed to pop job")
			select {
			case <-ctx.Done():
			case <-time.After(w.ErrorBackoff):
			}
			continue
		}

		// A popped job may be broadcast at any point, so it runs to completion
		// even when the worker is stopping. The receipt timeout bounds it.
		w.process(context.WithoutCancel(ctx), id)
		if _, err := w.queue.Depth(ctx); err != nil && ctx.Err() == nil {
			w.logger.WithError(err).Debug("Failed to read queue depth")
		}
	}
}

// FailStalled fails every job left active by a worker that stopped mid-job.
// Such a job may already have been broadcast, so it is never retried.
func (w *Worker) FailStalled(ctx context.Context) (int, error) {
	ids, err := w.queue.client.LRange(ctx, w.queue.activeKey(), 0, -1).Result()
	if err != nil {
		return 0, errors.QueueWrapWithCode(err, errors.OpFailStalled, errors.QueueErrResult, "failed to list active jobs")
	}
	for _, id := range ids {
		stalled := errors.NewQueueError(errors.QueueErrStalled, "job abandoned by a stopped worker; it may have been broadcast and is not retried", nil)
		if err := w.queue.complete(ctx, id, resultFromError(id, stalled)); err != nil {
			return 0, err
		}
		w.record("unknown", "stalled")
	}
	return len(ids), nil
}

func (w *Worker) process(ctx context.Context, id string) {
	logger := w.logger.WithField("job_id", id)

	job, req, err := w.load(ctx, id)
	if err != nil {
		logger.WithError(err).Error("Rejected job")
		w.finish(ctx, logger, id, job.Name, resultFromError(id, err))
		return
	}

	logger.Info("Processing job", "name", job.Name, "label", req.Label(), "waited", time.Since(job.EnqueuedAt).String())
	hash, err := w.handler.Execute(ctx, req)
	if err != nil {
		logger.WithError(err).Error("Job failed", "name", job.Name, "label", req.Label())
		w.finish(ctx, logger, id, job.Name, resultFromError(id, err))
		return
	}

	logger.Info("Job completed", "name", job.Name, "label", req.Label(), "tx_hash", hash)
	w.finish(ctx, logger, id, job.Name, Result{JobID: id, TxHash: hash})
}

func (w *Worker) load(ctx context.Context, id string) (Job, resolution.Request, error) {
	var (
		job Job
		req resolution.Request
	)
	raw, err := w.queue.client.Get(ctx, w.queue.jobKey(id)).Bytes()
	if err == redis.Nil {
		return job, req, errors.NewQueueError(errors.QueueErrMalformedJob, "job payload missing", nil)
	}
	if err != nil {
		return job, req, errors.QueueWrapWithCode(err, errors.OpProcessJob, errors.QueueErrResult, "failed to load job")
	}
	if err := json.Unmarshal(raw, &job); err != nil {
		return job, req, errors.QueueWrapWithCode(err, errors.OpProcessJob, errors.QueueErrMalformedJob, "failed to decode job")
	}

	switch resolution.Kind(job.Name) {
	case resolution.KindRegisterMarket, resolution.KindSubmitResolution:
	default:
		return job, req, errors.NewQueueError(errors.QueueErrUnknownJob, "unknown job: "+job.Name, nil)
	}

	if err := json.Unmarshal(job.Data, &req); err != nil {
		return job, req, errors.QueueWrapWithCode(err, errors.OpProcessJob, errors.QueueErrMalformedJob, "failed to decode job data")
	}
	if string(req.Kind) != job.Name {
		return job, req, errors.NewQueueError(errors.QueueErrMalformedJob, "job name does not match request kind", nil)
	}
	return job, req, nil
}

func (w *Worker) finish(ctx context.Context, logger *logging.Logger, id, name string, res Result) {
	status := "completed"
	if res.Failed() {
		status = "failed"
	}
	if name == "" {
		name = "unknown"
	}
	w.record(name, status)

	if err := w.queue.complete(ctx, id, res); err != nil {
		logger.WithError(err).Error("Failed to publish job result")
	}
}

func (w *Worker) record(name, status string) {
	if w.metrics != nil {
		w.metrics.RecordQueueJob(name, status)
	}
}
