// Package coordinator serializes chain submissions for one signing identity.
//
// In local mode a single drain goroutine runs queued submissions one at a
// time, in arrival order. In distributed mode every submission is handed to
// the Redis queue and its single worker. Either way one key never has two
// transactions in flight.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/cmatc13/oracled/internal/events"
	"github.com/cmatc13/oracled/internal/resolution"
	"github.com/cmatc13/oracled/internal/storage"
	"github.com/cmatc13/oracled/pkg/errors"
	"github.com/cmatc13/oracled/pkg/logging"
	"github.com/cmatc13/oracled/pkg/metrics"
)

// recordTimeout bounds store and publish calls after a submission ends.
const recordTimeout = 5 * time.Second

// Executor runs one submission to completion. *chain.Submitter satisfies it.
type Executor interface {
	Execute(ctx context.Context, req resolution.Request) (string, error)
}

// Dispatcher hands a submission to another process and waits for its
// result. *queue.Queue satisfies it.
type Dispatcher interface {
	Submit(ctx context.Context, req resolution.Request) (string, error)
}

// Config wires a Coordinator. Set Executor for local mode or Dispatcher for
// distributed mode. With neither the coordinator reports not ready.
type Config struct {
	Executor   Executor
	Dispatcher Dispatcher
	Store      storage.Store
	Publisher  events.Publisher
	Logger     *logging.Logger
	Metrics    *metrics.Metrics
}

type result struct {
	hash string
	err  error
}

type task struct {
	ctx  context.Context
	req  resolution.Request
	done chan result
}

// Coordinator is the entry point for RegisterMarket and SubmitResolution.
type Coordinator struct {
	executor   Executor
	dispatcher Dispatcher
	store      storage.Store
	publisher  events.Publisher
	logger     *logging.Logger
	metrics    *metrics.Metrics

	mu      sync.Mutex
	pending []*task
	started bool
	stopped bool

	wake     chan struct{}
	quit     chan struct{}
	drained  chan struct{}
	stopOnce sync.Once
}

// New returns a coordinator for cfg.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Executor != nil && cfg.Dispatcher != nil {
		return nil, errors.New("coordinator accepts an executor or a dispatcher, not both")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NopPublisher{}
	}
	return &Coordinator{
		executor:   cfg.Executor,
		dispatcher: cfg.Dispatcher,
		store:      cfg.Store,
		publisher:  cfg.Publisher,
		logger:     cfg.Logger.Named("coordinator"),
		metrics:    cfg.Metrics,
		wake:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
		drained:    make(chan struct{}),
	}, nil
}

// IsReady reports whether a signing identity or a queue is wired.
func (c *Coordinator) IsReady() bool {
	return c.executor != nil || c.dispatcher != nil
}

// Mode returns "local", "distributed" or "" when not ready.
func (c *Coordinator) Mode() string {
	switch {
	case c.dispatcher != nil:
		return "distributed"
	case c.executor != nil:
		return "local"
	default:
		return ""
	}
}

// RegisterMarket registers a market on chain. It is best effort: failures,
// including an already registered market, are logged and reported as false.
func (c *Coordinator) RegisterMarket(ctx context.Context, marketID, eventDescription, resolutionCriteria string) (string, bool) {
	logger := c.logger.WithContext(ctx).WithField("market_id", marketID)
	if !c.IsReady() {
		logger.Warn("Skipping market registration: chain not configured")
		return "", false
	}

	hash, err := c.Submit(ctx, resolution.NewRegisterRequest(marketID, eventDescription, resolutionCriteria))
	if err != nil {
		logger.WithError(err).Warn("Market registration failed", "code", errors.CodeOf(err))
		return "", false
	}
	return hash, true
}

// SubmitResolution submits the outcome of a market and returns the
// transaction hash once the receipt confirms it.
func (c *Coordinator) SubmitResolution(ctx context.Context, marketID string, outcome resolution.Outcome, confidence float64, proofHash string) (string, error) {
	if !c.IsReady() {
		return "", notConfigured(marketID)
	}
	req, err := resolution.NewResolveRequest(marketID, outcome, confidence, proofHash)
	if err != nil {
		return "", err
	}
	return c.Submit(ctx, req)
}

// Submit runs req through the configured mechanism and records the outcome.
func (c *Coordinator) Submit(ctx context.Context, req resolution.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if !c.IsReady() {
		return "", notConfigured(req.MarketID)
	}

	start := time.Now()
	var (
		hash string
		err  error
	)
	if c.dispatcher != nil {
		hash, err = c.dispatcher.Submit(ctx, req)
	} else {
		hash, err = c.enqueue(ctx, req)
	}
	c.finish(ctx, req, hash, err, time.Since(start))
	return hash, err
}

// Pending returns the number of local submissions waiting to run.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Start launches the drain goroutine. Submit also starts it on first use.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errors.NewChainError(errors.ChainErrStopped, "coordinator stopped", nil)
	}
	c.startLocked()
	return nil
}

// Stop fails queued submissions, waits for the running one and closes the
// publisher.
func (c *Coordinator) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		abandoned := c.pending
		c.pending = nil
		started := c.started
		c.mu.Unlock()

		close(c.quit)
		for _, t := range abandoned {
			t.done <- result{err: errors.WrapWithField(
				errors.NewChainError(errors.ChainErrStopped, "coordinator stopped before submission ran", nil),
				"label", t.req.Label())}
		}
		if len(abandoned) > 0 {
			c.logger.Warn("Failed queued submissions on shutdown", "count", len(abandoned))
		}

		if started {
			select {
			case <-c.drained:
			case <-ctx.Done():
				err = ctx.Err()
				return
			}
		}
		c.publisher.Close()
	})
	return err
}

// startLocked must be called with c.mu held.
func (c *Coordinator) startLocked() {
	if c.started || c.executor == nil {
		return
	}
	c.started = true
	go c.drain()
}

func (c *Coordinator) enqueue(ctx context.Context, req resolution.Request) (string, error) {
	t := &task{ctx: ctx, req: req, done: make(chan result, 1)}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return "", errors.NewChainError(errors.ChainErrStopped, "coordinator stopped", nil)
	}
	c.startLocked()
	c.pending = append(c.pending, t)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}

	select {
	case r := <-t.done:
		return r.hash, r.err
	case <-ctx.Done():
		// The drain loop skips the task when it reaches it.
		return "", ctx.Err()
	}
}

func (c *Coordinator) drain() {
	defer close(c.drained)
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			select {
			case <-c.wake:
				continue
			case <-c.quit:
				return
			}
		}
		t := c.pending[0]
		c.pending[0] = nil
		c.pending = c.pending[1:]
		c.mu.Unlock()

		if err := t.ctx.Err(); err != nil {
			t.done <- result{err: err}
			continue
		}
		hash, err := c.executor.Execute(t.ctx, t.req)
		t.done <- result{hash: hash, err: err}
	}
}

func (c *Coordinator) finish(ctx context.Context, req resolution.Request, hash string, err error, elapsed time.Duration) {
	logger := c.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"label":     req.Label(),
		"market_id": req.MarketID,
	})

	status := storage.StatusConfirmed
	eventType := events.TypeConfirmed
	switch {
	case err == nil:
		logger.Info("Submission confirmed", "tx_hash", hash, "elapsed", elapsed.String())
	case errors.Is(err, errors.ErrSubmissionTimedOut):
		status, eventType = storage.StatusTimedOut, events.TypeTimedOut
		logger.WithError(err).Warn("Submission not observed completing in time")
	default:
		status, eventType = storage.StatusFailed, events.TypeFailed
		logger.WithError(err).Error("Submission failed", "code", errors.CodeOf(err))
	}

	if c.metrics != nil {
		c.metrics.RecordSubmission(string(req.Kind), string(status), elapsed)
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	// Market registrations are not resolutions and never replace a status record.
	if c.store != nil && req.Kind == resolution.KindSubmitResolution {
		rec := storage.Record{
			MarketID:  req.MarketID,
			Kind:      req.Kind,
			Status:    status,
			TxHash:    hash,
			UpdatedAt: time.Now().UTC(),
		}
		if r := req.Resolve; r != nil {
			rec.Outcome = r.Outcome
			rec.Confidence = r.Confidence
			rec.ProofHash = r.ProofHash.Hex()
		}
		if err != nil {
			rec.Error = err.Error()
			rec.Code = errors.CodeOf(err)
		}
		if serr := c.store.Save(rctx, rec); serr != nil {
			logger.WithError(serr).Warn("Failed to record submission")
		}
	}

	ev := events.NewEvent(eventType, req)
	ev.TxHash = hash
	if err != nil {
		ev.Error = err.Error()
		ev.Code = errors.CodeOf(err)
	}
	if perr := c.publisher.Publish(rctx, ev); perr != nil {
		logger.WithError(perr).Warn("Failed to publish submission event")
	}
}

func notConfigured(marketID string) error {
	return errors.WrapWithField(
		errors.NewChainError(errors.ChainErrNotConfigured, "no signing identity configured", nil),
		"market_id", marketID)
}
