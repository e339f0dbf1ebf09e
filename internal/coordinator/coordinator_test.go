package coordinator_test

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/oracled/internal/chain"
	"github.com/cmatc13/oracled/internal/chain/chaintest"
	"github.com/cmatc13/oracled/internal/coordinator"
	"github.com/cmatc13/oracled/internal/events"
	"github.com/cmatc13/oracled/internal/nonce"
	"github.com/cmatc13/oracled/internal/queue"
	"github.com/cmatc13/oracled/internal/resolution"
	"github.com/cmatc13/oracled/internal/retry"
	"github.com/cmatc13/oracled/internal/storage"
	"github.com/cmatc13/oracled/pkg/errors"
	"github.com/cmatc13/oracled/pkg/metrics"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	closed int
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

// gatedExecutor blocks each submission until released and records arrival order.
type gatedExecutor struct {
	mu      sync.Mutex
	order   []string
	started chan string
	gate    chan struct{}
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{started: make(chan string, 16), gate: make(chan struct{})}
}

func (g *gatedExecutor) Execute(ctx context.Context, req resolution.Request) (string, error) {
	g.mu.Lock()
	g.order = append(g.order, req.MarketID)
	g.mu.Unlock()
	g.started <- req.MarketID
	<-g.gate
	return "0x" + req.MarketID, nil
}

// next returns the market id of the next submission to reach the executor.
func (g *gatedExecutor) next(t *testing.T) string {
	t.Helper()
	select {
	case id := <-g.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("no submission reached the executor")
		return ""
	}
}

func newSubmitter(t *testing.T, backend *chaintest.Backend) (*chain.Submitter, common.Address) {
	t.Helper()
	key, from := chaintest.NewKey()
	signer, err := chain.NewSigner(key, big.NewInt(31337))
	require.NoError(t, err)
	registry, err := chain.NewRegistry("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	require.NoError(t, err)

	s, err := chain.NewSubmitter(chain.SubmitterConfig{
		Backend:        backend,
		Signer:         signer,
		Registry:       registry,
		Nonces:         nonce.NewLocalAllocator(backend),
		Retry:          retry.Policy{MaxRetries: 2, Backoff: time.Millisecond},
		ReceiptTimeout: 2 * time.Second,
		PollInterval:   2 * time.Millisecond,
	})
	require.NoError(t, err)
	return s, from
}

func newCoordinator(t *testing.T, cfg coordinator.Config) *coordinator.Coordinator {
	t.Helper()
	c, err := coordinator.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return c
}

func TestConcurrentSubmissionsReceiveContiguousNonces(t *testing.T) {
	t.Parallel()

	backend := chaintest.NewBackend(31337)
	submitter, from := newSubmitter(t, backend)
	backend.SetConfirmed(from, 10)

	store := storage.NewMemoryStore()
	m := metrics.New(metrics.DefaultConfig())
	c := newCoordinator(t, coordinator.Config{Executor: submitter, Store: store, Metrics: m})

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.SubmitResolution(context.Background(), fmt.Sprintf("m%d", i), resolution.OutcomeYes, 75, "proof")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	nonces := backend.Nonces()
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	want := make([]uint64, n)
	for i := range want {
		want[i] = uint64(10 + i)
	}
	assert.Equal(t, want, nonces)
	assert.Equal(t, uint64(10+n), backend.Confirmed(from))

	latest, err := store.Latest(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, latest, n)
	assert.Equal(t, float64(n), testutil.ToFloat64(m.SubmissionCount.WithLabelValues(string(resolution.KindSubmitResolution), "confirmed")))
}

func TestSubmissionsRunInArrivalOrder(t *testing.T) {
	t.Parallel()

	backend := chaintest.NewBackend(31337)
	submitter, _ := newSubmitter(t, backend)
	started := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	backend.OnSend = func(tx *types.Transaction) error {
		if tx.Nonce() == 0 {
			once.Do(func() { close(started) })
			<-gate
		}
		return nil
	}
	c := newCoordinator(t, coordinator.Config{Executor: submitter})

	hashes := make(map[string]string)
	var mu sync.Mutex
	var wg sync.WaitGroup
	submit := func(id string) {
		defer wg.Done()
		hash, err := c.SubmitResolution(context.Background(), id, resolution.OutcomeNo, 50, "proof")
		assert.NoError(t, err)
		mu.Lock()
		hashes[id] = hash
		mu.Unlock()
	}

	wg.Add(1)
	go submit("a")
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first submission never broadcast")
	}

	wg.Add(1)
	go submit("b")
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)

	close(gate)
	wg.Wait()

	mined := backend.Mined()
	require.Len(t, mined, 2)
	assert.Equal(t, uint64(0), mined[0].Nonce())
	assert.Equal(t, mined[0].Hash().Hex(), hashes["a"])
	assert.Equal(t, uint64(1), mined[1].Nonce())
	assert.Equal(t, mined[1].Hash().Hex(), hashes["b"])
}

func TestNotConfigured(t *testing.T) {
	t.Parallel()

	c := newCoordinator(t, coordinator.Config{})
	assert.False(t, c.IsReady())
	assert.Empty(t, c.Mode())

	_, err := c.SubmitResolution(context.Background(), "m1", resolution.OutcomeYes, 90, "proof")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrChainNotConfigured))

	hash, ok := c.RegisterMarket(context.Background(), "m1", "event", "criteria")
	assert.False(t, ok)
	assert.Empty(t, hash)
}

func TestNewRejectsBothMechanisms(t *testing.T) {
	t.Parallel()

	_, err := coordinator.New(coordinator.Config{Executor: newGatedExecutor(), Dispatcher: &queue.Queue{}})
	require.Error(t, err)
}

func TestRegisterMarketIsBestEffort(t *testing.T) {
	t.Parallel()

	backend := chaintest.NewBackend(31337)
	submitter, _ := newSubmitter(t, backend)
	var mu sync.Mutex
	registered := map[string]bool{}
	backend.OnEstimate = func(msg ethereum.CallMsg) error {
		mu.Lock()
		defer mu.Unlock()
		key := string(msg.Data)
		if registered[key] {
			return fmt.Errorf("execution reverted: market already registered")
		}
		registered[key] = true
		return nil
	}
	pub := &recordingPublisher{}
	store := storage.NewMemoryStore()
	c := newCoordinator(t, coordinator.Config{Executor: submitter, Store: store, Publisher: pub})

	hash, ok := c.RegisterMarket(context.Background(), "m1", "Will it rain?", "Met office report")
	require.True(t, ok)
	assert.NotEmpty(t, hash)

	hash, ok = c.RegisterMarket(context.Background(), "m1", "Will it rain?", "Met office report")
	assert.False(t, ok)
	assert.Empty(t, hash)

	// The revert happened at estimation and consumed no nonce.
	assert.Equal(t, []uint64{0}, backend.Nonces())
	assert.Equal(t, []events.Type{events.TypeConfirmed, events.TypeFailed}, pub.types())

	_, err := store.Get(context.Background(), "m1")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestFailedResolutionIsRecorded(t *testing.T) {
	t.Parallel()

	backend := chaintest.NewBackend(31337)
	backend.OnEstimate = func(ethereum.CallMsg) error { return fmt.Errorf("insufficient funds for gas * price + value") }
	submitter, _ := newSubmitter(t, backend)
	store := storage.NewMemoryStore()
	c := newCoordinator(t, coordinator.Config{Executor: submitter, Store: store})

	_, err := c.SubmitResolution(context.Background(), "m1", resolution.OutcomeInvalid, 12.4, "evidence")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrChainRejected))

	rec, err := store.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, rec.Status)
	assert.Equal(t, errors.ChainErrRejected, rec.Code)
	assert.Equal(t, resolution.OutcomeInvalid, rec.Outcome)
	assert.Equal(t, uint8(12), rec.Confidence)
	assert.Equal(t, resolution.Keccak256([]byte("evidence")).Hex(), rec.ProofHash)
}

func TestStopFailsQueuedSubmissions(t *testing.T) {
	t.Parallel()

	exec := newGatedExecutor()
	pub := &recordingPublisher{}
	c, err := coordinator.New(coordinator.Config{Executor: exec, Publisher: pub})
	require.NoError(t, err)

	results := make(chan error, 2)
	go func() {
		_, err := c.SubmitResolution(context.Background(), "a", resolution.OutcomeYes, 1, "proof")
		results <- err
	}()
	assert.Equal(t, "a", exec.next(t))
	go func() {
		_, err := c.SubmitResolution(context.Background(), "b", resolution.OutcomeYes, 1, "proof")
		results <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop(context.Background()) }()

	err = <-results
	require.Error(t, err)
	assert.True(t, errors.IsChainError(err, errors.ChainErrStopped))

	close(exec.gate)
	require.NoError(t, <-results)
	require.NoError(t, <-stopped)
	assert.Equal(t, []string{"a"}, exec.order)
	assert.Equal(t, 1, pub.closed)

	_, err = c.SubmitResolution(context.Background(), "c", resolution.OutcomeYes, 1, "proof")
	assert.True(t, errors.IsChainError(err, errors.ChainErrStopped))
}

func TestCancelledSubmissionIsSkipped(t *testing.T) {
	t.Parallel()

	exec := newGatedExecutor()
	c := newCoordinator(t, coordinator.Config{Executor: exec})

	first := make(chan error, 1)
	go func() {
		_, err := c.SubmitResolution(context.Background(), "a", resolution.OutcomeYes, 1, "proof")
		first <- err
	}()
	assert.Equal(t, "a", exec.next(t))

	ctx, cancel := context.WithCancel(context.Background())
	second := make(chan error, 1)
	go func() {
		_, err := c.SubmitResolution(ctx, "b", resolution.OutcomeYes, 1, "proof")
		second <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-second, context.Canceled)

	close(exec.gate)
	require.NoError(t, <-first)
	require.Eventually(t, func() bool { return c.Pending() == 0 }, time.Second, time.Millisecond)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Equal(t, []string{"a"}, exec.order)
}

func newQueue(t *testing.T, opts queue.Options) *queue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return queue.New(client, opts, nil, nil)
}

func TestDistributedTimeoutIsRecorded(t *testing.T) {
	t.Parallel()

	q := newQueue(t, queue.Options{WaitTimeout: time.Millisecond})
	pub := &recordingPublisher{}
	store := storage.NewMemoryStore()
	c := newCoordinator(t, coordinator.Config{Dispatcher: q, Store: store, Publisher: pub})
	assert.Equal(t, "distributed", c.Mode())

	_, err := c.SubmitResolution(context.Background(), "m1", resolution.OutcomeNo, 60, "proof")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSubmissionTimedOut))

	rec, err := store.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusTimedOut, rec.Status)
	assert.Equal(t, []events.Type{events.TypeTimedOut}, pub.types())
}

func TestDistributedSubmission(t *testing.T) {
	t.Parallel()

	q := newQueue(t, queue.Options{WaitTimeout: 5 * time.Second})
	backend := chaintest.NewBackend(31337)
	submitter, _ := newSubmitter(t, backend)
	svc := queue.NewWorkerService(queue.NewWorker(q, submitter, nil, nil))
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	store := storage.NewMemoryStore()
	c := newCoordinator(t, coordinator.Config{Dispatcher: q, Store: store})

	hash, err := c.SubmitResolution(context.Background(), "m1", resolution.OutcomeYes, 100, "proof")
	require.NoError(t, err)

	mined := backend.Mined()
	require.Len(t, mined, 1)
	assert.Equal(t, mined[0].Hash().Hex(), hash)

	rec, err := store.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusConfirmed, rec.Status)
	assert.Equal(t, hash, rec.TxHash)
}

func TestCoordinatorService(t *testing.T) {
	t.Parallel()

	c, err := coordinator.New(coordinator.Config{})
	require.NoError(t, err)
	svc := coordinator.NewCoordinatorService(c, "chain-worker")

	assert.Equal(t, []string{"chain-worker"}, svc.Dependencies())
	require.Error(t, svc.Health())
	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Health())
	require.NoError(t, svc.Stop(context.Background()))
	require.Error(t, svc.Health())
}
