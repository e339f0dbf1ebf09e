// Package app assembles the oracle's components from configuration and runs
// them under the service registry.
package app

import (
	"context"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-redis/redis/v8"

	"github.com/cmatc13/oracled/internal/api"
	"github.com/cmatc13/oracled/internal/chain"
	"github.com/cmatc13/oracled/internal/coordinator"
	"github.com/cmatc13/oracled/internal/events"
	"github.com/cmatc13/oracled/internal/nonce"
	"github.com/cmatc13/oracled/internal/queue"
	"github.com/cmatc13/oracled/internal/retry"
	"github.com/cmatc13/oracled/internal/storage"
	"github.com/cmatc13/oracled/pkg/config"
	"github.com/cmatc13/oracled/pkg/errors"
	"github.com/cmatc13/oracled/pkg/health"
	"github.com/cmatc13/oracled/pkg/logging"
	"github.com/cmatc13/oracled/pkg/metrics"
	"github.com/cmatc13/oracled/pkg/service"
)

// Role selects which services a process runs.
type Role string

const (
	// RoleServer runs the API and the coordinator, plus the queue worker
	// when the queue is distributed and the worker is enabled.
	RoleServer Role = "oracled"
	// RoleWorker runs only the queue worker.
	RoleWorker Role = "chain-worker"
)

// App holds the wired components of one process.
type App struct {
	Role     Role
	Config   *config.Config
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
	Health   *health.Registry
	Services *service.Registry

	Redis       *redis.Client
	Node        *ethclient.Client
	Signer      *chain.Signer
	Nonces      nonce.Allocator
	Submitter   *chain.Submitter
	Queue       *queue.Queue
	Coordinator *coordinator.Coordinator
	Server      *api.Server

	closers []func()
}

// NewLogger builds the process logger from cfg.
func NewLogger(cfg *config.Config, role Role) *logging.Logger {
	return logging.New(logging.Config{
		Level:       logging.ParseLevel(cfg.Log.Level),
		Output:      os.Stdout,
		ServiceName: string(role),
		Environment: cfg.Log.Environment,
	})
}

// Build wires every component role needs. On error, anything already opened
// is closed.
func Build(ctx context.Context, cfg *config.Config, role Role, logger *logging.Logger) (*App, error) {
	if logger == nil {
		logger = NewLogger(cfg, role)
	}
	a := &App{
		Role:     role,
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics.New(metrics.Config{Namespace: cfg.Metrics.Namespace, ServiceName: string(role)}),
		Services: service.NewRegistry(logger),
	}
	a.Health = health.NewRegistry(logger)
	built := false
	defer func() {
		if !built {
			a.Close()
		}
	}()

	if cfg.Redis.Enabled() {
		rdb, err := storage.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.Redis = rdb
		a.closers = append(a.closers, func() { rdb.Close() })
		a.Health.Register("redis", health.RedisChecker(rdb.Options().Addr, a.observe("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})))
	}

	if err := a.buildChain(ctx); err != nil {
		return nil, err
	}

	if cfg.Queue.Mode == config.QueueModeDistributed {
		a.Queue = queue.New(a.Redis, queue.Options{
			Prefix:      cfg.Queue.Prefix,
			WaitTimeout: cfg.Queue.WaitTimeout,
			ResultTTL:   cfg.Queue.ResultTTL,
		}, logger, a.Metrics)
	}

	var err error
	switch role {
	case RoleWorker:
		err = a.buildWorker(true)
	default:
		err = a.buildServer(ctx)
	}
	if err != nil {
		return nil, err
	}
	built = true
	return a, nil
}

func (a *App) buildChain(ctx context.Context) error {
	cfg := a.Config.Chain
	if !cfg.Configured() {
		a.Logger.Warn("Chain not configured: submissions are disabled until RPC URL, private key and registry address are set")
		a.Health.Register("signer", health.SignerChecker("", false))
		return nil
	}

	node, err := chain.Dial(ctx, cfg.RPCURL)
	if err != nil {
		return err
	}
	a.Node = node
	a.closers = append(a.closers, node.Close)

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		idCtx, cancel := context.WithTimeout(ctx, cfg.RPCTimeout)
		chainID, err = node.ChainID(idCtx)
		cancel()
		if err != nil {
			return errors.ChainWrapWithCode(err, errors.OpDial, errors.ChainErrRPC, "failed to read chain id")
		}
	}

	if a.Signer, err = chain.NewSigner(cfg.PrivateKey, chainID); err != nil {
		return err
	}
	registry, err := chain.NewRegistry(cfg.RegistryAddress)
	if err != nil {
		return err
	}

	if a.Config.Nonce.Mode == config.NonceModeShared {
		shared := nonce.NewSharedAllocator(a.Redis, node, a.Logger)
		if _, err := shared.Init(ctx, a.Signer.Address()); err != nil {
			return err
		}
		a.Nonces = shared
	} else {
		a.Nonces = nonce.NewLocalAllocator(node)
	}

	a.Submitter, err = chain.NewSubmitter(chain.SubmitterConfig{
		Backend:  node,
		Signer:   a.Signer,
		Registry: registry,
		Nonces:   a.Nonces,
		Retry: retry.Policy{
			MaxRetries: cfg.MaxRetries,
			Backoff:    cfg.RetryBackoff,
		},
		RPCTimeout:     cfg.RPCTimeout,
		ReceiptTimeout: cfg.ReceiptTimeout,
		PollInterval:   cfg.ReceiptPollInterval,
		Logger:         a.Logger,
		Metrics:        a.Metrics,
	})
	if err != nil {
		return err
	}

	a.Health.Register("chain", health.ChainChecker(cfg.RPCURL, a.observe("chain", func(ctx context.Context) error {
		_, err := node.ChainID(ctx)
		return err
	})))
	a.Health.Register("signer", health.SignerChecker(a.Signer.Address().Hex(), true))

	a.Logger.Info("Chain configured",
		"chain_id", chainID.String(),
		"signer", a.Signer.Address().Hex(),
		"registry", registry.Address.Hex(),
		"nonce_mode", a.Nonces.Mode(),
	)
	return nil
}

// buildWorker registers the queue worker. required makes a missing queue or
// signer an error instead of a skip.
func (a *App) buildWorker(required bool) error {
	if a.Queue == nil || a.Submitter == nil {
		if required {
			return errors.New("the chain worker needs queue.mode=distributed and a configured chain")
		}
		return nil
	}
	worker := queue.NewWorkerService(queue.NewWorker(a.Queue, a.Submitter, a.Logger, a.Metrics))
	if err := a.Services.Register(worker); err != nil {
		return err
	}
	q := a.Queue
	a.Health.Register("queue", health.DependencyChecker("queue", a.observe("queue", func(ctx context.Context) error {
		_, err := q.Depth(ctx)
		return err
	})))
	return nil
}

func (a *App) buildServer(ctx context.Context) error {
	cfg := a.Config

	var store storage.Store = storage.NewMemoryStore()
	if a.Redis != nil {
		store = storage.NewRedisStore(a.Redis)
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Kafka.Enabled() {
		kp, err := events.NewKafkaPublisher(cfg.Kafka, a.Logger)
		if err != nil {
			return err
		}
		publisher = kp
		a.Health.Register("kafka", health.KafkaChecker(cfg.Kafka.Brokers, a.observe("kafka", kp.Ping)))
	}

	coordCfg := coordinator.Config{
		Store:     store,
		Publisher: publisher,
		Logger:    a.Logger,
		Metrics:   a.Metrics,
	}
	// Distributed readiness still requires a local signer, matching local mode.
	if a.Submitter != nil {
		if a.Queue != nil {
			coordCfg.Dispatcher = a.Queue
		} else {
			coordCfg.Executor = a.Submitter
		}
	}
	coord, err := coordinator.New(coordCfg)
	if err != nil {
		publisher.Close()
		return err
	}
	a.Coordinator = coord

	var coordDeps []string
	if cfg.Queue.WorkerEnabled {
		if err := a.buildWorker(false); err != nil {
			return err
		}
		if a.Queue != nil && a.Submitter != nil {
			coordDeps = append(coordDeps, "chain-worker")
		}
	}
	if err := a.Services.Register(coordinator.NewCoordinatorService(coord, coordDeps...)); err != nil {
		return err
	}

	var reporter api.NonceReporter
	if a.Nonces != nil {
		allocator, addr := a.Nonces, a.Signer.Address()
		reporter = func(ctx context.Context) (nonce.Status, error) {
			return nonce.Describe(ctx, allocator, addr)
		}
	}

	a.Server = api.NewServer(api.Options{
		Config:   cfg,
		Resolver: coord,
		Store:    store,
		Nonces:   reporter,
		Health:   a.Health,
		Logger:   a.Logger,
		Metrics:  a.Metrics,
	})
	return a.Services.Register(api.NewAPIService(a.Server, "coordinator"))
}

// observe wraps a dependency probe so every health check also updates the
// dependency metrics.
func (a *App) observe(dependency string, fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		start := time.Now()
		err := fn(ctx)
		a.Metrics.RecordDependencyLatency(string(a.Role), dependency, "health", time.Since(start))
		a.Metrics.RecordDependencyStatus(string(a.Role), dependency, err == nil)
		return err
	}
}

// Run starts every service, blocks until ctx is cancelled and then stops
// them within the API shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	uptimeDone := make(chan struct{})
	defer close(uptimeDone)
	a.Metrics.RecordUptime(uptimeDone)

	a.Logger.Info("Starting all services...")
	if err := a.Services.StartAll(ctx); err != nil {
		a.stop()
		return err
	}
	a.Logger.Info("All services started successfully")

	<-ctx.Done()
	a.Logger.Info("Shutting down gracefully...")
	if err := a.stop(); err != nil {
		return err
	}
	a.Logger.Info("Shutdown complete")
	return nil
}

func (a *App) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.API.ShutdownTimeout)
	defer cancel()
	return a.Services.StopAll(ctx)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
