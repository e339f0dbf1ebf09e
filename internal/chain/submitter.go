package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/cmatc13/oracled/internal/resolution"
	"github.com/cmatc13/oracled/internal/retry"
	"github.com/cmatc13/oracled/pkg/errors"
	"github.com/cmatc13/oracled/pkg/logging"
	"github.com/cmatc13/oracled/pkg/metrics"
)

// Defaults for zero SubmitterConfig durations.
const (
	DefaultReceiptTimeout = 2 * time.Minute
	DefaultPollInterval   = time.Second
)

// NonceReserver hands out nonces for the signing address.
type NonceReserver interface {
	ReserveNext(ctx context.Context, addr common.Address) (uint64, error)
	Invalidate(addr common.Address)
}

// SubmitterConfig wires a Submitter.
type SubmitterConfig struct {
	Backend  Backend
	Signer   *Signer
	Registry *Registry
	Nonces   NonceReserver
	// Retry bounds nonce-conflict retries. IsRetryable defaults to IsNonceError.
	Retry retry.Policy
	// RPCTimeout bounds each individual node call. Zero means no per-call bound.
	RPCTimeout     time.Duration
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
	Logger         *logging.Logger
	Metrics        *metrics.Metrics
}

// Submitter executes one request at a time: estimate gas, reserve a nonce,
// build, sign, broadcast, then wait for the receipt. It does not serialize
// callers itself; the coordinator and the queue worker do.
type Submitter struct {
	backend        Backend
	signer         *Signer
	registry       *Registry
	nonces         NonceReserver
	policy         retry.Policy
	rpcTimeout     time.Duration
	receiptTimeout time.Duration
	pollInterval   time.Duration
	logger         *logging.Logger
	metrics        *metrics.Metrics
}

// NewSubmitter validates cfg and returns a Submitter.
func NewSubmitter(cfg SubmitterConfig) (*Submitter, error) {
	if cfg.Backend == nil || cfg.Signer == nil || cfg.Registry == nil || cfg.Nonces == nil {
		return nil, errors.NewChainError(errors.ChainErrNotConfigured, "submitter requires backend, signer, registry and nonce allocator", nil)
	}

	s := &Submitter{
		backend:        cfg.Backend,
		signer:         cfg.Signer,
		registry:       cfg.Registry,
		nonces:         cfg.Nonces,
		policy:         cfg.Retry,
		rpcTimeout:     cfg.RPCTimeout,
		receiptTimeout: cfg.ReceiptTimeout,
		pollInterval:   cfg.PollInterval,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
	}
	if s.receiptTimeout <= 0 {
		s.receiptTimeout = DefaultReceiptTimeout
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	if s.logger == nil {
		s.logger = logging.Nop()
	}
	s.logger = s.logger.Named("submitter").WithField("signer", cfg.Signer.Address().Hex())
	if s.policy.IsRetryable == nil {
		s.policy.IsRetryable = IsNonceError
	}
	if s.policy.Logger == nil {
		s.policy.Logger = s.logger
	}
	return s, nil
}

// Address returns the signing address.
func (s *Submitter) Address() common.Address {
	return s.signer.Address()
}

// Execute submits req and returns the transaction hash once a successful
// receipt is observed. Nonce-class failures are retried under the policy
// with the nonce cache invalidated between attempts.
func (s *Submitter) Execute(ctx context.Context, req resolution.Request) (string, error) {
	label := req.Label()
	op := operationFor(req.Kind)

	data, err := s.registry.Pack(req)
	if err != nil {
		return "", errors.WrapWithField(errors.WrapWithOperation(err, op), "label", label)
	}

	addr := s.signer.Address()
	policy := s.policy
	policy.Invalidate = func() { s.nonces.Invalidate(addr) }
	onRetry := s.policy.OnRetry
	policy.OnRetry = func(attempt int, err error) {
		if s.metrics != nil {
			s.metrics.RecordNonceRetry()
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}

	hash, err := retry.Run(ctx, policy, label, func(ctx context.Context) (string, error) {
		return s.send(ctx, label, data)
	})
	if err != nil {
		err = errors.WrapWithField(err, "label", label)
		return "", errors.WrapWithField(err, "market_id", req.MarketID)
	}
	return hash, nil
}

func operationFor(kind resolution.Kind) string {
	if kind == resolution.KindRegisterMarket {
		return errors.OpRegisterMarket
	}
	return errors.OpSubmitResolution
}

func (s *Submitter) send(ctx context.Context, label string, data []byte) (string, error) {
	from := s.signer.Address()
	to := s.registry.Address

	// Estimate before reserving so a reverting call never consumes a nonce.
	gas, err := s.estimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return "", classify(err, errors.OpEstimateGas, "gas estimation failed")
	}

	nonce, err := s.nonces.ReserveNext(ctx, from)
	if err != nil {
		return "", rpcError(err, errors.OpReserveNonce, "failed to reserve nonce")
	}
	if s.metrics != nil {
		s.metrics.RecordNonceReservation(nonceModeOf(s.nonces))
	}

	tx, err := s.buildTx(ctx, nonce, gas, to, data)
	if err != nil {
		s.nonces.Invalidate(from)
		return "", rpcError(err, errors.OpBuildTransaction, "failed to price transaction")
	}

	signed, err := s.signer.Sign(tx)
	if err != nil {
		s.nonces.Invalidate(from)
		return "", err
	}

	if err := s.broadcast(ctx, signed); err != nil {
		// The node never accepted this nonce.
		s.nonces.Invalidate(from)
		return "", classify(err, errors.OpBroadcast, "broadcast failed")
	}

	hash := signed.Hash()
	s.logger.Info("Transaction broadcast", "label", label, "tx_hash", hash.Hex(), "nonce", nonce, "gas", gas)

	receipt, err := s.waitMined(ctx, hash)
	if err != nil {
		return "", errors.WrapWithField(err, "tx_hash", hash.Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		err := errors.ChainWrapWithCode(errors.New("execution reverted"), errors.OpAwaitReceipt, errors.ChainErrRejected, "transaction failed on chain")
		return "", errors.WrapWithField(err, "tx_hash", hash.Hex())
	}

	s.logger.Info("Transaction confirmed", "label", label, "tx_hash", hash.Hex(), "block", receipt.BlockNumber)
	return hash.Hex(), nil
}

func (s *Submitter) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.rpcTimeout > 0 {
		return context.WithTimeout(ctx, s.rpcTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Submitter) estimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	return s.backend.EstimateGas(ctx, msg)
}

func (s *Submitter) broadcast(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	return s.backend.SendTransaction(ctx, tx)
}

// buildTx prices a dynamic-fee transaction when the head block carries a base
// fee and falls back to a legacy transaction otherwise.
func (s *Submitter) buildTx(ctx context.Context, nonce, gas uint64, to common.Address, data []byte) (*types.Transaction, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	head, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}

	if head.BaseFee != nil {
		tip, err := s.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, err
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   s.signer.ChainID(),
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Value:     new(big.Int),
			Data:      data,
		}), nil
	}

	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	}), nil
}

// waitMined polls for the receipt of hash until it appears or the receipt
// timeout passes. Lookup errors other than NotFound are logged and retried.
func (s *Submitter) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.fetchReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			s.logger.WithError(err).Debug("Receipt lookup failed", "tx_hash", hash.Hex())
		}

		select {
		case <-ctx.Done():
			return nil, errors.ChainWrapWithCode(ctx.Err(), errors.OpAwaitReceipt, errors.ChainErrRPC, "receipt not observed")
		case <-ticker.C:
		}
	}
}

func (s *Submitter) fetchReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	return s.backend.TransactionReceipt(ctx, hash)
}

func rpcError(err error, op, message string) error {
	var domainErr *errors.Error
	if errors.As(err, &domainErr) {
		return errors.WrapWithOperation(err, op)
	}
	return errors.ChainWrapWithCode(err, op, errors.ChainErrRPC, message)
}

// nonceModeOf labels reservations for metrics when the allocator reports a mode.
func nonceModeOf(n NonceReserver) string {
	if m, ok := n.(interface{ Mode() string }); ok {
		return m.Mode()
	}
	return "unknown"
}
