package chain_test

import (
	"context"
	stderrors "errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/oracled/internal/chain"
	"github.com/cmatc13/oracled/internal/chain/chaintest"
	"github.com/cmatc13/oracled/internal/nonce"
	"github.com/cmatc13/oracled/internal/resolution"
	"github.com/cmatc13/oracled/internal/retry"
	"github.com/cmatc13/oracled/pkg/errors"
	"github.com/cmatc13/oracled/pkg/metrics"
)

const registryAddress = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

type harness struct {
	backend   *chaintest.Backend
	nonces    *nonce.LocalAllocator
	submitter *chain.Submitter
	registry  *chain.Registry
	from      common.Address
	metrics   *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	backend := chaintest.NewBackend(31337)
	key, from := chaintest.NewKey()
	signer, err := chain.NewSigner(key, big.NewInt(31337))
	require.NoError(t, err)
	require.Equal(t, from, signer.Address())

	registry, err := chain.NewRegistry(registryAddress)
	require.NoError(t, err)

	nonces := nonce.NewLocalAllocator(backend)
	m := metrics.New(metrics.DefaultConfig())
	submitter, err := chain.NewSubmitter(chain.SubmitterConfig{
		Backend:        backend,
		Signer:         signer,
		Registry:       registry,
		Nonces:         nonces,
		Retry:          retry.Policy{MaxRetries: 2, Backoff: time.Millisecond},
		ReceiptTimeout: time.Second,
		PollInterval:   5 * time.Millisecond,
		Metrics:        m,
	})
	require.NoError(t, err)

	return &harness{backend: backend, nonces: nonces, submitter: submitter, registry: registry, from: from, metrics: m}
}

func resolveRequest(t *testing.T, marketID string) resolution.Request {
	t.Helper()
	req, err := resolution.NewResolveRequest(marketID, resolution.OutcomeNo, 87.6, "proof of "+marketID)
	require.NoError(t, err)
	return req
}

func TestExecuteSubmitsLegacyTransaction(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.backend.SetConfirmed(h.from, 4)

	hash, err := h.submitter.Execute(context.Background(), resolveRequest(t, "m1"))
	require.NoError(t, err)

	mined := h.backend.Mined()
	require.Len(t, mined, 1)
	tx := mined[0]
	assert.Equal(t, tx.Hash().Hex(), hash)
	assert.Equal(t, uint64(4), tx.Nonce())
	assert.Equal(t, uint8(types.LegacyTxType), tx.Type())
	assert.Equal(t, h.registry.Address, *tx.To())
	assert.Equal(t, uint64(chaintest.DefaultGas), tx.Gas())

	method, ok := h.registry.Method(resolution.KindSubmitResolution)
	require.True(t, ok)
	assert.Equal(t, method.ID, tx.Data()[:4])

	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, "m1", args[0])
	assert.Equal(t, uint8(1), args[1])
	assert.Equal(t, uint8(88), args[2])
	assert.Equal(t, [32]byte(resolution.Keccak256([]byte("proof of m1"))), args[3])
}

func TestExecuteUsesDynamicFeesWhenBaseFeePresent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.backend.BaseFee = big.NewInt(10_000_000_000)

	_, err := h.submitter.Execute(context.Background(), resolution.NewRegisterRequest("m1", "Will it rain?", "NOAA"))
	require.NoError(t, err)

	tx := h.backend.Mined()[0]
	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, big.NewInt(1_000_000_000), tx.GasTipCap())
	assert.Equal(t, big.NewInt(21_000_000_000), tx.GasFeeCap())
	assert.Equal(t, big.NewInt(31337), tx.ChainId())
}

func TestExecuteRetriesStaleNonce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.backend.SetConfirmed(h.from, 5)
	ctx := context.Background()

	_, err := h.submitter.Execute(ctx, resolveRequest(t, "m1"))
	require.NoError(t, err)

	// Another tool spent nonces 6 and 7 behind our back.
	h.backend.SetConfirmed(h.from, 8)

	_, err = h.submitter.Execute(ctx, resolveRequest(t, "m2"))
	require.NoError(t, err)

	assert.Equal(t, []uint64{5, 8}, h.backend.Nonces())
	assert.Equal(t, 2, h.backend.NonceAtCalls())
	assert.Equal(t, 1.0, testutilCounter(h.metrics))
}

func TestExecuteGivesUpAfterRetryBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sends := 0
	h.backend.OnSend = func(*types.Transaction) error {
		sends++
		return stderrors.New("nonce has already been used")
	}

	_, err := h.submitter.Execute(context.Background(), resolveRequest(t, "m1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrNonceConflict)
	assert.Equal(t, 3, sends)

	var de *errors.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "submit:m1", de.Field("label"))
	assert.Equal(t, "m1", de.Field("market_id"))
}

func TestExecuteRevertDuringEstimateConsumesNoNonce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.backend.OnEstimate = func(ethereum.CallMsg) error {
		return stderrors.New("execution reverted: market already registered")
	}

	_, err := h.submitter.Execute(context.Background(), resolution.NewRegisterRequest("m1", "q", "c"))
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrRejected)
	assert.NotErrorIs(t, err, chain.ErrNonceConflict)

	_, cached := h.nonces.Peek(h.from)
	assert.False(t, cached)
	assert.Zero(t, h.backend.NonceAtCalls())
}

func TestExecuteFailedReceiptIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.backend.Reverts = func(*types.Transaction) bool { return true }

	_, err := h.submitter.Execute(context.Background(), resolveRequest(t, "m1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrRejected)

	var de *errors.Error
	require.True(t, errors.As(err, &de))
	assert.NotEmpty(t, de.Field("tx_hash"))
	// The nonce was spent on chain, so the cache keeps advancing.
	next, ok := h.nonces.Peek(h.from)
	require.True(t, ok)
	assert.Equal(t, uint64(1), next)
}

func TestExecuteReceiptTimeout(t *testing.T) {
	t.Parallel()

	backend := chaintest.NewBackend(1)
	backend.HoldReceipts = true
	key, _ := chaintest.NewKey()
	signer, err := chain.NewSigner(key, big.NewInt(1))
	require.NoError(t, err)
	registry, err := chain.NewRegistry(registryAddress)
	require.NoError(t, err)

	submitter, err := chain.NewSubmitter(chain.SubmitterConfig{
		Backend:        backend,
		Signer:         signer,
		Registry:       registry,
		Nonces:         nonce.NewLocalAllocator(backend),
		ReceiptTimeout: 30 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = submitter.Execute(context.Background(), resolveRequest(t, "m1"))
	require.Error(t, err)
	assert.True(t, errors.IsChainError(err, errors.ChainErrRPC))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecuteRejectsInvalidRequest(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.submitter.Execute(context.Background(), resolution.Request{MarketID: "m1", Kind: resolution.KindSubmitResolution})
	require.Error(t, err)
	assert.True(t, errors.IsChainError(err, errors.ChainErrInvalidRequest))
	assert.Empty(t, h.backend.Mined())
}

func TestNewSubmitterRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := chain.NewSubmitter(chain.SubmitterConfig{})
	assert.ErrorIs(t, err, chain.ErrNotConfigured)
}
