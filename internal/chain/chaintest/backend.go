// Package chaintest provides an in-memory chain backend for tests.
package chaintest

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/cmatc13/oracled/internal/chain"
)

var _ chain.Backend = (*Backend)(nil)

// DefaultGas is returned by EstimateGas unless overridden.
const DefaultGas = 120_000

// Backend mines transactions in nonce order per sender as soon as they are
// contiguous with the confirmed count. Hooks run outside the lock.
type Backend struct {
	mu sync.Mutex

	chainID *big.Int
	signer  types.Signer
	// BaseFee selects dynamic-fee pricing when non-nil.
	BaseFee *big.Int

	confirmed map[common.Address]uint64
	queued    map[common.Address]map[uint64]*types.Transaction
	mined     []*types.Transaction
	receipts  map[common.Hash]*types.Receipt
	block     uint64

	nonceAtCalls int

	// OnSend may reject a transaction before the node accepts it.
	OnSend func(tx *types.Transaction) error
	// OnEstimate may fail gas estimation, e.g. to simulate a revert.
	OnEstimate func(msg ethereum.CallMsg) error
	// Reverts marks accepted transactions whose receipt reports failure.
	Reverts func(tx *types.Transaction) bool
	// HoldReceipts keeps mined transactions from reporting receipts.
	HoldReceipts bool
}

// NewBackend returns a legacy-priced backend for chainID.
func NewBackend(chainID int64) *Backend {
	id := big.NewInt(chainID)
	return &Backend{
		chainID:   id,
		signer:    types.LatestSignerForChainID(id),
		confirmed: make(map[common.Address]uint64),
		queued:    make(map[common.Address]map[uint64]*types.Transaction),
		receipts:  make(map[common.Hash]*types.Receipt),
	}
}

// NewKey returns a fresh hex-encoded private key and its address.
func NewKey() (string, common.Address) {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return hex.EncodeToString(crypto.FromECDSA(key)), crypto.PubkeyToAddress(key.PublicKey)
}

// SetConfirmed seeds the confirmed transaction count of addr.
func (b *Backend) SetConfirmed(addr common.Address, n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirmed[addr] = n
}

// Confirmed returns the confirmed transaction count of addr.
func (b *Backend) Confirmed(addr common.Address) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.confirmed[addr]
}

// Nonces returns the nonces of mined transactions in mining order.
func (b *Backend) Nonces() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint64, len(b.mined))
	for i, tx := range b.mined {
		out[i] = tx.Nonce()
	}
	return out
}

// Mined returns the mined transactions in mining order.
func (b *Backend) Mined() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Transaction(nil), b.mined...)
}

// NonceAtCalls counts NonceAt requests.
func (b *Backend) NonceAtCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonceAtCalls
}

// ReleaseReceipts clears HoldReceipts.
func (b *Backend) ReleaseReceipts() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.HoldReceipts = false
}

func (b *Backend) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.chainID), ctx.Err()
}

func (b *Backend) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonceAtCalls++
	return b.confirmed[account], nil
}

func (b *Backend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), ctx.Err()
}

func (b *Backend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), ctx.Err()
}

func (b *Backend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	h := &types.Header{Number: new(big.Int).SetUint64(b.block)}
	if b.BaseFee != nil {
		h.BaseFee = new(big.Int).Set(b.BaseFee)
	}
	return h, nil
}

func (b *Backend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if b.OnEstimate != nil {
		if err := b.OnEstimate(call); err != nil {
			return 0, err
		}
	}
	return DefaultGas, nil
}

func (b *Backend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.OnSend != nil {
		if err := b.OnSend(tx); err != nil {
			return err
		}
	}
	from, err := types.Sender(b.signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.confirmed[from]
	if tx.Nonce() < next {
		return fmt.Errorf("%w: address %s, tx: %d state: %d", core.ErrNonceTooLow, from.Hex(), tx.Nonce(), next)
	}
	pending := b.queued[from]
	if pending == nil {
		pending = make(map[uint64]*types.Transaction)
		b.queued[from] = pending
	}
	if _, dup := pending[tx.Nonce()]; dup {
		return fmt.Errorf("replacement transaction underpriced")
	}
	pending[tx.Nonce()] = tx

	for {
		queued, ok := pending[b.confirmed[from]]
		if !ok {
			break
		}
		delete(pending, queued.Nonce())
		b.mine(from, queued)
	}
	return nil
}

// mine must be called with b.mu held.
func (b *Backend) mine(from common.Address, tx *types.Transaction) {
	b.block++
	b.confirmed[from]++
	b.mined = append(b.mined, tx)

	status := types.ReceiptStatusSuccessful
	if b.Reverts != nil && b.Reverts(tx) {
		status = types.ReceiptStatusFailed
	}
	b.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		GasUsed:     tx.Gas(),
		BlockNumber: new(big.Int).SetUint64(b.block),
	}
}

func (b *Backend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[txHash]
	if !ok || b.HoldReceipts {
		return nil, ethereum.NotFound
	}
	return r, nil
}
