// Package nonce hands out transaction nonces for the signing address, either
// from an in-process cache or from a counter shared through Redis.
package nonce

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cmatc13/oracled/pkg/errors"
)

// Allocator modes.
const (
	ModeLocal  = "local"
	ModeShared = "shared"
)

// Source reports the confirmed transaction count of an account.
// A nil block number means the latest block, never the pending state.
type Source interface {
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}

// Allocator reserves strictly increasing nonces for an address.
type Allocator interface {
	ReserveNext(ctx context.Context, addr common.Address) (uint64, error)
	Invalidate(addr common.Address)
	Mode() string
}

// Key returns the shared counter key for addr.
func Key(addr common.Address) string {
	return "nonce:" + strings.ToLower(addr.Hex())
}

func confirmedCount(ctx context.Context, src Source, addr common.Address) (uint64, error) {
	n, err := src.NonceAt(ctx, addr, nil)
	if err != nil {
		return 0, errors.ChainWrapWithCode(err, errors.OpReserveNonce, errors.ChainErrRPC, "failed to read confirmed nonce")
	}
	return n, nil
}

// LocalAllocator caches the next nonce per address in memory. The first
// reservation, and the first after Invalidate, reads the confirmed count.
type LocalAllocator struct {
	source Source
	mu     sync.Mutex
	next   map[common.Address]uint64
}

// NewLocalAllocator returns an allocator backed by src.
func NewLocalAllocator(src Source) *LocalAllocator {
	return &LocalAllocator{source: src, next: make(map[common.Address]uint64)}
}

// Mode returns ModeLocal.
func (a *LocalAllocator) Mode() string { return ModeLocal }

// ReserveNext returns the cached nonce for addr and advances the cache.
func (a *LocalAllocator) ReserveNext(ctx context.Context, addr common.Address) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, ok := a.next[addr]
	if !ok {
		var err error
		if n, err = confirmedCount(ctx, a.source, addr); err != nil {
			return 0, err
		}
	}
	a.next[addr] = n + 1
	return n, nil
}

// Invalidate drops the cached nonce so the next reservation re-reads the chain.
func (a *LocalAllocator) Invalidate(addr common.Address) {
	a.mu.Lock()
	delete(a.next, addr)
	a.mu.Unlock()
}

// Peek returns the cached next nonce, if any.
func (a *LocalAllocator) Peek(addr common.Address) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.next[addr]
	return n, ok
}
