package nonce

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Status is an operator view of an allocator.
type Status struct {
	Mode    string  `json:"mode"`
	Address string  `json:"address"`
	Next    *uint64 `json:"next,omitempty"`
	Drift   *Drift  `json:"drift,omitempty"`
}

// Describe reports the allocator state for addr. Shared allocators include
// the drift against the chain, which costs one RPC call.
func Describe(ctx context.Context, a Allocator, addr common.Address) (Status, error) {
	st := Status{Mode: a.Mode(), Address: addr.Hex()}
	switch a := a.(type) {
	case *LocalAllocator:
		if n, ok := a.Peek(addr); ok {
			st.Next = &n
		}
	case *SharedAllocator:
		d, err := a.Drift(ctx, addr)
		if err != nil {
			return st, err
		}
		next := d.Counter
		st.Next = &next
		st.Drift = &d
	}
	return st, nil
}
