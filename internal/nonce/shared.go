package nonce

import (
	"context"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redis/v8"

	"github.com/cmatc13/oracled/pkg/errors"
	"github.com/cmatc13/oracled/pkg/logging"
)

// reserveScript increments the counter and returns the value it held, or -1
// when the key does not exist so the caller can seed it first.
var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
return redis.call('INCR', KEYS[1]) - 1
`)

// SharedAllocator keeps "the next nonce to assign" in Redis so several
// processes signing with one key never draw the same value. The counter is
// authoritative: it is seeded from the chain once and never re-synced.
type SharedAllocator struct {
	client *redis.Client
	source Source
	logger *logging.Logger
}

// NewSharedAllocator returns an allocator on client seeded from src.
func NewSharedAllocator(client *redis.Client, src Source, logger *logging.Logger) *SharedAllocator {
	if logger == nil {
		logger = logging.Nop()
	}
	return &SharedAllocator{client: client, source: src, logger: logger.Named("nonce")}
}

// Mode returns ModeShared.
func (a *SharedAllocator) Mode() string { return ModeShared }

// Init seeds the counter with the confirmed count unless it already exists.
// It reports whether this call created the key.
func (a *SharedAllocator) Init(ctx context.Context, addr common.Address) (bool, error) {
	n, err := confirmedCount(ctx, a.source, addr)
	if err != nil {
		return false, err
	}
	created, err := a.client.SetNX(ctx, Key(addr), n, 0).Result()
	if err != nil {
		return false, errors.StorageWrapWithCode(err, errors.OpSet, errors.StorageErrWrite, "failed to seed shared nonce")
	}
	if created {
		a.logger.Info("Seeded shared nonce", "address", addr.Hex(), "nonce", n)
	}
	return created, nil
}

// ReserveNext atomically takes the next nonce from the shared counter,
// seeding it first when it is missing.
func (a *SharedAllocator) ReserveNext(ctx context.Context, addr common.Address) (uint64, error) {
	key := Key(addr)
	for attempt := 0; attempt < 2; attempt++ {
		v, err := reserveScript.Run(ctx, a.client, []string{key}).Int64()
		if err != nil {
			return 0, errors.StorageWrapWithCode(err, errors.OpIncrement, errors.StorageErrWrite, "failed to reserve shared nonce")
		}
		if v >= 0 {
			return uint64(v), nil
		}
		if _, err := a.Init(ctx, addr); err != nil {
			return 0, err
		}
	}
	return 0, errors.NewStorageError(errors.StorageErrNotFound, "shared nonce key vanished after seeding", nil)
}

// Invalidate is a no-op: the shared counter is never rolled back, so a
// failed submission leaves a gap rather than risking a reused nonce.
func (a *SharedAllocator) Invalidate(common.Address) {}

// Peek returns the next nonce to assign without reserving it.
func (a *SharedAllocator) Peek(ctx context.Context, addr common.Address) (uint64, bool, error) {
	raw, err := a.client.Get(ctx, Key(addr)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.StorageWrapWithCode(err, errors.OpGet, errors.StorageErrRead, "failed to read shared nonce")
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, errors.StorageWrapWithCode(err, errors.OpDeserialize, errors.StorageErrDeserialization, "shared nonce is not a number")
	}
	return n, true, nil
}

// Reset overwrites the counter. It is an operator action and is never called
// automatically.
func (a *SharedAllocator) Reset(ctx context.Context, addr common.Address, next uint64) error {
	if err := a.client.Set(ctx, Key(addr), next, 0).Err(); err != nil {
		return errors.StorageWrapWithCode(err, errors.OpSet, errors.StorageErrWrite, "failed to reset shared nonce")
	}
	a.logger.Warn("Shared nonce reset", "address", addr.Hex(), "nonce", next)
	return nil
}

// Drift is the counter minus the confirmed count. Positive drift is made of
// in-flight transactions and gaps left by failures.
type Drift struct {
	Counter   uint64 `json:"counter"`
	Confirmed uint64 `json:"confirmed"`
	Drift     int64  `json:"drift"`
}

// Drift compares the shared counter with the chain.
func (a *SharedAllocator) Drift(ctx context.Context, addr common.Address) (Drift, error) {
	counter, ok, err := a.Peek(ctx, addr)
	if err != nil {
		return Drift{}, err
	}
	confirmed, err := confirmedCount(ctx, a.source, addr)
	if err != nil {
		return Drift{}, err
	}
	if !ok {
		counter = confirmed
	}
	return Drift{Counter: counter, Confirmed: confirmed, Drift: int64(counter) - int64(confirmed)}, nil
}
