package nonce

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAddr = common.HexToAddress("0x00000000000000000000000000000000000000Ab")

type fakeSource struct {
	mu    sync.Mutex
	count uint64
	calls int
	err   error
}

func (f *fakeSource) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if blockNumber != nil {
		return 0, errors.New("expected latest block")
	}
	return f.count, f.err
}

func (f *fakeSource) set(n uint64) {
	f.mu.Lock()
	f.count = n
	f.mu.Unlock()
}

func TestLocalAllocatorCachesAndIncrements(t *testing.T) {
	t.Parallel()

	src := &fakeSource{count: 7}
	a := NewLocalAllocator(src)
	ctx := context.Background()

	for want := uint64(7); want < 10; want++ {
		got, err := a.ReserveNext(ctx, testAddr)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, ModeLocal, a.Mode())

	next, ok := a.Peek(testAddr)
	require.True(t, ok)
	assert.Equal(t, uint64(10), next)
}

func TestLocalAllocatorInvalidateRereadsChain(t *testing.T) {
	t.Parallel()

	src := &fakeSource{count: 3}
	a := NewLocalAllocator(src)
	ctx := context.Background()

	_, err := a.ReserveNext(ctx, testAddr)
	require.NoError(t, err)

	src.set(5)
	a.Invalidate(testAddr)

	got, err := a.ReserveNext(ctx, testAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got)
	assert.Equal(t, 2, src.calls)
}

func TestLocalAllocatorConcurrentReservationsAreUnique(t *testing.T) {
	t.Parallel()

	a := NewLocalAllocator(&fakeSource{count: 100})
	const n = 50

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got []uint64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := a.ReserveNext(context.Background(), testAddr)
			assert.NoError(t, err)
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, v := range got {
		assert.Equal(t, uint64(100+i), v)
	}
}

func TestLocalAllocatorSourceError(t *testing.T) {
	t.Parallel()

	a := NewLocalAllocator(&fakeSource{err: errors.New("connection refused")})
	_, err := a.ReserveNext(context.Background(), testAddr)
	require.Error(t, err)
	_, ok := a.Peek(testAddr)
	assert.False(t, ok)
}

func newShared(t *testing.T, src Source) (*SharedAllocator, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewSharedAllocator(client, src, nil), mr, client
}

func TestSharedAllocatorSeedsFromConfirmedCount(t *testing.T) {
	t.Parallel()

	a, mr, _ := newShared(t, &fakeSource{count: 12})
	ctx := context.Background()

	first, err := a.ReserveNext(ctx, testAddr)
	require.NoError(t, err)
	second, err := a.ReserveNext(ctx, testAddr)
	require.NoError(t, err)

	assert.Equal(t, uint64(12), first)
	assert.Equal(t, uint64(13), second)

	// The stored value is the next nonce to assign.
	stored, err := mr.Get(Key(testAddr))
	require.NoError(t, err)
	assert.Equal(t, "14", stored)
	assert.Equal(t, "nonce:0x00000000000000000000000000000000000000ab", Key(testAddr))
}

func TestSharedAllocatorInitNeverClobbers(t *testing.T) {
	t.Parallel()

	src := &fakeSource{count: 4}
	a, mr, _ := newShared(t, src)
	ctx := context.Background()

	require.NoError(t, mr.Set(Key(testAddr), "9"))
	created, err := a.Init(ctx, testAddr)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := a.ReserveNext(ctx, testAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), got)
}

func TestSharedAllocatorInstancesNeverCollide(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	src := &fakeSource{count: 0}
	var allocators []*SharedAllocator
	for i := 0; i < 3; i++ {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		allocators = append(allocators, NewSharedAllocator(client, src, nil))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[uint64]bool{}
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(a *SharedAllocator) {
			defer wg.Done()
			v, err := a.ReserveNext(context.Background(), testAddr)
			assert.NoError(t, err)
			mu.Lock()
			assert.False(t, seen[v], "nonce %d reserved twice", v)
			seen[v] = true
			mu.Unlock()
		}(allocators[i%len(allocators)])
	}
	wg.Wait()

	for i := uint64(0); i < 30; i++ {
		assert.True(t, seen[i])
	}
}

func TestSharedAllocatorInvalidateIsNoop(t *testing.T) {
	t.Parallel()

	a, _, _ := newShared(t, &fakeSource{count: 1})
	ctx := context.Background()

	_, err := a.ReserveNext(ctx, testAddr)
	require.NoError(t, err)
	a.Invalidate(testAddr)

	got, err := a.ReserveNext(ctx, testAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got)
}

func TestSharedAllocatorResetAndDrift(t *testing.T) {
	t.Parallel()

	src := &fakeSource{count: 5}
	a, _, _ := newShared(t, src)
	ctx := context.Background()

	d, err := a.Drift(ctx, testAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(0), d.Drift)

	for i := 0; i < 3; i++ {
		_, err := a.ReserveNext(ctx, testAddr)
		require.NoError(t, err)
	}
	d, err = a.Drift(ctx, testAddr)
	require.NoError(t, err)
	assert.Equal(t, Drift{Counter: 8, Confirmed: 5, Drift: 3}, d)

	require.NoError(t, a.Reset(ctx, testAddr, 5))
	next, ok, err := a.Peek(ctx, testAddr)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(5), next)
}

func TestSharedAllocatorReseedsAfterFlush(t *testing.T) {
	t.Parallel()

	src := &fakeSource{count: 2}
	a, mr, _ := newShared(t, src)
	ctx := context.Background()

	_, err := a.ReserveNext(ctx, testAddr)
	require.NoError(t, err)

	mr.FlushAll()
	src.set(6)

	got, err := a.ReserveNext(ctx, testAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), got)
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	local := NewLocalAllocator(&fakeSource{count: 3})
	st, err := Describe(ctx, local, testAddr)
	require.NoError(t, err)
	assert.Equal(t, ModeLocal, st.Mode)
	assert.Nil(t, st.Next)

	_, err = local.ReserveNext(ctx, testAddr)
	require.NoError(t, err)
	st, err = Describe(ctx, local, testAddr)
	require.NoError(t, err)
	require.NotNil(t, st.Next)
	assert.Equal(t, uint64(4), *st.Next)

	src := &fakeSource{count: 5}
	shared, _, _ := newShared(t, src)
	for i := 0; i < 2; i++ {
		_, err := shared.ReserveNext(ctx, testAddr)
		require.NoError(t, err)
	}
	st, err = Describe(ctx, shared, testAddr)
	require.NoError(t, err)
	assert.Equal(t, ModeShared, st.Mode)
	assert.Equal(t, testAddr.Hex(), st.Address)
	require.NotNil(t, st.Drift)
	assert.Equal(t, uint64(7), *st.Next)
	assert.Equal(t, int64(2), st.Drift.Drift)
}
