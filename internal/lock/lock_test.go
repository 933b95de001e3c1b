package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiaofeng19920506/crawl-worker/internal/clock/fake"
	"github.com/xiaofeng19920506/crawl-worker/internal/coordinator"
)

func testParams() Params {
	return Params{
		TTL:            60 * time.Second,
		Stale:          30 * time.Second,
		OwnershipDrift: 20 * time.Second,
	}
}

func TestAcquireMutualExclusion(t *testing.T) {
	ctx := context.Background()
	clk := fake.New(time.Unix(1000, 0))
	client := coordinator.NewMemoryClient(clk.Now)

	a := New(client, clk, zap.NewNop(), "manager", "1", testParams())
	b := New(client, clk, zap.NewNop(), "manager", "1", testParams())

	require.NoError(t, a.Acquire(ctx))
	require.True(t, a.Held())

	err := b.Acquire(ctx)
	require.ErrorIs(t, err, ErrHeld)
	require.False(t, b.Held())
}

func TestAcquireRecoversAfterStaleExpiry(t *testing.T) {
	ctx := context.Background()
	clk := fake.New(time.Unix(1000, 0))
	client := coordinator.NewMemoryClient(clk.Now)
	params := testParams()

	a := New(client, clk, zap.NewNop(), "general", "1", params)
	require.NoError(t, a.Acquire(ctx))

	// Simulate a crash: a stops refreshing. Advance past Stale+Refresh
	// (spec §8 property 1: recovery within STALE+REFRESH seconds).
	clk.Advance(params.Stale + 10*time.Second)

	b := New(client, clk, zap.NewNop(), "general", "1", params)
	require.NoError(t, b.Acquire(ctx))
	require.True(t, b.Held())
}

func TestAcquireFailsWhileHolderIsFresh(t *testing.T) {
	ctx := context.Background()
	clk := fake.New(time.Unix(1000, 0))
	client := coordinator.NewMemoryClient(clk.Now)
	params := testParams()

	a := New(client, clk, zap.NewNop(), "product", "7", params)
	require.NoError(t, a.Acquire(ctx))

	clk.Advance(5 * time.Second)

	b := New(client, clk, zap.NewNop(), "product", "7", params)
	require.ErrorIs(t, b.Acquire(ctx), ErrHeld)
}

func TestRefreshExtendsLease(t *testing.T) {
	ctx := context.Background()
	clk := fake.New(time.Unix(1000, 0))
	client := coordinator.NewMemoryClient(clk.Now)
	params := testParams()

	a := New(client, clk, zap.NewNop(), "manager", "1", params)
	require.NoError(t, a.Acquire(ctx))

	clk.Advance(50 * time.Second)
	require.NoError(t, a.Refresh(ctx))
	require.True(t, a.Held())

	// Without the refresh the TTL (60s) would have lapsed by now.
	clk.Advance(50 * time.Second)
	v, err := client.Get(ctx, a.Key())
	require.NoError(t, err)
	require.NotEmpty(t, v)
}

func TestRefreshDetectsLostOwnership(t *testing.T) {
	ctx := context.Background()
	clk := fake.New(time.Unix(1000, 0))
	client := coordinator.NewMemoryClient(clk.Now)
	params := testParams()

	a := New(client, clk, zap.NewNop(), "manager", "1", params)
	require.NoError(t, a.Acquire(ctx))

	// Another holder steals the lock key directly (simulating a second
	// process winning a steal race after a's lease looked stale to them).
	require.NoError(t, client.Delete(ctx, a.Key()))
	require.NoError(t, client.Set(ctx, a.Key(), "999999999999"))

	err := a.Refresh(ctx)
	require.ErrorIs(t, err, ErrLost)
	require.False(t, a.Held())
}

func TestRefreshOnUnheldLockFails(t *testing.T) {
	ctx := context.Background()
	clk := fake.New(time.Unix(1000, 0))
	client := coordinator.NewMemoryClient(clk.Now)
	a := New(client, clk, zap.NewNop(), "manager", "1", testParams())

	require.ErrorIs(t, a.Refresh(ctx), ErrLost)
}

func TestReleaseDeletesKey(t *testing.T) {
	ctx := context.Background()
	clk := fake.New(time.Unix(1000, 0))
	client := coordinator.NewMemoryClient(clk.Now)
	params := testParams()

	a := New(client, clk, zap.NewNop(), "manager", "1", params)
	require.NoError(t, a.Acquire(ctx))
	require.NoError(t, a.Release(ctx))

	_, err := client.Get(ctx, a.Key())
	require.ErrorIs(t, err, coordinator.ErrNotFound)

	b := New(client, clk, zap.NewNop(), "manager", "1", params)
	require.NoError(t, b.Acquire(ctx))
}
