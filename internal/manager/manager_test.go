package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiaofeng19920506/crawl-worker/internal/clock/fake"
	"github.com/xiaofeng19920506/crawl-worker/internal/coordinator"
	"github.com/xiaofeng19920506/crawl-worker/internal/lock"
	"github.com/xiaofeng19920506/crawl-worker/internal/membership"
	"github.com/xiaofeng19920506/crawl-worker/internal/partition"
)

func newTestManager(t *testing.T, rotation bool) (*Manager, *coordinator.MemoryClient, *fake.Clock) {
	t.Helper()
	clk := fake.New(time.Unix(1_700_000_000, 0))
	client := coordinator.NewMemoryClient(clk.Now)

	lease := lock.New(client, clk, zap.NewNop(), "manager", "1", lock.Params{
		TTL:            60 * time.Second,
		Stale:          30 * time.Second,
		OwnershipDrift: 20 * time.Second,
	})
	require.NoError(t, lease.Acquire(context.Background()))

	m := New(client, clk, zap.NewNop(), lease, Params{
		TickPeriod:        5 * time.Second,
		TLive:             60 * time.Second,
		RotationEnabled:   rotation,
		RotationBatchSize: 50,
	})
	return m, client, clk
}

func heartbeatGenerals(t *testing.T, client *coordinator.MemoryClient, clk *fake.Clock, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, membership.Heartbeat(context.Background(), client, clk, membership.General, id))
	}
}

func readRange(t *testing.T, client *coordinator.MemoryClient, id string) partition.Range {
	t.Helper()
	var r partition.Range
	res, err := coordinator.GetJSON(context.Background(), client, coordinator.GeneralPages(id), &r)
	require.NoError(t, err)
	require.Equal(t, coordinator.JSONPresent, res, "pages for worker %s", id)
	return r
}

func TestColdStartEvenMode(t *testing.T) {
	t.Parallel()

	m, client, clk := newTestManager(t, false)
	ctx := context.Background()

	heartbeatGenerals(t, client, clk, "1", "2")
	require.NoError(t, coordinator.SetInt(ctx, client, coordinator.TotalPages(), 300))

	require.NoError(t, m.Tick(ctx))

	require.Equal(t, partition.Range{Start: 1, End: 150}, readRange(t, client, "1"))
	require.Equal(t, partition.Range{Start: 151, End: 300}, readRange(t, client, "2"))
	for _, id := range []string{"1", "2"} {
		done, err := coordinator.GetFlag(ctx, client, coordinator.GeneralComplete(id))
		require.NoError(t, err)
		require.True(t, done.IsAbsent())
	}
}

func TestWorkerJoinTriggersRepartition(t *testing.T) {
	t.Parallel()

	m, client, clk := newTestManager(t, false)
	ctx := context.Background()

	heartbeatGenerals(t, client, clk, "1", "2")
	require.NoError(t, coordinator.SetInt(ctx, client, coordinator.TotalPages(), 300))
	require.NoError(t, m.Tick(ctx))

	heartbeatGenerals(t, client, clk, "3")
	require.NoError(t, m.Tick(ctx))

	require.Equal(t, partition.Range{Start: 1, End: 100}, readRange(t, client, "1"))
	require.Equal(t, partition.Range{Start: 101, End: 200}, readRange(t, client, "2"))
	require.Equal(t, partition.Range{Start: 201, End: 300}, readRange(t, client, "3"))
}

func TestWorkerDeathReturnsPagesToPool(t *testing.T) {
	t.Parallel()

	m, client, clk := newTestManager(t, false)
	ctx := context.Background()

	heartbeatGenerals(t, client, clk, "1", "2", "3")
	require.NoError(t, coordinator.SetInt(ctx, client, coordinator.TotalPages(), 300))
	require.NoError(t, m.Tick(ctx))

	// Starve worker 2's heartbeat past T_live while 1 and 3 stay fresh.
	// Advance in two steps so the manager lock is refreshed along the way.
	clk.Advance(31 * time.Second)
	heartbeatGenerals(t, client, clk, "1", "3")
	require.NoError(t, m.Tick(ctx))

	clk.Advance(30 * time.Second)
	heartbeatGenerals(t, client, clk, "1", "3")
	require.NoError(t, m.Tick(ctx))

	require.Equal(t, partition.Range{Start: 1, End: 150}, readRange(t, client, "1"))
	require.Equal(t, partition.Range{Start: 151, End: 300}, readRange(t, client, "3"))

	_, err := client.Get(ctx, coordinator.GeneralPages("2"))
	require.ErrorIs(t, err, coordinator.ErrNotFound)
}

func TestEvenModeAdjacencyProperty(t *testing.T) {
	t.Parallel()

	m, client, clk := newTestManager(t, false)
	ctx := context.Background()

	ids := []string{"1", "2", "3", "4", "5", "6", "7"}
	heartbeatGenerals(t, client, clk, ids...)
	require.NoError(t, coordinator.SetInt(ctx, client, coordinator.TotalPages(), 1003))
	require.NoError(t, m.Tick(ctx))

	next := 1
	for _, id := range ids {
		r := readRange(t, client, id)
		if r.Empty() {
			continue
		}
		require.Equal(t, next, r.Start, "worker %s", id)
		next = r.End + 1
	}
	require.Equal(t, 1004, next)
}

func TestEvenModeLeavesProcessingWorkerUntouched(t *testing.T) {
	t.Parallel()

	m, client, clk := newTestManager(t, false)
	ctx := context.Background()

	heartbeatGenerals(t, client, clk, "1", "2")
	require.NoError(t, coordinator.SetInt(ctx, client, coordinator.TotalPages(), 300))
	require.NoError(t, m.Tick(ctx))

	// Worker 1 is mid-batch when worker 3 joins.
	require.NoError(t, coordinator.SetFlag(ctx, client, coordinator.GeneralProcessing("1"), true))
	heartbeatGenerals(t, client, clk, "3")
	require.NoError(t, m.Tick(ctx))

	require.Equal(t, partition.Range{Start: 1, End: 150}, readRange(t, client, "1"))
	require.Equal(t, partition.Range{Start: 101, End: 200}, readRange(t, client, "2"))
	require.Equal(t, partition.Range{Start: 201, End: 300}, readRange(t, client, "3"))
}

func TestRotationCycle(t *testing.T) {
	t.Parallel()

	m, client, clk := newTestManager(t, true)
	ctx := context.Background()

	heartbeatGenerals(t, client, clk, "1", "2")
	require.NoError(t, coordinator.SetInt(ctx, client, coordinator.TotalPages(), 120))

	// First assignment goes to worker 1.
	require.NoError(t, m.Tick(ctx))
	require.Equal(t, partition.Range{Start: 1, End: 50}, readRange(t, client, "1"))

	// Worker 2 still has no pages, so the next tick serves it.
	require.NoError(t, m.Tick(ctx))
	require.Equal(t, partition.Range{Start: 51, End: 100}, readRange(t, client, "2"))

	// Both busy: nothing to hand out.
	require.NoError(t, m.Tick(ctx))
	last, err := coordinator.GetInt(ctx, client, coordinator.RotationLastAssignedPage())
	require.NoError(t, err)
	n, _ := last.Present()
	require.Equal(t, 100, n)

	// Worker 1 drains its range and rotates back in for the tail.
	require.NoError(t, coordinator.SetFlag(ctx, client, coordinator.GeneralComplete("1"), true))
	require.NoError(t, m.Tick(ctx))
	require.Equal(t, partition.Range{Start: 101, End: 120}, readRange(t, client, "1"))

	// Cycle covered every page: the next tick resets to a clean slate.
	require.NoError(t, m.Tick(ctx))
	for _, key := range []string{
		coordinator.GeneralPages("1"),
		coordinator.GeneralPages("2"),
		coordinator.GeneralComplete("1"),
	} {
		_, err := client.Get(ctx, key)
		require.ErrorIs(t, err, coordinator.ErrNotFound, "key %s", key)
	}
	last, err = coordinator.GetInt(ctx, client, coordinator.RotationLastAssignedPage())
	require.NoError(t, err)
	n, _ = last.Present()
	require.Equal(t, 0, n)
}

func TestRotationInvalidCursorResetToZero(t *testing.T) {
	t.Parallel()

	m, client, clk := newTestManager(t, true)
	ctx := context.Background()

	heartbeatGenerals(t, client, clk, "1")
	require.NoError(t, coordinator.SetInt(ctx, client, coordinator.TotalPages(), 100))
	require.NoError(t, client.Set(ctx, coordinator.RotationIndex(), "garbage"))
	require.NoError(t, client.Set(ctx, coordinator.RotationLastAssignedPage(), "junk"))

	require.NoError(t, m.Tick(ctx))

	// Treated as zero and overwritten: assignment starts from page 1.
	require.Equal(t, partition.Range{Start: 1, End: 50}, readRange(t, client, "1"))
}

func TestTickDoesNothingWithoutTotalPages(t *testing.T) {
	t.Parallel()

	m, client, clk := newTestManager(t, false)
	ctx := context.Background()

	heartbeatGenerals(t, client, clk, "1")
	require.NoError(t, m.Tick(ctx))

	_, err := client.Get(ctx, coordinator.GeneralPages("1"))
	require.ErrorIs(t, err, coordinator.ErrNotFound)
}
