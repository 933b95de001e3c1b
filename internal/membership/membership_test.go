package membership

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xiaofeng19920506/crawl-worker/internal/clock/fake"
	"github.com/xiaofeng19920506/crawl-worker/internal/coordinator"
)

func TestHeartbeatRegistersAndLiveIDsFiltersStale(t *testing.T) {
	ctx := context.Background()
	clk := fake.New(time.Unix(1000, 0))
	c := coordinator.NewMemoryClient(clk.Now)
	tLive := 60 * time.Second

	require.NoError(t, Heartbeat(ctx, c, clk, General, "2"))
	require.NoError(t, Heartbeat(ctx, c, clk, General, "1"))

	live, err := LiveIDs(ctx, c, clk, General, tLive)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, live)

	// "2" stops heartbeating; advance past T_live.
	clk.Advance(61 * time.Second)
	require.NoError(t, Heartbeat(ctx, c, clk, General, "1"))

	live, err = LiveIDs(ctx, c, clk, General, tLive)
	require.NoError(t, err)
	require.Equal(t, []string{"1"}, live)
}

func TestLiveIDsNumericOrdering(t *testing.T) {
	ctx := context.Background()
	clk := fake.New(time.Unix(1000, 0))
	c := coordinator.NewMemoryClient(clk.Now)

	for _, id := range []string{"10", "2", "1"} {
		require.NoError(t, Heartbeat(ctx, c, clk, Product, id))
	}

	live, err := LiveIDs(ctx, c, clk, Product, 60*time.Second)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "10"}, live)
}

func TestDeregisterRemovesFromSet(t *testing.T) {
	ctx := context.Background()
	clk := fake.New(time.Unix(1000, 0))
	c := coordinator.NewMemoryClient(clk.Now)

	require.NoError(t, Heartbeat(ctx, c, clk, General, "1"))
	require.NoError(t, Heartbeat(ctx, c, clk, General, "2"))
	require.NoError(t, Deregister(ctx, c, General, "1"))

	live, err := LiveIDs(ctx, c, clk, General, 60*time.Second)
	require.NoError(t, err)
	require.Equal(t, []string{"2"}, live)

	_, err = c.Get(ctx, coordinator.GeneralHeartbeat("1"))
	require.ErrorIs(t, err, coordinator.ErrNotFound)
}

func TestLiveIDsEmptyWhenNeverSeen(t *testing.T) {
	ctx := context.Background()
	clk := fake.New(time.Unix(1000, 0))
	c := coordinator.NewMemoryClient(clk.Now)

	live, err := LiveIDs(ctx, c, clk, General, 60*time.Second)
	require.NoError(t, err)
	require.Empty(t, live)
}
