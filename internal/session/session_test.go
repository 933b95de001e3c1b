package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiaofeng19920506/crawl-worker/internal/browser"
	"github.com/xiaofeng19920506/crawl-worker/internal/coordinator"
)

func TestPublishThenInstallFansOutCookies(t *testing.T) {
	t.Parallel()

	client := coordinator.NewMemoryClient(nil)
	ctx := context.Background()

	publisher := NewManager(client, zap.NewNop())
	require.NoError(t, publisher.Publish(ctx, []browser.Cookie{
		{Name: "session-id", Value: "abc", Domain: ".example.com"},
	}))

	// A second worker creates a context afterward and must see the jar
	// before its first navigation.
	consumer := NewManager(client, zap.NewNop())
	driver := browser.NewMemoryDriver()
	bctx, err := driver.OpenContext(ctx, browser.ContextOptions{})
	require.NoError(t, err)

	installed, err := consumer.Install(ctx, bctx)
	require.NoError(t, err)
	require.True(t, installed)

	got, err := bctx.Cookies(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "session-id", got[0].Name)
}

func TestSharedCookiesRequiresValidFlag(t *testing.T) {
	t.Parallel()

	client := coordinator.NewMemoryClient(nil)
	ctx := context.Background()
	m := NewManager(client, zap.NewNop())

	// No keys at all.
	_, ok, err := m.SharedCookies(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	// Cookies present but session marked invalid.
	require.NoError(t, m.Publish(ctx, []browser.Cookie{{Name: "a", Value: "b"}}))
	require.NoError(t, m.Invalidate(ctx))
	_, ok, err = m.SharedCookies(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSharedCookiesIgnoresCorruptJar(t *testing.T) {
	t.Parallel()

	client := coordinator.NewMemoryClient(nil)
	ctx := context.Background()
	m := NewManager(client, zap.NewNop())

	require.NoError(t, client.Set(ctx, coordinator.SessionCookies(), "{not json"))
	require.NoError(t, coordinator.SetFlag(ctx, client, coordinator.SessionValid(), true))

	_, ok, err := m.SharedCookies(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}
