package browser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryDriverSharesTabsAcrossContexts(t *testing.T) {
	t.Parallel()

	d := NewMemoryDriver()
	ctx := context.Background()

	general, err := d.OpenContext(ctx, ContextOptions{})
	require.NoError(t, err)
	product, err := d.OpenContext(ctx, ContextOptions{})
	require.NoError(t, err)

	tab, err := general.OpenTab(ctx, "https://example.com/listing?page=1")
	require.NoError(t, err)

	tabs, err := product.Tabs(ctx)
	require.NoError(t, err)
	require.Len(t, tabs, 1)
	require.Equal(t, tab.ID, tabs[0].ID)
}

func TestMemoryContextCloseTabIsIdempotent(t *testing.T) {
	t.Parallel()

	d := NewMemoryDriver()
	ctx := context.Background()

	c, err := d.OpenContext(ctx, ContextOptions{})
	require.NoError(t, err)
	tab, err := c.OpenTab(ctx, "https://example.com/listing?page=1")
	require.NoError(t, err)

	require.NoError(t, c.CloseTab(ctx, tab.ID))
	require.NoError(t, c.CloseTab(ctx, tab.ID))
	require.Empty(t, d.OpenTabs())
}

func TestMemoryContextCookieJar(t *testing.T) {
	t.Parallel()

	d := NewMemoryDriver()
	ctx := context.Background()

	c, err := d.OpenContext(ctx, ContextOptions{
		Cookies: []Cookie{{Name: "session", Value: "abc"}},
	})
	require.NoError(t, err)

	got, err := c.Cookies(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "session", got[0].Name)

	require.NoError(t, c.SetCookies(ctx, []Cookie{{Name: "session", Value: "def"}}))
	got, err = c.Cookies(ctx)
	require.NoError(t, err)
	require.Equal(t, "def", got[0].Value)
}

func TestMemoryContextEvaluateUsesHook(t *testing.T) {
	t.Parallel()

	d := NewMemoryDriver()
	d.EvaluateFunc = func(tabID, script string, out any) error {
		*(out.(*int)) = 42
		return nil
	}
	ctx := context.Background()

	c, err := d.OpenContext(ctx, ContextOptions{})
	require.NoError(t, err)
	tab, err := c.OpenTab(ctx, "https://example.com/listing?page=1")
	require.NoError(t, err)

	var n int
	require.NoError(t, c.Evaluate(ctx, tab.ID, "1 + 41", &n))
	require.Equal(t, 42, n)
}
