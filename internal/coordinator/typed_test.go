package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetIntClassification(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient(nil)

	v, err := GetInt(ctx, c, "totalPages")
	require.NoError(t, err)
	require.True(t, v.IsAbsent())

	require.NoError(t, SetInt(ctx, c, "totalPages", 300))
	v, err = GetInt(ctx, c, "totalPages")
	require.NoError(t, err)
	n, ok := v.Present()
	require.True(t, ok)
	require.Equal(t, 300, n)

	require.NoError(t, c.Set(ctx, "totalPages", "not-a-number"))
	v, err = GetInt(ctx, c, "totalPages")
	require.NoError(t, err)
	raw, invalid := v.IsInvalid()
	require.True(t, invalid)
	require.Equal(t, "not-a-number", raw)
}

func TestGetFlagClassification(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient(nil)

	v, err := GetFlag(ctx, c, "general/1/complete")
	require.NoError(t, err)
	require.True(t, v.IsAbsent())

	require.NoError(t, SetFlag(ctx, c, "general/1/complete", true))
	v, err = GetFlag(ctx, c, "general/1/complete")
	require.NoError(t, err)
	on, present := v.Present()
	require.True(t, present)
	require.True(t, on)

	require.NoError(t, SetFlag(ctx, c, "general/1/complete", false))
	v, err = GetFlag(ctx, c, "general/1/complete")
	require.NoError(t, err)
	on, present = v.Present()
	require.True(t, present)
	require.False(t, on)
}

func TestGetJSONClassification(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient(nil)

	var pages []int
	res, err := GetJSON(ctx, c, "product/1/pages", &pages)
	require.NoError(t, err)
	require.Equal(t, JSONAbsent, res)

	require.NoError(t, SetJSON(ctx, c, "product/1/pages", []int{1, 3, 5}))
	res, err = GetJSON(ctx, c, "product/1/pages", &pages)
	require.NoError(t, err)
	require.Equal(t, JSONPresent, res)
	require.Equal(t, []int{1, 3, 5}, pages)

	require.NoError(t, c.Set(ctx, "product/1/pages", "{broken"))
	res, err = GetJSON(ctx, c, "product/1/pages", &pages)
	require.NoError(t, err)
	require.Equal(t, JSONInvalid, res)
}
