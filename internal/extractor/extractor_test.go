package extractor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xiaofeng19920506/crawl-worker/internal/browser"
)

func TestScriptExtractorMapsWireRecords(t *testing.T) {
	t.Parallel()

	driver := browser.NewMemoryDriver()
	driver.EvaluateFunc = func(tabID, script string, out any) error {
		raw := `[
			{"id":"B0ABCD1234","url":"https://example.com/i/1","title":"Widget","priceMinor":1999,"currency":"USD","rating":4.5,"ratingCount":12,"images":["a.jpg"]},
			{"id":"","url":"https://example.com/i/2","title":"No identifier"}
		]`
		return json.Unmarshal([]byte(raw), out)
	}
	ctx := context.Background()
	bctx, err := driver.OpenContext(ctx, browser.ContextOptions{})
	require.NoError(t, err)
	tab, err := bctx.OpenTab(ctx, "https://example.com/listing?page=7")
	require.NoError(t, err)

	e := NewScriptExtractor("collectListings()")
	records, err := e.Extract(ctx, bctx, tab.ID, 7)
	require.NoError(t, err)

	// The identifier-less item is dropped.
	require.Len(t, records, 1)
	require.Equal(t, "B0ABCD1234", records[0].Identifier)
	require.Equal(t, 7, records[0].PageNumber)
	require.Equal(t, int64(1999), records[0].PriceMinor)
	require.Equal(t, []string{"a.jpg"}, records[0].ImageURLs)
}
