// Package extractor defines the listing-extraction contract consumed by
// Product workers. The DOM specifics of the crawled site live entirely in
// the evaluation script; this package only carries the wire shape between
// the script's JSON result and store.Record.
package extractor

import (
	"context"
	"fmt"

	"github.com/xiaofeng19920506/crawl-worker/internal/browser"
	"github.com/xiaofeng19920506/crawl-worker/internal/store"
)

// Extractor pulls listing records out of an already-loaded tab.
type Extractor interface {
	Extract(ctx context.Context, bctx browser.Context, tabID string, pageNumber int) ([]store.Record, error)
}

// wireRecord is the JSON shape the evaluation script returns per item.
type wireRecord struct {
	ID          string   `json:"id"`
	URL         string   `json:"url"`
	Title       string   `json:"title"`
	PriceMinor  int64    `json:"priceMinor"`
	Currency    string   `json:"currency"`
	Rating      float64  `json:"rating"`
	RatingCount int      `json:"ratingCount"`
	Images      []string `json:"images"`
}

// ScriptExtractor implements Extractor by evaluating a site-provided
// script in the tab. The script must be an expression yielding an array
// of wireRecord objects.
type ScriptExtractor struct {
	script string
}

// NewScriptExtractor creates a ScriptExtractor around the given script.
func NewScriptExtractor(script string) *ScriptExtractor {
	return &ScriptExtractor{script: script}
}

// Extract evaluates the script and maps its result onto store.Record,
// stamping each record with the 1-based page number. Items missing an
// identifier are dropped and are not reported to the caller, so no audit
// event is written for them.
func (e *ScriptExtractor) Extract(ctx context.Context, bctx browser.Context, tabID string, pageNumber int) ([]store.Record, error) {
	var wire []wireRecord
	if err := bctx.Evaluate(ctx, tabID, e.script, &wire); err != nil {
		return nil, fmt.Errorf("extractor: evaluate page %d: %w", pageNumber, err)
	}
	records := make([]store.Record, 0, len(wire))
	for _, w := range wire {
		if w.ID == "" {
			continue
		}
		records = append(records, store.Record{
			Identifier:  w.ID,
			URL:         w.URL,
			Title:       w.Title,
			PageNumber:  pageNumber,
			PriceMinor:  w.PriceMinor,
			Currency:    w.Currency,
			Rating:      w.Rating,
			RatingCount: w.RatingCount,
			ImageURLs:   w.Images,
		})
	}
	return records, nil
}

// Fake is a canned Extractor for Product-worker tests.
type Fake struct {
	RecordsByPage map[int][]store.Record
	Err           error
	Calls         int
}

// Extract returns the canned records for pageNumber.
func (f *Fake) Extract(_ context.Context, _ browser.Context, _ string, pageNumber int) ([]store.Record, error) {
	f.Calls++
	if f.Err != nil {
		return nil, f.Err
	}
	return f.RecordsByPage[pageNumber], nil
}
