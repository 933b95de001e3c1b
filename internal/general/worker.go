// Package general implements the General worker: it discovers the site's
// page count, maintains a window of listing tabs over its assigned range,
// hands page numbers to Product workers batch by batch, and manages the
// batch lifecycle (open, ready, crawl, complete, close) through the
// coordinator.
package general

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xiaofeng19920506/crawl-worker/internal/browser"
	"github.com/xiaofeng19920506/crawl-worker/internal/clock"
	"github.com/xiaofeng19920506/crawl-worker/internal/coordinator"
	"github.com/xiaofeng19920506/crawl-worker/internal/lock"
	"github.com/xiaofeng19920506/crawl-worker/internal/membership"
	"github.com/xiaofeng19920506/crawl-worker/internal/partition"
	"github.com/xiaofeng19920506/crawl-worker/internal/session"
	"github.com/xiaofeng19920506/crawl-worker/internal/telemetry"
)

// Params tunes the General worker.
type Params struct {
	ID                 string
	PollPeriod         time.Duration
	HeartbeatPeriod    time.Duration
	BatchPollPeriod    time.Duration
	TabsPerBatch       int
	TabOpenDelayMin    time.Duration
	TabOpenDelayMax    time.Duration
	SequentialTabs     bool
	TLive              time.Duration
	ProductWorkerTotal int
	ServiceDownWait    time.Duration
	LoginWait          time.Duration
	ListingURLTemplate string
	DiscoverScript     string
	SignedInScript     string
	ContextPerBatch    bool
}

// Worker is one General worker process.
type Worker struct {
	client   coordinator.Client
	clk      clock.Clock
	logger   *zap.Logger
	lease    *lock.Lock
	driver   browser.Driver
	sessions *session.Manager
	params   Params

	// sleep, jitter, and after are seams for tests; production uses
	// time.Sleep, a uniform random delay, and time.After.
	sleep  func(time.Duration)
	jitter func(min, max time.Duration) time.Duration
	after  func(time.Duration) <-chan time.Time

	mu            sync.Mutex
	bctx          browser.Context
	loggedIn      bool
	discovered    bool
	isProcessing  bool
	lastCompleted *partition.Range
}

// New creates a General worker. The lease must already be acquired.
func New(client coordinator.Client, clk clock.Clock, logger *zap.Logger, lease *lock.Lock,
	driver browser.Driver, sessions *session.Manager, params Params) *Worker {
	if params.TabsPerBatch <= 0 {
		params.TabsPerBatch = 50
	}
	if params.ProductWorkerTotal <= 0 {
		params.ProductWorkerTotal = 1
	}
	return &Worker{
		client:   client,
		clk:      clk,
		logger:   logger,
		lease:    lease,
		driver:   driver,
		sessions: sessions,
		params:   params,
		sleep:    time.Sleep,
		jitter: func(min, max time.Duration) time.Duration {
			if max <= min {
				return min
			}
			return min + time.Duration(rand.Int63n(int64(max-min)))
		},
		after: time.After,
	}
}

// Run executes the worker loop until ctx is canceled. The heartbeat and
// lock refresh run on their own ticker so a long batch cannot starve them.
func (w *Worker) Run(ctx context.Context) {
	go w.heartbeatLoop(ctx)

	ticker := time.NewTicker(w.params.PollPeriod)
	defer ticker.Stop()
	for {
		if err := w.Step(ctx); err != nil {
			w.logger.Warn("general step failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.params.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		if err := membership.Heartbeat(ctx, w.client, w.clk, membership.General, w.params.ID); err != nil {
			w.logger.Warn("heartbeat failed", zap.Error(err))
		} else {
			telemetry.HeartbeatsTotal.WithLabelValues("general").Inc()
		}
		if err := w.lease.Refresh(ctx); err != nil {
			telemetry.LockRefreshFailuresTotal.WithLabelValues("general").Inc()
			w.logger.Warn("lock refresh failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Step runs one iteration of the worker loop: ensure a valid session,
// discover the page range once, then drive the assigned range if a new
// one is present. Reentrance is guarded so an in-flight batch is never
// raced by the next tick.
func (w *Worker) Step(ctx context.Context) error {
	w.mu.Lock()
	if w.isProcessing {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	if err := w.ensureLoggedIn(ctx); err != nil {
		// Keep waiting; an unauthenticated General worker never crashes.
		w.logger.Info("waiting for valid session", zap.Error(err))
		return nil
	}

	if err := w.ensureDiscovered(ctx); err != nil {
		return err
	}

	r, ok, err := w.readAssignment(ctx)
	if err != nil || !ok {
		return err
	}

	w.mu.Lock()
	w.isProcessing = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.isProcessing = false
		w.mu.Unlock()
	}()

	return w.processRange(ctx, r)
}

// readAssignment returns the assigned range, or ok=false when there is
// nothing new to do: no assignment yet, or the current assignment was
// already drained and marked complete.
func (w *Worker) readAssignment(ctx context.Context) (partition.Range, bool, error) {
	var r partition.Range
	res, err := coordinator.GetJSON(ctx, w.client, coordinator.GeneralPages(w.params.ID), &r)
	if err != nil {
		return r, false, fmt.Errorf("general: read assignment: %w", err)
	}
	if res != coordinator.JSONPresent || r.Empty() {
		return r, false, nil
	}

	w.mu.Lock()
	last := w.lastCompleted
	w.mu.Unlock()
	if last != nil && *last == r {
		done, err := coordinator.GetFlag(ctx, w.client, coordinator.GeneralComplete(w.params.ID))
		if err != nil {
			return r, false, err
		}
		if on, _ := done.Present(); on {
			return r, false, nil
		}
	}
	return r, true, nil
}

// processRange drives the batch loop over [r.Start, r.End] and marks the
// assignment complete once the final batch drains.
func (w *Worker) processRange(ctx context.Context, r partition.Range) error {
	if err := coordinator.SetFlag(ctx, w.client, coordinator.GeneralProcessing(w.params.ID), true); err != nil {
		return fmt.Errorf("general: mark processing: %w", err)
	}
	if err := w.client.Delete(ctx, coordinator.GeneralComplete(w.params.ID)); err != nil {
		return fmt.Errorf("general: clear complete: %w", err)
	}
	w.logger.Info("processing range", zap.Int("start", r.Start), zap.Int("end", r.End))

	for bs := r.Start; bs <= r.End; bs += w.params.TabsPerBatch {
		be := bs + w.params.TabsPerBatch - 1
		if be > r.End {
			be = r.End
		}
		if err := w.runBatch(ctx, bs, be); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}

	if err := coordinator.SetFlag(ctx, w.client, coordinator.GeneralComplete(w.params.ID), true); err != nil {
		return fmt.Errorf("general: mark complete: %w", err)
	}
	if err := w.client.Delete(ctx, coordinator.GeneralProcessing(w.params.ID)); err != nil {
		return fmt.Errorf("general: clear processing: %w", err)
	}
	w.mu.Lock()
	w.lastCompleted = &r
	w.mu.Unlock()
	w.logger.Info("range complete", zap.Int("start", r.Start), zap.Int("end", r.End))
	return nil
}

// runBatch opens tabs for [bs,be], publishes the page split to Product
// workers, releases them, waits for the batch to drain (rebalancing along
// the way), and closes the batch's tabs.
func (w *Worker) runBatch(ctx context.Context, bs, be int) error {
	bctx, err := w.ensureContext(ctx)
	if err != nil {
		return err
	}

	if err := w.openTabs(ctx, bctx, bs, be); err != nil {
		return err
	}

	if err := coordinator.SetInt(ctx, w.client, coordinator.BatchStart(), bs); err != nil {
		return fmt.Errorf("general: write batch start: %w", err)
	}
	if err := coordinator.SetInt(ctx, w.client, coordinator.BatchEnd(), be); err != nil {
		return fmt.Errorf("general: write batch end: %w", err)
	}
	if err := w.client.Delete(ctx, coordinator.BatchComplete()); err != nil {
		return err
	}
	if err := w.client.Delete(ctx, coordinator.TabsReady()); err != nil {
		return err
	}

	assigned, err := w.assignProducts(ctx, bs, be)
	if err != nil {
		return err
	}

	// Ordering matters: tabsReady is written only after every tab exists
	// and every Product assignment is in place.
	if err := coordinator.SetFlag(ctx, w.client, coordinator.TabsReady(), true); err != nil {
		return fmt.Errorf("general: set tabsReady: %w", err)
	}
	if err := coordinator.SetFlag(ctx, w.client, coordinator.CrawlTrigger(), true); err != nil {
		return fmt.Errorf("general: set crawlTrigger: %w", err)
	}

	if err := w.waitForDrain(ctx, assigned); err != nil {
		return err
	}
	if err := coordinator.SetFlag(ctx, w.client, coordinator.BatchComplete(), true); err != nil {
		return err
	}
	telemetry.BatchesCompletedTotal.Inc()

	if err := w.closeBatchTabs(ctx, bctx, bs, be); err != nil {
		return err
	}
	if w.params.ContextPerBatch {
		_ = bctx.Close()
		w.mu.Lock()
		w.bctx = nil
		w.mu.Unlock()
	}
	return nil
}

// openTabs creates one tab per page. Sequential mode paces tab creation
// with a uniform random delay; parallel mode fires them all and relies on
// the browser to queue.
func (w *Worker) openTabs(ctx context.Context, bctx browser.Context, bs, be int) error {
	for p := bs; p <= be; p++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := bctx.OpenTab(ctx, w.listingURL(p)); err != nil {
			// Individual tab failures demote to warnings; the page will
			// simply not be found by its Product worker.
			w.logger.Warn("open tab failed", zap.Int("page", p), zap.Error(err))
			continue
		}
		telemetry.TabsOpenedTotal.Inc()
		if w.params.SequentialTabs && p < be {
			w.sleep(w.jitter(w.params.TabOpenDelayMin, w.params.TabOpenDelayMax))
		}
	}
	return nil
}

// assignProducts splits [bs..be] round-robin by position across live
// Product workers and publishes each slice, returning the assigned ids.
// Product ids that are registered but no longer live get their stale
// lists cleared.
func (w *Worker) assignProducts(ctx context.Context, bs, be int) ([]string, error) {
	live, err := membership.LiveIDs(ctx, w.client, w.clk, membership.Product, w.params.TLive)
	if err != nil {
		return nil, fmt.Errorf("general: product membership: %w", err)
	}
	telemetry.LiveWorkers.WithLabelValues("product").Set(float64(len(live)))
	if len(live) == 0 {
		// No Product worker is live: address the configured total so
		// workers that start late find their slice waiting.
		for i := 1; i <= w.params.ProductWorkerTotal; i++ {
			live = append(live, strconv.Itoa(i))
		}
	}

	assignments := splitPages(bs, be, live)
	for id, pages := range assignments {
		if err := coordinator.SetJSON(ctx, w.client, coordinator.ProductPages(id), pages); err != nil {
			return nil, fmt.Errorf("general: assign pages to product %s: %w", id, err)
		}
		if err := w.client.Delete(ctx, coordinator.ProductComplete(id)); err != nil {
			return nil, err
		}
	}

	registered, err := membership.RegisteredIDs(ctx, w.client, membership.Product)
	if err != nil {
		return nil, err
	}
	for _, id := range registered {
		if _, assigned := assignments[id]; assigned {
			continue
		}
		if err := w.client.Delete(ctx, coordinator.ProductPages(id)); err != nil {
			return nil, err
		}
	}
	return live, nil
}

// splitPages distributes [bs..be] across ids round-robin by position:
// page bs goes to ids[0], bs+1 to ids[1], and so on.
func splitPages(bs, be int, ids []string) map[string][]int {
	out := make(map[string][]int, len(ids))
	for _, id := range ids {
		out[id] = []int{}
	}
	for p := bs; p <= be; p++ {
		id := ids[(p-bs)%len(ids)]
		out[id] = append(out[id], p)
	}
	return out
}

// waitForDrain polls until every live Product worker's page list is
// empty, rebalancing between busy and idle workers along the way. The
// ids assigned at batch open are always checked too, so a batch handed
// to not-yet-started workers waits for them instead of completing empty.
func (w *Worker) waitForDrain(ctx context.Context, assigned []string) error {
	start := w.clk.Now()
	for {
		drained, err := w.batchDrained(ctx, assigned)
		if err != nil {
			w.logger.Warn("batch drain check failed", zap.Error(err))
		} else if drained {
			telemetry.BatchWaitSeconds.Observe(w.clk.Now().Sub(start).Seconds())
			return nil
		}

		if err := w.rebalance(ctx); err != nil {
			w.logger.Warn("rebalance failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.after(w.params.BatchPollPeriod):
		}
	}
}

func (w *Worker) batchDrained(ctx context.Context, assigned []string) (bool, error) {
	live, err := membership.LiveIDs(ctx, w.client, w.clk, membership.Product, w.params.TLive)
	if err != nil {
		return false, err
	}
	for _, id := range union(assigned, live) {
		var pages []int
		res, err := coordinator.GetJSON(ctx, w.client, coordinator.ProductPages(id), &pages)
		if err != nil {
			return false, err
		}
		if res == coordinator.JSONPresent && len(pages) > 0 {
			return false, nil
		}
	}
	return true, nil
}

// closeBatchTabs closes every open tab whose URL is a listing page within
// [bs,be]. Tabs already closed by the browser are skipped silently.
func (w *Worker) closeBatchTabs(ctx context.Context, bctx browser.Context, bs, be int) error {
	tabs, err := bctx.Tabs(ctx)
	if err != nil {
		return fmt.Errorf("general: list tabs: %w", err)
	}
	for _, tab := range tabs {
		p, ok := pageFromURL(tab.URL)
		if !ok || p < bs || p > be {
			continue
		}
		if err := bctx.CloseTab(ctx, tab.ID); err != nil {
			w.logger.Warn("close tab failed", zap.String("tab", tab.ID), zap.Error(err))
		}
	}
	return nil
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, id := range a {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range b {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func (w *Worker) listingURL(page int) string {
	return fmt.Sprintf(w.params.ListingURLTemplate, page)
}

// pageFromURL extracts the integer page parameter from a listing URL.
func pageFromURL(raw string) (int, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return 0, false
	}
	v := u.Query().Get("page")
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Shutdown removes this worker's coordinator keys and closes its browser
// context, for graceful termination.
func (w *Worker) Shutdown(ctx context.Context) {
	if err := membership.Deregister(ctx, w.client, membership.General, w.params.ID); err != nil {
		w.logger.Warn("deregister failed", zap.Error(err))
	}
	if err := w.client.Delete(ctx, coordinator.GeneralProcessing(w.params.ID)); err != nil {
		w.logger.Warn("cleanup failed", zap.Error(err))
	}
	if err := w.lease.Release(ctx); err != nil {
		w.logger.Warn("lock release failed", zap.Error(err))
	}
	w.mu.Lock()
	bctx := w.bctx
	w.bctx = nil
	w.mu.Unlock()
	if bctx != nil {
		_ = bctx.Close()
	}
}
