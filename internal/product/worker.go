// Package product implements the Product worker: it consumes the page
// numbers a General worker assigned to it, locates the matching listing
// tabs in the shared browser, extracts the records on them, persists them
// idempotently, and drains its list page by page.
package product

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xiaofeng19920506/crawl-worker/internal/browser"
	"github.com/xiaofeng19920506/crawl-worker/internal/clock"
	"github.com/xiaofeng19920506/crawl-worker/internal/coordinator"
	"github.com/xiaofeng19920506/crawl-worker/internal/extractor"
	"github.com/xiaofeng19920506/crawl-worker/internal/lock"
	"github.com/xiaofeng19920506/crawl-worker/internal/membership"
	"github.com/xiaofeng19920506/crawl-worker/internal/session"
	"github.com/xiaofeng19920506/crawl-worker/internal/store"
	"github.com/xiaofeng19920506/crawl-worker/internal/telemetry"
)

// Params tunes the Product worker.
type Params struct {
	ID              string
	PollPeriod      time.Duration
	HeartbeatPeriod time.Duration
	TLive           time.Duration
	SiteHost        string
}

// Worker is one Product worker process.
type Worker struct {
	client    coordinator.Client
	clk       clock.Clock
	logger    *zap.Logger
	lease     *lock.Lock
	driver    browser.Driver
	sessions  *session.Manager
	records   store.Store
	extractor extractor.Extractor
	params    Params

	bctx browser.Context
}

// New creates a Product worker. The lease must already be acquired.
func New(client coordinator.Client, clk clock.Clock, logger *zap.Logger, lease *lock.Lock,
	driver browser.Driver, sessions *session.Manager, records store.Store,
	ex extractor.Extractor, params Params) *Worker {
	return &Worker{
		client:    client,
		clk:       clk,
		logger:    logger,
		lease:     lease,
		driver:    driver,
		sessions:  sessions,
		records:   records,
		extractor: ex,
		params:    params,
	}
}

// Run executes the poll loop until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	go w.heartbeatLoop(ctx)

	ticker := time.NewTicker(w.params.PollPeriod)
	defer ticker.Stop()
	for {
		if err := w.Step(ctx); err != nil {
			w.logger.Warn("product step failed", zap.Error(err))
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
		if err := membership.Heartbeat(ctx, w.client, w.clk, membership.Product, w.params.ID); err != nil {
			w.logger.Warn("heartbeat failed", zap.Error(err))
		} else {
			telemetry.HeartbeatsTotal.WithLabelValues("product").Inc()
		}
		if err := w.lease.Refresh(ctx); err != nil {
			telemetry.LockRefreshFailuresTotal.WithLabelValues("product").Inc()
			w.logger.Warn("lock refresh failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Step runs one poll iteration: if pages are assigned (or a crawl has
// been triggered), drain the list front to back, re-reading it before
// each page so rebalance-driven changes are honored.
func (w *Worker) Step(ctx context.Context) error {
	pages, err := w.readPages(ctx)
	if err != nil {
		return err
	}
	if len(pages) == 0 {
		trigger, err := coordinator.GetFlag(ctx, w.client, coordinator.CrawlTrigger())
		if err != nil {
			return err
		}
		if trigger.IsAbsent() {
			return nil // idle
		}
		return nil // triggered but nothing assigned to us yet
	}

	ready, err := coordinator.GetFlag(ctx, w.client, coordinator.TabsReady())
	if err != nil {
		return err
	}
	if on, _ := ready.Present(); !on {
		return nil // tabs still opening; the assignment is re-read next poll
	}

	if err := w.ensureSession(ctx); err != nil {
		return err // retryable: next poll tries again
	}

	for {
		pages, err = w.readPages(ctx)
		if err != nil {
			return err
		}
		if len(pages) == 0 {
			break
		}
		page := pages[0]
		w.processPage(ctx, page)
		if err := w.popPage(ctx, page); err != nil {
			return err
		}
	}

	if err := coordinator.SetFlag(ctx, w.client, coordinator.ProductComplete(w.params.ID), true); err != nil {
		return fmt.Errorf("product: mark complete: %w", err)
	}
	w.logger.Info("page list drained")
	return nil
}

func (w *Worker) readPages(ctx context.Context) ([]int, error) {
	var pages []int
	res, err := coordinator.GetJSON(ctx, w.client, coordinator.ProductPages(w.params.ID), &pages)
	if err != nil {
		return nil, fmt.Errorf("product: read pages: %w", err)
	}
	if res == coordinator.JSONInvalid {
		w.logger.Warn("product: invalid page list, clearing")
		if err := coordinator.SetJSON(ctx, w.client, coordinator.ProductPages(w.params.ID), []int{}); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return pages, nil
}

// popPage removes page from the worker's list by value. The list is
// re-read first because a rebalance may have rewritten it mid-extraction.
func (w *Worker) popPage(ctx context.Context, page int) error {
	pages, err := w.readPages(ctx)
	if err != nil {
		return err
	}
	out := pages[:0:0]
	for _, p := range pages {
		if p != page {
			out = append(out, p)
		}
	}
	if out == nil {
		out = []int{}
	}
	if err := coordinator.SetJSON(ctx, w.client, coordinator.ProductPages(w.params.ID), out); err != nil {
		return fmt.Errorf("product: write shortened pages: %w", err)
	}
	return nil
}

// processPage locates the page's tab, extracts its records, and persists
// them. Failures are audited and never abort the drain; a page with no
// tab is skipped and will come around again in a later assignment.
func (w *Worker) processPage(ctx context.Context, page int) {
	tabCtx, tab, found := w.findTab(ctx, page)
	if !found {
		w.logger.Warn("no tab for page, skipping", zap.Int("page", page))
		w.audit(ctx, store.Event{
			PageNumber: page,
			Status:     store.StatusFailed,
			Error:      "no open tab for page",
		})
		return
	}

	records, err := w.extractor.Extract(ctx, tabCtx, tab.ID, page)
	if err != nil {
		w.logger.Warn("extraction failed", zap.Int("page", page), zap.Error(err))
		w.audit(ctx, store.Event{
			URL:        tab.URL,
			PageNumber: page,
			Status:     store.StatusFailed,
			Error:      err.Error(),
		})
		return
	}

	if err := w.reconcilePage(ctx, page, records); err != nil {
		w.logger.Warn("reconcile failed", zap.Int("page", page), zap.Error(err))
		return
	}

	for _, rec := range records {
		ev := store.Event{
			Identifier: rec.Identifier,
			URL:        rec.URL,
			PageNumber: page,
			Status:     store.StatusSuccess,
			OccurredAt: w.clk.Now(),
		}
		if err := w.records.UpsertRecord(ctx, rec); err != nil {
			w.logger.Warn("upsert failed",
				zap.String("identifier", rec.Identifier), zap.Error(err))
			ev.Status = store.StatusFailed
			ev.Error = err.Error()
		}
		telemetry.RecordsUpsertedTotal.WithLabelValues(string(ev.Status)).Inc()
		w.audit(ctx, ev)
	}
}

// reconcilePage deletes the page's stored records only when the freshly
// extracted identifier set differs from the stored one; identical sets
// skip the delete so repeated extraction stays idempotent.
func (w *Worker) reconcilePage(ctx context.Context, page int, records []store.Record) error {
	existing, err := w.records.ListByPage(ctx, page)
	if err != nil {
		return fmt.Errorf("product: list page %d: %w", page, err)
	}
	if identifierSetEqual(existing, records) {
		return nil
	}
	if len(existing) > 0 {
		if _, err := w.records.DeleteByPage(ctx, page); err != nil {
			return fmt.Errorf("product: delete page %d: %w", page, err)
		}
	}
	return nil
}

func identifierSetEqual(a, b []store.Record) bool {
	if len(a) != len(b) {
		return false
	}
	ids := func(recs []store.Record) []string {
		out := make([]string, 0, len(recs))
		for _, r := range recs {
			out = append(out, r.Identifier)
		}
		sort.Strings(out)
		return out
	}
	as, bs := ids(a), ids(b)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// findTab scans every context known to this worker's driver for an open
// listing tab whose URL carries page=<n> on the crawled site's host.
func (w *Worker) findTab(ctx context.Context, page int) (browser.Context, browser.Tab, bool) {
	for _, bctx := range w.driver.Contexts() {
		tabs, err := bctx.Tabs(ctx)
		if err != nil {
			w.logger.Warn("list tabs failed", zap.Error(err))
			continue
		}
		for _, tab := range tabs {
			if w.matchesPage(tab.URL, page) {
				return bctx, tab, true
			}
		}
	}
	return nil, browser.Tab{}, false
}

func (w *Worker) matchesPage(raw string, page int) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if w.params.SiteHost != "" && u.Host != w.params.SiteHost {
		return false
	}
	n, err := strconv.Atoi(u.Query().Get("page"))
	return err == nil && n == page
}

// ensureSession opens this worker's browser context with the shared
// cookie jar. An invalid shared session is a retryable failure; the
// General workers own interactive re-login.
func (w *Worker) ensureSession(ctx context.Context) error {
	cookies, valid, err := w.sessions.SharedCookies(ctx)
	if err != nil {
		return err
	}
	if !valid {
		return session.ErrNotLoggedIn
	}
	if w.bctx != nil {
		return nil
	}
	bctx, err := w.driver.OpenContext(ctx, browser.ContextOptions{Cookies: cookies})
	if err != nil {
		return fmt.Errorf("product: open browser context: %w", err)
	}
	w.bctx = bctx
	return nil
}

func (w *Worker) audit(ctx context.Context, ev store.Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = w.clk.Now()
	}
	if err := w.records.RecordEvent(ctx, ev); err != nil {
		w.logger.Warn("audit event failed", zap.Error(err))
	}
}

// Shutdown removes this worker's coordinator keys, for graceful
// termination: lock, heartbeat and registration, and its page list.
func (w *Worker) Shutdown(ctx context.Context) {
	if err := membership.Deregister(ctx, w.client, membership.Product, w.params.ID); err != nil {
		w.logger.Warn("deregister failed", zap.Error(err))
	}
	if err := w.client.Delete(ctx, coordinator.ProductPages(w.params.ID)); err != nil {
		w.logger.Warn("cleanup failed", zap.Error(err))
	}
	if err := w.lease.Release(ctx); err != nil {
		w.logger.Warn("lock release failed", zap.Error(err))
	}
	if w.bctx != nil {
		_ = w.bctx.Close()
	}
}
