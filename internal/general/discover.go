package general

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xiaofeng19920506/crawl-worker/internal/browser"
	"github.com/xiaofeng19920506/crawl-worker/internal/coordinator"
	"github.com/xiaofeng19920506/crawl-worker/internal/session"
)

// errServiceUnavailable marks the site's "service unavailable" response on
// the listing domain; the worker backs off for ServiceDownWait and
// retries. Navigation failures to other URLs do not take this branch.
var errServiceUnavailable = errors.New("general: listing service unavailable")

// discovery is the JSON shape the discover script returns.
type discovery struct {
	TotalPages    int  `json:"totalPages"`
	TotalProducts int  `json:"totalProducts"`
	Unavailable   bool `json:"unavailable"`
}

// ensureDiscovered evaluates the listing page once per process and
// publishes (totalPages, totalProducts) to the coordinator. The General
// worker is the sole writer of these keys.
func (w *Worker) ensureDiscovered(ctx context.Context) error {
	w.mu.Lock()
	done := w.discovered
	w.mu.Unlock()
	if done {
		return nil
	}

	bctx, err := w.ensureContext(ctx)
	if err != nil {
		return err
	}

	d, err := w.evaluateListing(ctx, bctx)
	if errors.Is(err, errServiceUnavailable) {
		w.logger.Warn("listing unavailable, backing off",
			zap.Duration("wait", w.params.ServiceDownWait))
		w.sleep(w.params.ServiceDownWait)
		return nil // retry on the next iteration
	}
	if err != nil {
		return err
	}
	if d.TotalPages <= 0 {
		return fmt.Errorf("general: discovery returned %d pages", d.TotalPages)
	}

	if err := coordinator.SetInt(ctx, w.client, coordinator.TotalPages(), d.TotalPages); err != nil {
		return fmt.Errorf("general: publish totalPages: %w", err)
	}
	if err := coordinator.SetInt(ctx, w.client, coordinator.TotalProducts(), d.TotalProducts); err != nil {
		return fmt.Errorf("general: publish totalProducts: %w", err)
	}

	w.mu.Lock()
	w.discovered = true
	w.mu.Unlock()
	w.logger.Info("discovered listing range",
		zap.Int("total_pages", d.TotalPages), zap.Int("total_products", d.TotalProducts))
	return nil
}

// evaluateListing navigates a scratch tab to the first listing page and
// runs the discover script in it.
func (w *Worker) evaluateListing(ctx context.Context, bctx browser.Context) (discovery, error) {
	var d discovery
	tab, err := bctx.OpenTab(ctx, w.listingURL(1))
	if err != nil {
		return d, fmt.Errorf("general: open discovery tab: %w", err)
	}
	defer func() {
		_ = bctx.CloseTab(ctx, tab.ID)
	}()

	if err := bctx.Navigate(ctx, tab.ID, w.listingURL(1)); err != nil {
		if isServiceUnavailable(err) {
			return d, errServiceUnavailable
		}
		return d, fmt.Errorf("general: navigate discovery tab: %w", err)
	}
	if err := bctx.Evaluate(ctx, tab.ID, w.params.DiscoverScript, &d); err != nil {
		return d, fmt.Errorf("general: evaluate discovery: %w", err)
	}
	if d.Unavailable {
		return d, errServiceUnavailable
	}
	return d, nil
}

func isServiceUnavailable(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "service unavailable")
}

// ensureContext returns the worker's browser context, creating it with the
// shared cookie jar installed when absent.
func (w *Worker) ensureContext(ctx context.Context) (browser.Context, error) {
	w.mu.Lock()
	bctx := w.bctx
	w.mu.Unlock()
	if bctx != nil {
		return bctx, nil
	}

	cookies, _, err := w.sessions.SharedCookies(ctx)
	if err != nil {
		return nil, err
	}
	bctx, err = w.driver.OpenContext(ctx, browser.ContextOptions{Cookies: cookies})
	if err != nil {
		return nil, fmt.Errorf("general: open browser context: %w", err)
	}
	w.mu.Lock()
	w.bctx = bctx
	w.mu.Unlock()
	return bctx, nil
}

// ensureLoggedIn verifies the shared session, publishing the cookie jar on
// success. When the session is invalid it waits up to LoginWait for a
// human to complete the interactive login in the visible browser.
func (w *Worker) ensureLoggedIn(ctx context.Context) error {
	w.mu.Lock()
	ok := w.loggedIn
	w.mu.Unlock()
	if ok {
		return nil
	}

	bctx, err := w.ensureContext(ctx)
	if err != nil {
		return err
	}

	if signed, err := w.verifySession(ctx, bctx); err != nil {
		return err
	} else if signed {
		return w.publishSession(ctx, bctx)
	}

	if err := w.sessions.Invalidate(ctx); err != nil {
		return err
	}

	// Interactive-login window: poll until a human signs in or the
	// window elapses.
	deadline := w.clk.Now().Add(w.params.LoginWait)
	for w.clk.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.after(w.params.PollPeriod):
		}
		signed, err := w.verifySession(ctx, bctx)
		if err != nil {
			w.logger.Warn("session verification failed", zap.Error(err))
			continue
		}
		if signed {
			return w.publishSession(ctx, bctx)
		}
	}
	return session.ErrNotLoggedIn
}

// verifySession navigates a scratch tab to the listing and checks the
// signed-in indicator.
func (w *Worker) verifySession(ctx context.Context, bctx browser.Context) (bool, error) {
	tab, err := bctx.OpenTab(ctx, w.listingURL(1))
	if err != nil {
		return false, fmt.Errorf("general: open verify tab: %w", err)
	}
	defer func() {
		_ = bctx.CloseTab(ctx, tab.ID)
	}()
	if err := bctx.Navigate(ctx, tab.ID, w.listingURL(1)); err != nil {
		return false, fmt.Errorf("general: navigate verify tab: %w", err)
	}
	var signedIn bool
	if err := bctx.Evaluate(ctx, tab.ID, w.params.SignedInScript, &signedIn); err != nil {
		return false, fmt.Errorf("general: evaluate signed-in check: %w", err)
	}
	return signedIn, nil
}

func (w *Worker) publishSession(ctx context.Context, bctx browser.Context) error {
	cookies, err := bctx.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("general: read cookie jar: %w", err)
	}
	if err := w.sessions.Publish(ctx, cookies); err != nil {
		return err
	}
	w.mu.Lock()
	w.loggedIn = true
	w.mu.Unlock()
	return nil
}
