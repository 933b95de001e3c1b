// Package session implements the shared-session cookie fan-out: the first
// worker to hold a verified login publishes its cookie jar through the
// coordinator and every other worker installs those cookies into its next
// browser context. Login is a cross-worker singleton without a dedicated
// owner.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xiaofeng19920506/crawl-worker/internal/browser"
	"github.com/xiaofeng19920506/crawl-worker/internal/coordinator"
)

// ErrNotLoggedIn is the retryable condition a Product worker fails fast
// with when no valid shared session exists yet.
var ErrNotLoggedIn = errors.New("session: not logged in")

// Manager reads and writes the shared session keys.
type Manager struct {
	client coordinator.Client
	logger *zap.Logger
}

// NewManager creates a session Manager over the coordinator.
func NewManager(client coordinator.Client, logger *zap.Logger) *Manager {
	return &Manager{client: client, logger: logger}
}

// SharedCookies returns the published cookie jar and whether it is marked
// valid. An unset or "0" session/valid, or an empty jar, yields ok=false.
func (m *Manager) SharedCookies(ctx context.Context) ([]browser.Cookie, bool, error) {
	flag, err := coordinator.GetFlag(ctx, m.client, coordinator.SessionValid())
	if err != nil {
		return nil, false, fmt.Errorf("session: read valid flag: %w", err)
	}
	valid, present := flag.Present()
	if !present || !valid {
		return nil, false, nil
	}

	raw, err := m.client.Get(ctx, coordinator.SessionCookies())
	if errors.Is(err, coordinator.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("session: read cookies: %w", err)
	}

	var cookies []browser.Cookie
	if jerr := json.Unmarshal([]byte(raw), &cookies); jerr != nil {
		m.logger.Warn("session: invalid cookie jar in coordinator, ignoring",
			zap.Error(jerr))
		return nil, false, nil
	}
	if len(cookies) == 0 {
		return nil, false, nil
	}
	return cookies, true, nil
}

// Publish writes the cookie jar and marks the session valid. Republishing
// is idempotent, so racing workers after a shared login are harmless.
func (m *Manager) Publish(ctx context.Context, cookies []browser.Cookie) error {
	raw, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("session: marshal cookies: %w", err)
	}
	if err := m.client.Set(ctx, coordinator.SessionCookies(), string(raw)); err != nil {
		return fmt.Errorf("session: write cookies: %w", err)
	}
	if err := coordinator.SetFlag(ctx, m.client, coordinator.SessionValid(), true); err != nil {
		return fmt.Errorf("session: mark valid: %w", err)
	}
	m.logger.Info("session: published shared cookies", zap.Int("count", len(cookies)))
	return nil
}

// Invalidate marks the shared session invalid, leaving the stale jar in
// place for debugging.
func (m *Manager) Invalidate(ctx context.Context) error {
	if err := coordinator.SetFlag(ctx, m.client, coordinator.SessionValid(), false); err != nil {
		return fmt.Errorf("session: mark invalid: %w", err)
	}
	return nil
}

// Install applies the shared cookies, if any, to a freshly opened browser
// context. Returns whether a valid shared session was installed.
func (m *Manager) Install(ctx context.Context, bctx browser.Context) (bool, error) {
	cookies, ok, err := m.SharedCookies(ctx)
	if err != nil || !ok {
		return false, err
	}
	if err := bctx.SetCookies(ctx, cookies); err != nil {
		return false, fmt.Errorf("session: install cookies: %w", err)
	}
	return true, nil
}
