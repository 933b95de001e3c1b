// Package browser defines the driver boundary over which the General and
// Product workers manipulate a shared Chrome instance: contexts with an
// initial cookie jar and optional proxy, tabs with fire-and-forget
// navigation, tab enumeration by URL, script evaluation, and cookie-jar
// read/write. The chromedp implementation lives in chromedp.go; tests use
// the in-memory fake in memory.go.
package browser

import (
	"context"
	"time"
)

// Cookie is one browser cookie, shared across workers through the
// coordinator's session/cookies key.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	HTTPOnly bool      `json:"httpOnly"`
	Secure   bool      `json:"secure"`
}

// Proxy configures the outbound proxy for a browser context.
type Proxy struct {
	Server   string
	Username string
	Password string
}

// ContextOptions configures a new browser context.
type ContextOptions struct {
	Proxy   *Proxy
	Cookies []Cookie
}

// Tab identifies one open page and its current URL.
type Tab struct {
	ID  string
	URL string
}

// Driver owns the connection to a browser and creates contexts. Multiple
// worker processes on one host attach to the same browser through its
// remote-debug endpoint, so tabs opened by one process are visible to all.
type Driver interface {
	// OpenContext creates a browser context, installing opts.Cookies
	// before any navigation happens in it.
	OpenContext(ctx context.Context, opts ContextOptions) (Context, error)

	// Contexts returns the contexts this driver currently has open.
	Contexts() []Context

	// Close tears down every context and the browser connection.
	Close() error
}

// Context is one browser context. Tab ownership belongs to the General
// worker that opened a tab; Product workers locate tabs via Tabs and read
// them with Evaluate but never close them.
type Context interface {
	// OpenTab creates a tab and starts navigating it to url. Navigation is
	// fire-and-forget: the tab exists when OpenTab returns and loads
	// asynchronously.
	OpenTab(ctx context.Context, url string) (Tab, error)

	// Navigate drives an existing tab to url and waits for the document to
	// be ready, bounded by the driver's navigation timeout.
	Navigate(ctx context.Context, tabID, url string) error

	// Tabs lists every open tab visible to this context, including tabs
	// opened by other processes attached to the same browser.
	Tabs(ctx context.Context) ([]Tab, error)

	// CloseTab closes the tab with the given id. Closing an already-closed
	// tab is not an error.
	CloseTab(ctx context.Context, tabID string) error

	// Evaluate runs script in the tab and unmarshals its JSON-serializable
	// result into out.
	Evaluate(ctx context.Context, tabID, script string, out any) error

	// Cookies returns the context's current cookie jar.
	Cookies(ctx context.Context) ([]Cookie, error)

	// SetCookies installs cookies into the context.
	SetCookies(ctx context.Context, cookies []Cookie) error

	// Close tears the context down, closing its owned tabs.
	Close() error
}
