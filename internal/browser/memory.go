package browser

import (
	"context"
	"fmt"
	"sync"
)

// MemoryDriver is an in-memory Driver used by the General and Product
// worker tests. All contexts share one tab table, mirroring how real
// worker processes share a browser through its remote-debug endpoint.
type MemoryDriver struct {
	mu       sync.Mutex
	nextTab  int
	tabs     map[string]string // tab id -> url
	contexts []*MemoryContext

	// EvaluateFunc, when set, answers Evaluate calls for every context.
	EvaluateFunc func(tabID, script string, out any) error
}

// NewMemoryDriver creates an empty MemoryDriver.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{tabs: make(map[string]string)}
}

// OpenContext creates a context holding opts.Cookies.
func (d *MemoryDriver) OpenContext(_ context.Context, opts ContextOptions) (Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &MemoryContext{
		driver:  d,
		cookies: append([]Cookie(nil), opts.Cookies...),
	}
	d.contexts = append(d.contexts, c)
	return c, nil
}

// Contexts returns every open context.
func (d *MemoryDriver) Contexts() []Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Context, 0, len(d.contexts))
	for _, c := range d.contexts {
		if !c.closed {
			out = append(out, c)
		}
	}
	return out
}

// Close drops all contexts and tabs.
func (d *MemoryDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.contexts {
		c.closed = true
	}
	d.tabs = make(map[string]string)
	return nil
}

// OpenTabs returns the URLs of all currently open tabs, for assertions.
func (d *MemoryDriver) OpenTabs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.tabs))
	for _, url := range d.tabs {
		out = append(out, url)
	}
	return out
}

// MemoryContext is a fake browser context over the shared tab table.
type MemoryContext struct {
	driver  *MemoryDriver
	cookies []Cookie
	closed  bool
}

// OpenTab records a tab pointing at url.
func (c *MemoryContext) OpenTab(_ context.Context, url string) (Tab, error) {
	c.driver.mu.Lock()
	defer c.driver.mu.Unlock()
	c.driver.nextTab++
	id := fmt.Sprintf("tab-%d", c.driver.nextTab)
	c.driver.tabs[id] = url
	return Tab{ID: id, URL: url}, nil
}

// Navigate repoints an existing tab at url.
func (c *MemoryContext) Navigate(_ context.Context, tabID, url string) error {
	c.driver.mu.Lock()
	defer c.driver.mu.Unlock()
	if _, ok := c.driver.tabs[tabID]; !ok {
		return fmt.Errorf("browser: navigate: no tab %s", tabID)
	}
	c.driver.tabs[tabID] = url
	return nil
}

// Tabs lists every open tab in the shared table.
func (c *MemoryContext) Tabs(_ context.Context) ([]Tab, error) {
	c.driver.mu.Lock()
	defer c.driver.mu.Unlock()
	out := make([]Tab, 0, len(c.driver.tabs))
	for id, url := range c.driver.tabs {
		out = append(out, Tab{ID: id, URL: url})
	}
	return out, nil
}

// CloseTab removes the tab; closing twice is a no-op.
func (c *MemoryContext) CloseTab(_ context.Context, tabID string) error {
	c.driver.mu.Lock()
	defer c.driver.mu.Unlock()
	delete(c.driver.tabs, tabID)
	return nil
}

// Evaluate answers via the driver's EvaluateFunc hook.
func (c *MemoryContext) Evaluate(_ context.Context, tabID, script string, out any) error {
	c.driver.mu.Lock()
	fn := c.driver.EvaluateFunc
	_, ok := c.driver.tabs[tabID]
	c.driver.mu.Unlock()
	if !ok {
		return fmt.Errorf("browser: evaluate: no tab %s", tabID)
	}
	if fn == nil {
		return fmt.Errorf("browser: evaluate: no EvaluateFunc configured")
	}
	return fn(tabID, script, out)
}

// Cookies returns the context's jar.
func (c *MemoryContext) Cookies(_ context.Context) ([]Cookie, error) {
	c.driver.mu.Lock()
	defer c.driver.mu.Unlock()
	return append([]Cookie(nil), c.cookies...), nil
}

// SetCookies replaces the context's jar.
func (c *MemoryContext) SetCookies(_ context.Context, cookies []Cookie) error {
	c.driver.mu.Lock()
	defer c.driver.mu.Unlock()
	c.cookies = append([]Cookie(nil), cookies...)
	return nil
}

// Close marks the context closed; the shared tab table is untouched so
// other contexts keep seeing tabs, like a real shared browser.
func (c *MemoryContext) Close() error {
	c.driver.mu.Lock()
	defer c.driver.mu.Unlock()
	c.closed = true
	return nil
}
