package browser

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// ChromedpConfig controls the chromedp-backed Driver.
type ChromedpConfig struct {
	// RemoteDebugURL attaches to an already-running browser's remote-debug
	// endpoint. Empty launches a dedicated headless Chrome instead.
	RemoteDebugURL string
	UserAgent      string
	NavTimeout     time.Duration
	// Proxy applies to the launched browser; per-context proxies create a
	// dedicated browser process (coarse-grained rotation).
	Proxy *Proxy
}

// ChromedpDriver implements Driver on chromedp. When RemoteDebugURL is set
// every worker process on the host shares one visible browser, which is
// what lets Product workers read tabs a General worker opened.
type ChromedpDriver struct {
	cfg         ChromedpConfig
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc

	mu       sync.Mutex
	contexts []*chromedpContext
}

// NewChromedpDriver builds a Driver per cfg. Nothing is launched or dialed
// until the first OpenContext.
func NewChromedpDriver(cfg ChromedpConfig, logger *zap.Logger) (*ChromedpDriver, error) {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	allocator, cancel := newAllocator(cfg, cfg.Proxy)
	return &ChromedpDriver{
		cfg:         cfg,
		logger:      logger,
		allocator:   allocator,
		allocCancel: cancel,
	}, nil
}

func newAllocator(cfg ChromedpConfig, proxy *Proxy) (context.Context, context.CancelFunc) {
	if cfg.RemoteDebugURL != "" {
		return chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteDebugURL)
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if proxy != nil && proxy.Server != "" {
		opts = append(opts, chromedp.ProxyServer(proxyURL(proxy)))
	}
	return chromedp.NewExecAllocator(context.Background(), opts...)
}

func proxyURL(p *Proxy) string {
	if p.Username == "" {
		return p.Server
	}
	u, err := url.Parse(p.Server)
	if err != nil {
		return p.Server
	}
	u.User = url.UserPassword(p.Username, p.Password)
	return u.String()
}

// OpenContext creates a browser context and installs opts.Cookies before
// any navigation happens in it.
func (d *ChromedpDriver) OpenContext(ctx context.Context, opts ContextOptions) (Context, error) {
	allocator := d.allocator
	var allocCancel context.CancelFunc
	if opts.Proxy != nil && d.cfg.RemoteDebugURL == "" {
		allocator, allocCancel = newAllocator(d.cfg, opts.Proxy)
	}

	parent, cancel := chromedp.NewContext(allocator)
	if err := chromedp.Run(parent); err != nil {
		cancel()
		if allocCancel != nil {
			allocCancel()
		}
		return nil, fmt.Errorf("browser: start context: %w", err)
	}

	c := &chromedpContext{
		driver:      d,
		parent:      parent,
		cancel:      cancel,
		allocCancel: allocCancel,
		tabCancels:  make(map[string]context.CancelFunc),
	}
	if len(opts.Cookies) > 0 {
		if err := c.SetCookies(ctx, opts.Cookies); err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	d.mu.Lock()
	d.contexts = append(d.contexts, c)
	d.mu.Unlock()
	return c, nil
}

// Contexts returns the contexts this driver currently has open.
func (d *ChromedpDriver) Contexts() []Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Context, 0, len(d.contexts))
	for _, c := range d.contexts {
		out = append(out, c)
	}
	return out
}

// Close tears down every context and the allocator.
func (d *ChromedpDriver) Close() error {
	d.mu.Lock()
	contexts := d.contexts
	d.contexts = nil
	d.mu.Unlock()
	for _, c := range contexts {
		_ = c.Close()
	}
	d.allocCancel()
	return nil
}

type chromedpContext struct {
	driver      *ChromedpDriver
	parent      context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc

	mu         sync.Mutex
	tabCancels map[string]context.CancelFunc
}

// OpenTab materializes a blank tab, then navigates it in the background.
func (c *chromedpContext) OpenTab(ctx context.Context, pageURL string) (Tab, error) {
	tabCtx, tabCancel := chromedp.NewContext(c.parent)
	if err := chromedp.Run(tabCtx, c.setupAction()); err != nil {
		tabCancel()
		return Tab{}, fmt.Errorf("browser: open tab: %w", err)
	}
	tgt := chromedp.FromContext(tabCtx).Target
	if tgt == nil {
		tabCancel()
		return Tab{}, fmt.Errorf("browser: open tab: no target attached")
	}
	id := string(tgt.TargetID)

	c.mu.Lock()
	c.tabCancels[id] = tabCancel
	c.mu.Unlock()

	go func() {
		navCtx, navCancel := context.WithTimeout(tabCtx, c.driver.cfg.NavTimeout)
		defer navCancel()
		if err := chromedp.Run(navCtx, chromedp.Navigate(pageURL)); err != nil {
			c.driver.logger.Debug("browser: background navigation failed",
				zap.String("tab", id), zap.String("url", pageURL), zap.Error(err))
		}
	}()
	return Tab{ID: id, URL: pageURL}, nil
}

// Navigate drives an existing tab to url and waits for document readiness.
func (c *chromedpContext) Navigate(ctx context.Context, tabID, pageURL string) error {
	tabCtx, cancel, err := c.attach(tabID)
	if err != nil {
		return err
	}
	defer cancel()
	navCtx, navCancel := context.WithTimeout(tabCtx, c.driver.cfg.NavTimeout)
	defer navCancel()
	if err := chromedp.Run(navCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("browser: navigate tab %s: %w", tabID, err)
	}
	return nil
}

// Tabs lists every page target in the browser, including tabs opened by
// other processes attached to the same remote-debug endpoint.
func (c *chromedpContext) Tabs(ctx context.Context) ([]Tab, error) {
	infos, err := chromedp.Targets(c.parent)
	if err != nil {
		return nil, fmt.Errorf("browser: list targets: %w", err)
	}
	tabs := make([]Tab, 0, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		tabs = append(tabs, Tab{ID: string(info.TargetID), URL: info.URL})
	}
	return tabs, nil
}

// CloseTab closes the tab with the given id; already-closed tabs are not
// an error.
func (c *chromedpContext) CloseTab(ctx context.Context, tabID string) error {
	c.mu.Lock()
	cancel, owned := c.tabCancels[tabID]
	delete(c.tabCancels, tabID)
	c.mu.Unlock()
	if owned {
		cancel()
		return nil
	}
	err := chromedp.Run(c.parent, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.CloseTarget(target.ID(tabID)).Do(ctx)
	}))
	if err != nil {
		// The target may be gone already; closing must be idempotent.
		c.driver.logger.Debug("browser: close tab", zap.String("tab", tabID), zap.Error(err))
	}
	return nil
}

// Evaluate runs script in the tab and unmarshals its result into out.
func (c *chromedpContext) Evaluate(ctx context.Context, tabID, script string, out any) error {
	tabCtx, cancel, err := c.attach(tabID)
	if err != nil {
		return err
	}
	defer cancel()
	evalCtx, evalCancel := context.WithTimeout(tabCtx, c.driver.cfg.NavTimeout)
	defer evalCancel()
	if err := chromedp.Run(evalCtx, chromedp.Evaluate(script, out)); err != nil {
		return fmt.Errorf("browser: evaluate in tab %s: %w", tabID, err)
	}
	return nil
}

// Cookies returns the context's current cookie jar.
func (c *chromedpContext) Cookies(ctx context.Context) ([]Cookie, error) {
	var cookies []Cookie
	err := chromedp.Run(c.parent, chromedp.ActionFunc(func(ctx context.Context) error {
		raw, err := network.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		cookies = make([]Cookie, 0, len(raw))
		for _, ck := range raw {
			cookies = append(cookies, Cookie{
				Name:     ck.Name,
				Value:    ck.Value,
				Domain:   ck.Domain,
				Path:     ck.Path,
				Expires:  time.Unix(int64(ck.Expires), 0),
				HTTPOnly: ck.HTTPOnly,
				Secure:   ck.Secure,
			})
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("browser: read cookies: %w", err)
	}
	return cookies, nil
}

// SetCookies installs cookies into the context.
func (c *chromedpContext) SetCookies(ctx context.Context, cookies []Cookie) error {
	err := chromedp.Run(c.parent, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, ck := range cookies {
			set := network.SetCookie(ck.Name, ck.Value).
				WithDomain(ck.Domain).
				WithPath(ck.Path).
				WithHTTPOnly(ck.HTTPOnly).
				WithSecure(ck.Secure)
			if !ck.Expires.IsZero() {
				epoch := cdp.TimeSinceEpoch(ck.Expires)
				set = set.WithExpires(&epoch)
			}
			if err := set.Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", ck.Name, err)
			}
		}
		return nil
	}))
	if err != nil {
		return fmt.Errorf("browser: install cookies: %w", err)
	}
	return nil
}

// Close cancels every owned tab and the context itself, and removes the
// context from its driver's Contexts list.
func (c *chromedpContext) Close() error {
	c.mu.Lock()
	for id, cancel := range c.tabCancels {
		cancel()
		delete(c.tabCancels, id)
	}
	c.mu.Unlock()
	d := c.driver
	d.mu.Lock()
	for i, other := range d.contexts {
		if other == c {
			d.contexts = append(d.contexts[:i], d.contexts[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	c.cancel()
	if c.allocCancel != nil {
		c.allocCancel()
	}
	return nil
}

// attach binds a chromedp context to an existing target, whether or not
// this process opened it.
func (c *chromedpContext) attach(tabID string) (context.Context, context.CancelFunc, error) {
	tabCtx, cancel := chromedp.NewContext(c.parent, chromedp.WithTargetID(target.ID(tabID)))
	return tabCtx, cancel, nil
}

func (c *chromedpContext) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if ua := c.driver.cfg.UserAgent; ua != "" {
			if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}
