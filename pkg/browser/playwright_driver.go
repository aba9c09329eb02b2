package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/relay/pkg/logging"
)

// PlaywrightDriver is a Driver backed by one Playwright browser context.
//
// Sign-in flows may open a popup window; the driver follows it, sending
// commands to the popup until it closes and then returning to the main page.
type PlaywrightDriver struct {
	engine    *Engine
	key       string
	log       *logging.Logger
	bctx      playwright.BrowserContext
	main      playwright.Page
	statePath string
	restored  bool

	mu     sync.Mutex
	active playwright.Page
	closed bool
}

var (
	_ Driver         = (*PlaywrightDriver)(nil)
	_ StatePersister = (*PlaywrightDriver)(nil)
	_ StateRestorer  = (*PlaywrightDriver)(nil)
)

func newPlaywrightDriver(e *Engine, key string, bctx playwright.BrowserContext, page playwright.Page, statePath string, restored bool) *PlaywrightDriver {
	d := &PlaywrightDriver{
		engine:    e,
		key:       key,
		log:       e.log.With(key),
		bctx:      bctx,
		main:      page,
		active:    page,
		statePath: statePath,
		restored:  restored,
	}
	d.watch(page)
	return d
}

func (d *PlaywrightDriver) watch(page playwright.Page) {
	page.OnPopup(func(popup playwright.Page) {
		d.mu.Lock()
		d.active = popup
		d.mu.Unlock()
		d.log.Debugf("Following popup %s", popup.URL())
		popup.SetDefaultTimeout(float64(d.engine.opts.StepTimeout.Milliseconds()))
		d.watch(popup)
	})
	page.OnClose(func(closed playwright.Page) {
		d.mu.Lock()
		if d.active == closed {
			d.active = d.main
		}
		d.mu.Unlock()
	})

	if !d.engine.opts.Debug {
		return
	}
	page.OnConsole(func(msg playwright.ConsoleMessage) {
		d.log.Debugf("console: %s", msg.Text())
	})
	page.OnRequest(func(req playwright.Request) {
		d.log.Debugf("request: %s %s", req.Method(), req.URL())
	})
	page.OnResponse(func(resp playwright.Response) {
		d.log.Debugf("response: %d %s", resp.Status(), resp.URL())
	})
}

func (d *PlaywrightDriver) page() (playwright.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if d.active.IsClosed() {
		d.active = d.main
	}
	return d.active, nil
}

// timeout returns the Playwright timeout in milliseconds for one step.
func (d *PlaywrightDriver) timeout(ctx context.Context, override time.Duration) (*float64, error) {
	step := d.engine.opts.StepTimeout
	if override > 0 {
		step = override
	}
	t, err := stepTimeout(ctx, step)
	if err != nil {
		return nil, err
	}
	return playwright.Float(float64(t.Milliseconds())), nil
}

// Navigate loads url and waits for the network to settle.
func (d *PlaywrightDriver) Navigate(ctx context.Context, url string) error {
	page, err := d.page()
	if err != nil {
		return err
	}
	timeout, err := d.timeout(ctx, 0)
	if err != nil {
		return err
	}
	if _, err := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   timeout,
	}); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

// WaitFor waits for selector to become visible.
func (d *PlaywrightDriver) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	page, err := d.page()
	if err != nil {
		return err
	}
	t, err := d.timeout(ctx, timeout)
	if err != nil {
		return err
	}
	if _, err := page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: t,
	}); err != nil {
		return fmt.Errorf("wait for %s failed: %w", selector, err)
	}
	return nil
}

// Type fills the input matching selector.
func (d *PlaywrightDriver) Type(ctx context.Context, selector, text string) error {
	page, err := d.page()
	if err != nil {
		return err
	}
	t, err := d.timeout(ctx, 0)
	if err != nil {
		return err
	}
	if err := page.Fill(selector, text, playwright.PageFillOptions{Timeout: t}); err != nil {
		return fmt.Errorf("fill %s failed: %w", selector, err)
	}
	return nil
}

// Click clicks the element matching selector.
func (d *PlaywrightDriver) Click(ctx context.Context, selector string) error {
	page, err := d.page()
	if err != nil {
		return err
	}
	t, err := d.timeout(ctx, 0)
	if err != nil {
		return err
	}
	if err := page.Click(selector, playwright.PageClickOptions{Timeout: t}); err != nil {
		return fmt.Errorf("click %s failed: %w", selector, err)
	}
	return nil
}

// Press sends key to the element matching selector.
func (d *PlaywrightDriver) Press(ctx context.Context, selector, key string) error {
	page, err := d.page()
	if err != nil {
		return err
	}
	t, err := d.timeout(ctx, 0)
	if err != nil {
		return err
	}
	if err := page.Press(selector, key, playwright.PagePressOptions{Timeout: t}); err != nil {
		return fmt.Errorf("press %s on %s failed: %w", key, selector, err)
	}
	return nil
}

// ReadText renders the last element matching selector.
func (d *PlaywrightDriver) ReadText(ctx context.Context, selector string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	page, err := d.page()
	if err != nil {
		return "", err
	}
	elements, err := page.QuerySelectorAll(selector)
	if err != nil {
		return "", fmt.Errorf("query %s failed: %w", selector, err)
	}
	if len(elements) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoElement, selector)
	}
	inner, err := elements[len(elements)-1].InnerHTML()
	if err != nil {
		return "", fmt.Errorf("read %s failed: %w", selector, err)
	}
	return RenderText(inner)
}

// Exists reports whether selector currently matches anything.
func (d *PlaywrightDriver) Exists(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	page, err := d.page()
	if err != nil {
		return false, err
	}
	el, err := page.QuerySelector(selector)
	if err != nil {
		return false, fmt.Errorf("query %s failed: %w", selector, err)
	}
	return el != nil, nil
}

// CurrentURL returns the URL of the active page, or "" once closed.
func (d *PlaywrightDriver) CurrentURL() string {
	page, err := d.page()
	if err != nil {
		return ""
	}
	return page.URL()
}

// Screenshot writes a full-page capture into the screenshot directory.
func (d *PlaywrightDriver) Screenshot(ctx context.Context, name string) (string, error) {
	path := d.engine.screenshotPath(d.key, name)
	if path == "" {
		return "", nil
	}
	page, err := d.page()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	if _, err := page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(path),
		FullPage: playwright.Bool(true),
	}); err != nil {
		return "", fmt.Errorf("screenshot failed: %w", err)
	}
	return path, nil
}

// PersistState saves cookies and local storage for the next driver of this
// session. The file is written to a temp path and renamed into place.
func (d *PlaywrightDriver) PersistState(ctx context.Context) error {
	if d.statePath == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := os.MkdirAll(filepath.Dir(d.statePath), 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp := d.statePath + ".tmp"
	if _, err := d.bctx.StorageState(tmp); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to save browser state: %w", err)
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to restrict browser state: %w", err)
	}
	if err := os.Rename(tmp, d.statePath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to store browser state: %w", err)
	}
	d.log.Debugf("Browser state saved to %s", d.statePath)
	return nil
}

// RestoredState reports whether the driver started from a saved state.
func (d *PlaywrightDriver) RestoredState() bool {
	return d.restored
}

// Close closes the browser context and every page in it.
func (d *PlaywrightDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.engine.release(d)
	if err := d.bctx.Close(); err != nil {
		return fmt.Errorf("failed to close browser context: %w", err)
	}
	return nil
}
