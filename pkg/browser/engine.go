// Package browser drives real Chromium pages through Playwright.
//
// The rest of relay only sees the Driver interface; Engine is the Factory that
// backs it in production. One Chromium process is shared, and every driver
// gets its own browser context so sessions never share cookies.
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/relay/pkg/logging"
)

// Defaults applied by NewEngine to zero fields.
const (
	DefaultViewportWidth  = 1920
	DefaultViewportHeight = 1080
	DefaultStepTimeout    = 60 * time.Second
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

// Options configures an Engine.
type Options struct {
	// Debug shows the browser window, slows it down by SlowMo and logs page
	// traffic and console output.
	Debug  bool
	SlowMo time.Duration

	Args           []string
	ViewportWidth  int
	ViewportHeight int

	// StepTimeout bounds a single driver command.
	StepTimeout time.Duration

	// StateDir holds one storage-state file per session key. Empty disables
	// persistence.
	StateDir string

	// ScreenshotDir receives failure screenshots. Empty disables them.
	ScreenshotDir string

	// SkipInstall assumes the Playwright driver and browsers are present.
	SkipInstall bool
}

// Engine owns the Playwright process and the shared Chromium instance.
type Engine struct {
	mu          sync.Mutex
	opts        Options
	log         *logging.Logger
	pw          *playwright.Playwright
	browser     playwright.Browser
	drivers     map[*PlaywrightDriver]struct{}
	initialized bool
}

// NewEngine creates an engine. Playwright is started lazily by the first
// NewDriver call, or eagerly by Initialize.
func NewEngine(opts Options, log *logging.Logger) *Engine {
	if opts.ViewportWidth == 0 {
		opts.ViewportWidth = DefaultViewportWidth
	}
	if opts.ViewportHeight == 0 {
		opts.ViewportHeight = DefaultViewportHeight
	}
	if opts.StepTimeout == 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Engine{
		opts:    opts,
		log:     log,
		drivers: make(map[*PlaywrightDriver]struct{}),
	}
}

// Initialize installs (unless skipped) and starts Playwright, then launches
// Chromium. It is safe to call more than once.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initLocked()
}

func (e *Engine) initLocked() error {
	if e.initialized {
		return nil
	}

	// Keep the driver's own output off our stdout; it is not structured.
	runOpts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}

	if !e.opts.SkipInstall {
		e.log.Infof("Installing Playwright driver and browsers")
		if err := playwright.Install(runOpts); err != nil {
			return fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(!e.opts.Debug),
		Args:     e.opts.Args,
	}
	if e.opts.Debug && e.opts.SlowMo > 0 {
		launchOpts.SlowMo = playwright.Float(float64(e.opts.SlowMo.Milliseconds()))
	}
	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		_ = pw.Stop()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	e.pw = pw
	e.browser = browser
	e.initialized = true
	e.log.Infof("Browser launched (headless=%t)", !e.opts.Debug)
	return nil
}

// NewDriver opens a fresh browser context and page for the session named
// key. When a storage-state file exists for key the context starts from it.
func (e *Engine) NewDriver(ctx context.Context, key string) (Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.initLocked(); err != nil {
		return nil, err
	}

	statePath := e.statePath(key)
	restored := false

	contextOpts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  e.opts.ViewportWidth,
			Height: e.opts.ViewportHeight,
		},
		UserAgent: playwright.String(userAgents[rand.IntN(len(userAgents))]),
	}
	if statePath != "" {
		if _, err := os.Stat(statePath); err == nil {
			contextOpts.StorageStatePath = playwright.String(statePath)
			restored = true
		}
	}

	bctx, err := e.browser.NewContext(contextOpts)
	if err != nil && restored {
		// A corrupt state file must not block the session forever.
		e.log.Warnf("Discarding unreadable browser state %s: %v", statePath, err)
		_ = os.Remove(statePath)
		contextOpts.StorageStatePath = nil
		restored = false
		bctx, err = e.browser.NewContext(contextOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(float64(e.opts.StepTimeout.Milliseconds()))

	d := newPlaywrightDriver(e, key, bctx, page, statePath, restored)
	e.drivers[d] = struct{}{}
	e.log.Debugf("Driver %s created (restored state: %t)", key, restored)
	return d, nil
}

func (e *Engine) release(d *PlaywrightDriver) {
	e.mu.Lock()
	delete(e.drivers, d)
	e.mu.Unlock()
}

// Shutdown closes every open driver, the browser and Playwright.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	drivers := make([]*PlaywrightDriver, 0, len(e.drivers))
	for d := range e.drivers {
		drivers = append(drivers, d)
	}
	e.mu.Unlock()

	var errs []error
	for _, d := range drivers {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return errors.Join(errs...)
	}
	if err := e.browser.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
	}
	if err := e.pw.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
	}
	e.initialized = false
	return errors.Join(errs...)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func (e *Engine) statePath(key string) string {
	if e.opts.StateDir == "" {
		return ""
	}
	return filepath.Join(e.opts.StateDir, unsafeName.ReplaceAllString(key, "_")+".json")
}

func (e *Engine) screenshotPath(key, name string) string {
	if e.opts.ScreenshotDir == "" {
		return ""
	}
	file := fmt.Sprintf("error_%s_%s_%s.png",
		unsafeName.ReplaceAllString(key, "_"),
		unsafeName.ReplaceAllString(name, "_"),
		time.Now().Format("20060102-150405.000"))
	return filepath.Join(e.opts.ScreenshotDir, file)
}
