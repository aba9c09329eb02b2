// Package browsertest provides an in-memory browser.Driver for tests.
//
// Driver is a tiny page model: a current URL, a set of present selectors, text
// per selector and the last value typed into each input. Every call is
// recorded and instrumented so tests can assert ordering and detect
// overlapping use. Site layers a scripted provider front-end on top.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/relay/pkg/browser"
)

// Op names a Driver method.
type Op string

const (
	OpNavigate   Op = "navigate"
	OpWaitFor    Op = "wait_for"
	OpType       Op = "type"
	OpClick      Op = "click"
	OpPress      Op = "press"
	OpReadText   Op = "read_text"
	OpExists     Op = "exists"
	OpScreenshot Op = "screenshot"
	OpPersist    Op = "persist"
)

// Call is one recorded driver call. Target is the URL for navigations and the
// selector otherwise; Value is the typed text or pressed key.
type Call struct {
	Op     Op
	Target string
	Value  string
}

func (c Call) String() string {
	if c.Value == "" {
		return fmt.Sprintf("%s(%s)", c.Op, c.Target)
	}
	return fmt.Sprintf("%s(%s, %q)", c.Op, c.Target, c.Value)
}

// Hook runs after the default behavior of a call. A non-nil error is returned
// to the caller.
type Hook func(ctx context.Context, d *Driver, c Call) error

type failure struct {
	remaining int
	err       error
}

// Driver is a scripted browser.Driver. The zero value is not usable; call
// NewDriver.
type Driver struct {
	// Delay is spent inside every blocking call, honoring the context.
	Delay time.Duration

	// Hook, when set, scripts page behavior.
	Hook Hook

	// Restored is reported by RestoredState.
	Restored bool

	mu        sync.Mutex
	key       string
	url       string
	present   map[string]bool
	texts     map[string]string
	typed     map[string]string
	failures  map[Op]*failure
	calls     []Call
	active    int
	maxActive int
	persisted int
	shots     int
	closed    bool
}

var (
	_ browser.Driver         = (*Driver)(nil)
	_ browser.StatePersister = (*Driver)(nil)
	_ browser.StateRestorer  = (*Driver)(nil)
)

// NewDriver returns a driver on about:blank.
func NewDriver(key string) *Driver {
	return &Driver{
		key:      key,
		url:      "about:blank",
		present:  make(map[string]bool),
		texts:    make(map[string]string),
		typed:    make(map[string]string),
		failures: make(map[Op]*failure),
	}
}

// Key returns the session key the driver was created for.
func (d *Driver) Key() string { return d.key }

// SetURL moves the page to url without recording a call.
func (d *Driver) SetURL(url string) {
	d.mu.Lock()
	d.url = url
	d.mu.Unlock()
}

// SetPresent adds or removes selectors from the page.
func (d *Driver) SetPresent(present bool, selectors ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range selectors {
		if s == "" {
			continue
		}
		if present {
			d.present[s] = true
		} else {
			delete(d.present, s)
		}
	}
}

// SetText sets the text ReadText returns for selector and marks it present.
func (d *Driver) SetText(selector, text string) {
	d.mu.Lock()
	d.texts[selector] = text
	d.present[selector] = true
	d.mu.Unlock()
}

// ClearText removes the text of selector and marks it absent.
func (d *Driver) ClearText(selector string) {
	d.mu.Lock()
	delete(d.texts, selector)
	delete(d.present, selector)
	d.mu.Unlock()
}

// Typed returns the last value typed into selector.
func (d *Driver) Typed(selector string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typed[selector]
}

// FailNext makes the next n calls of op fail with err before any other
// behavior runs.
func (d *Driver) FailNext(op Op, n int, err error) {
	d.mu.Lock()
	d.failures[op] = &failure{remaining: n, err: err}
	d.mu.Unlock()
}

// Calls returns a copy of the recorded calls.
func (d *Driver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// CallsOf returns the recorded calls of op.
func (d *Driver) CallsOf(op Op) []Call {
	var out []Call
	for _, c := range d.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (d *Driver) ResetCalls() {
	d.mu.Lock()
	d.calls = nil
	d.mu.Unlock()
}

// MaxActive is the highest number of calls that were ever in flight at once.
// Anything above 1 means the driver was used concurrently.
func (d *Driver) MaxActive() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxActive
}

// Persisted counts PersistState calls.
func (d *Driver) Persisted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.persisted
}

// Screenshots counts Screenshot calls.
func (d *Driver) Screenshots() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shots
}

// Closed reports whether Close was called.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Driver) enter(ctx context.Context, c Call) error {
	d.mu.Lock()
	d.active++
	if d.closed {
		d.mu.Unlock()
		return browser.ErrClosed
	}
	d.calls = append(d.calls, c)
	if d.active > d.maxActive {
		d.maxActive = d.active
	}
	var injected error
	if f := d.failures[c.Op]; f != nil && f.remaining > 0 {
		f.remaining--
		injected = f.err
	}
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if d.Delay > 0 {
		t := time.NewTimer(d.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return injected
}

func (d *Driver) exit() {
	d.mu.Lock()
	d.active--
	d.mu.Unlock()
}

func (d *Driver) hook(ctx context.Context, c Call) error {
	if d.Hook == nil {
		return nil
	}
	return d.Hook(ctx, d, c)
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	c := Call{Op: OpNavigate, Target: url}
	defer d.exit()
	if err := d.enter(ctx, c); err != nil {
		return err
	}
	d.SetURL(url)
	return d.hook(ctx, c)
}

// WaitFor polls for selector until it is present, the timeout passes or ctx ends.
func (d *Driver) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	c := Call{Op: OpWaitFor, Target: selector}
	defer d.exit()
	if err := d.enter(ctx, c); err != nil {
		return err
	}
	if err := d.hook(ctx, c); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for {
		if d.has(selector) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("timeout %s waiting for %s", timeout, selector)
		case <-tick.C:
		}
	}
}

func (d *Driver) has(selector string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.present[selector]
}

func (d *Driver) Type(ctx context.Context, selector, text string) error {
	c := Call{Op: OpType, Target: selector, Value: text}
	defer d.exit()
	if err := d.enter(ctx, c); err != nil {
		return err
	}
	d.mu.Lock()
	d.typed[selector] = text
	d.mu.Unlock()
	return d.hook(ctx, c)
}

func (d *Driver) Click(ctx context.Context, selector string) error {
	c := Call{Op: OpClick, Target: selector}
	defer d.exit()
	if err := d.enter(ctx, c); err != nil {
		return err
	}
	return d.hook(ctx, c)
}

func (d *Driver) Press(ctx context.Context, selector, key string) error {
	c := Call{Op: OpPress, Target: selector, Value: key}
	defer d.exit()
	if err := d.enter(ctx, c); err != nil {
		return err
	}
	return d.hook(ctx, c)
}

func (d *Driver) ReadText(ctx context.Context, selector string) (string, error) {
	c := Call{Op: OpReadText, Target: selector}
	defer d.exit()
	if err := d.enter(ctx, c); err != nil {
		return "", err
	}
	if err := d.hook(ctx, c); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	text, ok := d.texts[selector]
	if !ok {
		return "", fmt.Errorf("%w: %s", browser.ErrNoElement, selector)
	}
	return text, nil
}

func (d *Driver) Exists(ctx context.Context, selector string) (bool, error) {
	c := Call{Op: OpExists, Target: selector}
	defer d.exit()
	if err := d.enter(ctx, c); err != nil {
		return false, err
	}
	if err := d.hook(ctx, c); err != nil {
		return false, err
	}
	return d.has(selector), nil
}

func (d *Driver) CurrentURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

func (d *Driver) Screenshot(ctx context.Context, name string) (string, error) {
	d.mu.Lock()
	d.shots++
	d.mu.Unlock()
	return "", nil
}

func (d *Driver) PersistState(ctx context.Context) error {
	c := Call{Op: OpPersist, Target: d.key}
	defer d.exit()
	if err := d.enter(ctx, c); err != nil {
		return err
	}
	d.mu.Lock()
	d.persisted++
	d.mu.Unlock()
	return d.hook(ctx, c)
}

func (d *Driver) RestoredState() bool {
	return d.Restored
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Factory is a browser.Factory handing out Drivers.
type Factory struct {
	// New builds each driver. Nil produces plain drivers.
	New func(key string) (*Driver, error)

	mu      sync.Mutex
	drivers []*Driver
}

var _ browser.Factory = (*Factory)(nil)

// ErrFactory is a convenient creation failure for tests.
var ErrFactory = errors.New("browser unavailable")

func (f *Factory) NewDriver(ctx context.Context, key string) (browser.Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		d   *Driver
		err error
	)
	if f.New != nil {
		d, err = f.New(key)
	} else {
		d = NewDriver(key)
	}
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.drivers = append(f.drivers, d)
	f.mu.Unlock()
	return d, nil
}

// Drivers returns every driver created so far, oldest first.
func (f *Factory) Drivers() []*Driver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Driver(nil), f.drivers...)
}

// Last returns the newest driver, or nil.
func (f *Factory) Last() *Driver {
	ds := f.Drivers()
	if len(ds) == 0 {
		return nil
	}
	return ds[len(ds)-1]
}
