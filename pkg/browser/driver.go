package browser

import (
	"context"
	"errors"
	"time"
)

// ErrNoElement is returned by ReadText when nothing matches the selector.
var ErrNoElement = errors.New("no element matches selector")

// ErrClosed is returned by every Driver method after Close.
var ErrClosed = errors.New("driver closed")

// Driver is the narrow contract relay needs from a browser engine. A Driver is
// owned by exactly one session and is not safe for concurrent use; callers
// serialize access.
//
// Every blocking method honors the context deadline in addition to its own
// timeout. Any error is treated by callers as a transient automation failure.
type Driver interface {
	// Navigate loads url and waits for the network to go idle.
	Navigate(ctx context.Context, url string) error

	// WaitFor waits until selector is visible. A zero timeout uses the driver default.
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error

	// Type replaces the content of the input matching selector with text.
	Type(ctx context.Context, selector, text string) error

	// Click clicks the element matching selector.
	Click(ctx context.Context, selector string) error

	// Press sends a key (for example "Enter") to the element matching selector.
	Press(ctx context.Context, selector, key string) error

	// ReadText returns the rendered text of the last element matching selector.
	ReadText(ctx context.Context, selector string) (string, error)

	// Exists reports whether any element currently matches selector.
	Exists(ctx context.Context, selector string) (bool, error)

	// CurrentURL returns the URL of the page commands are sent to.
	CurrentURL() string

	// Screenshot captures the current page for failure diagnosis and returns
	// the file path written.
	Screenshot(ctx context.Context, name string) (string, error)

	// Close releases the page and everything behind it.
	Close() error
}

// StatePersister is implemented by drivers that can save their login state
// (cookies, local storage) so a later driver for the same session starts
// signed in.
type StatePersister interface {
	PersistState(ctx context.Context) error
}

// StateRestorer is implemented by drivers that may have started from a saved
// login state.
type StateRestorer interface {
	RestoredState() bool
}

// Factory creates drivers. key identifies the owning session and names any
// state the factory persists for it.
type Factory interface {
	NewDriver(ctx context.Context, key string) (Driver, error)
}

// stepTimeout bounds d by whatever remains of ctx. It fails fast when ctx is
// already done.
func stepTimeout(ctx context.Context, d time.Duration) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, context.DeadlineExceeded
		}
		if d <= 0 || remaining < d {
			return remaining, nil
		}
	}
	return d, nil
}
