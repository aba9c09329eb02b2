package auth

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/entrhq/relay/pkg/browser"
	"github.com/entrhq/relay/pkg/provider"
	"github.com/entrhq/relay/pkg/types"
)

// stage is one numbered step of a login. Stages run in order, each under its
// own timeout.
type stage struct {
	name string
	run  func(ctx context.Context, r *run) error
}

// strategy is a login procedure. The concrete strategies are selected by
// AuthMethod in strategyFor.
type strategy interface {
	method() types.AuthMethod
	stages() []stage
}

func strategyFor(m types.AuthMethod) (strategy, error) {
	switch m {
	case types.AuthMethodGoogle:
		return federatedStrategy{}, nil
	case types.AuthMethodDirect:
		return directStrategy{}, nil
	default:
		return nil, fmt.Errorf("unsupported auth method %q", m)
	}
}

// federatedStrategy signs in through Google. The provider opens the Google
// pages in place or in a popup; the driver follows either.
type federatedStrategy struct{}

func (federatedStrategy) method() types.AuthMethod { return types.AuthMethodGoogle }

func (federatedStrategy) stages() []stage {
	return []stage{
		{name: "open", run: func(ctx context.Context, r *run) error {
			if err := r.driver.Navigate(ctx, r.flow.LoginURL); err != nil {
				return err
			}
			return r.waitAndClick(ctx, r.flow.Federated.Button)
		}},
		{name: "identity", run: func(ctx context.Context, r *run) error {
			sel := r.flow.Federated
			if err := r.waitAndType(ctx, sel.IdentityInput, r.cred.Identity); err != nil {
				return err
			}
			return r.driver.Click(ctx, sel.IdentityNext)
		}},
		{name: "secret", run: func(ctx context.Context, r *run) error {
			sel := r.flow.Federated
			if err := r.waitAndType(ctx, sel.SecretInput, r.cred.Secret); err != nil {
				return err
			}
			return r.driver.Click(ctx, sel.SecretNext)
		}},
		{name: "redirect", run: func(ctx context.Context, r *run) error {
			return r.awaitRedirect(ctx, r.flow.Federated.ContinueButton)
		}},
	}
}

// directStrategy fills the provider's own credential form.
type directStrategy struct{}

func (directStrategy) method() types.AuthMethod { return types.AuthMethodDirect }

func (directStrategy) stages() []stage {
	return []stage{
		{name: "open", run: func(ctx context.Context, r *run) error {
			return r.driver.Navigate(ctx, r.flow.LoginURL)
		}},
		{name: "identity", run: func(ctx context.Context, r *run) error {
			return r.waitAndType(ctx, r.flow.Direct.IdentityInput, r.cred.Identity)
		}},
		{name: "secret", run: func(ctx context.Context, r *run) error {
			sel := r.flow.Direct
			if err := r.waitAndType(ctx, sel.SecretInput, r.cred.Secret); err != nil {
				return err
			}
			return r.driver.Click(ctx, sel.Submit)
		}},
		{name: "redirect", run: func(ctx context.Context, r *run) error {
			return r.awaitRedirect(ctx, "")
		}},
	}
}

// run is the state one login attempt shares across its stages.
type run struct {
	driver browser.Driver
	flow   *provider.Flow
	cred   types.Credential
	poll   time.Duration
}

// waitFor waits for selector for as long as the stage has left.
func (r *run) waitFor(ctx context.Context, selector string) error {
	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return r.driver.WaitFor(ctx, selector, timeout)
}

func (r *run) waitAndClick(ctx context.Context, selector string) error {
	if err := r.waitFor(ctx, selector); err != nil {
		return err
	}
	return r.driver.Click(ctx, selector)
}

func (r *run) waitAndType(ctx context.Context, selector, text string) error {
	if err := r.waitFor(ctx, selector); err != nil {
		return err
	}
	return r.driver.Type(ctx, selector, text)
}

// awaitRedirect polls the page URL until it is a signed-in page. A consent
// button, when given, is clicked whenever it shows up on the way.
func (r *run) awaitRedirect(ctx context.Context, consent string) error {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		current := r.driver.CurrentURL()
		if r.flow.IsFailureURL(current) {
			return fmt.Errorf("sign-in refused at %s", redact(current))
		}
		if r.flow.IsAuthenticatedURL(current) {
			return nil
		}
		if consent != "" {
			if ok, err := r.driver.Exists(ctx, consent); err == nil && ok {
				_ = r.driver.Click(ctx, consent)
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("still on %s: %w", redact(current), ctx.Err())
		case <-ticker.C:
		}
	}
}

// redact strips the query and fragment, which carry sign-in tokens.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable url>"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
