// Package auth signs browser sessions in to the chat front-ends.
//
// A Controller runs one of two strategies, federated (Google) or direct (the
// provider's own form), as a sequence of numbered stages. Any stage that
// fails or outlives its timeout ends the attempt with a
// types.AuthenticationError naming the stage.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/entrhq/relay/pkg/browser"
	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/provider"
	"github.com/entrhq/relay/pkg/types"
)

const (
	DefaultStepTimeout  = 60 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
)

// Target is what the controller signs in: a session with its driver,
// credential and flow. The controller is the only writer of its auth state,
// apart from invalidation.
type Target interface {
	Provider() types.Provider
	Name() string
	Driver() browser.Driver
	Credential() types.Credential
	Flow() *provider.Flow
	SetAuthState(types.AuthState)
}

// Options configures a Controller.
type Options struct {
	// StepTimeout bounds every stage.
	StepTimeout time.Duration

	// PollInterval paces URL checks while waiting for the redirect back.
	PollInterval time.Duration

	// Debug captures a screenshot of the page a login failed on.
	Debug bool
}

// Controller runs login strategies.
type Controller struct {
	opts   Options
	log    *logging.Logger
	tracer trace.Tracer
}

// NewController returns a controller; zero options take the defaults.
func NewController(opts Options, log *logging.Logger) *Controller {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Controller{
		opts:   opts,
		log:    log,
		tracer: otel.Tracer("github.com/entrhq/relay/pkg/auth"),
	}
}

// Authenticate signs t in. A driver that started from saved browser state is
// first checked for a live login, in which case no strategy runs. On success
// the driver's state is saved for the next start.
func (c *Controller) Authenticate(ctx context.Context, t Target) (err error) {
	cred := t.Credential()
	ctx, span := c.tracer.Start(ctx, "relay.auth.authenticate", trace.WithAttributes(
		attribute.String("relay.provider", string(t.Provider())),
		attribute.String("relay.session", t.Name()),
		attribute.String("relay.auth_method", string(cred.Method)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	t.SetAuthState(types.AuthStateAuthenticating)
	key := fmt.Sprintf("%s/%s", t.Provider(), t.Name())

	if r, ok := t.Driver().(browser.StateRestorer); ok && r.RestoredState() {
		if c.probe(ctx, t) {
			span.SetAttributes(attribute.Bool("relay.auth.restored", true))
			c.log.Infof("%s: saved login is still valid", key)
			t.SetAuthState(types.AuthStateAuthenticated)
			return nil
		}
		c.log.Infof("%s: saved login expired, signing in again", key)
	}

	strat, err := strategyFor(cred.Method)
	if err != nil {
		t.SetAuthState(types.AuthStateUnauthenticated)
		return &types.AuthenticationError{Provider: t.Provider(), SessionName: t.Name(), Stage: 0, StageName: "select", Err: err}
	}

	r := &run{driver: t.Driver(), flow: t.Flow(), cred: cred, poll: c.opts.PollInterval}
	start := time.Now()
	for i, st := range strat.stages() {
		num := i + 1
		stageCtx, cancel := context.WithTimeout(ctx, c.opts.StepTimeout)
		deadline, _ := stageCtx.Deadline()
		err := st.run(stageCtx, r)
		timedOut := ctx.Err() == nil && (stageCtx.Err() != nil || !time.Now().Before(deadline))
		cancel()
		if err != nil {
			switch {
			case timedOut && errors.Is(err, context.DeadlineExceeded):
				err = fmt.Errorf("stage timed out after %s: %w", c.opts.StepTimeout, err)
			case timedOut:
				// Drivers report their own timeouts; keep the cause classifiable.
				err = fmt.Errorf("stage timed out after %s: %w: %w", c.opts.StepTimeout, context.DeadlineExceeded, err)
			}
			return c.fail(t, key, num, st.name, err)
		}
		c.log.Debugf("%s: stage %d (%s) done", key, num, st.name)
	}

	t.SetAuthState(types.AuthStateAuthenticated)
	c.log.Infof("%s: signed in via %s in %s", key, strat.method(), time.Since(start).Round(time.Millisecond))

	if p, ok := t.Driver().(browser.StatePersister); ok {
		if err := p.PersistState(ctx); err != nil {
			c.log.Warnf("%s: could not save browser state: %v", key, err)
		}
	}
	return nil
}

// probe reports whether the driver is already signed in: the new-chat page
// loads without a redirect to a login page and shows no sign-in prompt.
func (c *Controller) probe(ctx context.Context, t Target) bool {
	ctx, cancel := context.WithTimeout(ctx, c.opts.StepTimeout)
	defer cancel()

	d, flow := t.Driver(), t.Flow()
	if err := d.Navigate(ctx, flow.NewChatURL); err != nil {
		c.log.Debugf("%s/%s: probe navigation failed: %v", t.Provider(), t.Name(), err)
		return false
	}
	current := d.CurrentURL()
	if !flow.IsAuthenticatedURL(current) || flow.IsLoginURL(current) {
		return false
	}
	if flow.Chat.LoggedOut != "" {
		if out, err := d.Exists(ctx, flow.Chat.LoggedOut); err != nil || out {
			return false
		}
	}
	return true
}

func (c *Controller) fail(t Target, key string, num int, name string, err error) error {
	t.SetAuthState(types.AuthStateUnauthenticated)
	c.log.Errorf("%s: sign-in failed at stage %d (%s): %v", key, num, name, err)

	if c.opts.Debug {
		// The attempt context may already be spent; the capture gets its own.
		shotCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if path, serr := t.Driver().Screenshot(shotCtx, fmt.Sprintf("auth_stage%d_%s", num, name)); serr != nil {
			c.log.Warnf("%s: screenshot failed: %v", key, serr)
		} else if path != "" {
			c.log.Infof("%s: screenshot saved to %s", key, path)
		}
	}

	return &types.AuthenticationError{
		Provider:    t.Provider(),
		SessionName: t.Name(),
		Stage:       num,
		StageName:   name,
		Err:         err,
	}
}
