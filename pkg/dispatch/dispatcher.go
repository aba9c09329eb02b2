// Package dispatch turns chat requests into browser round-trips.
//
// A Dispatcher answers from the conversation cache when it can. Otherwise it
// acquires the session for the request, runs the round-trip on the session's
// lane and retries transient failures with exponential backoff. Identical
// requests in flight at the same time share one round-trip.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/entrhq/relay/pkg/browser"
	"github.com/entrhq/relay/pkg/cache"
	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/provider"
	"github.com/entrhq/relay/pkg/session"
	"github.com/entrhq/relay/pkg/types"
)

// ErrInvalidRequest marks requests that can never succeed as sent.
var ErrInvalidRequest = errors.New("invalid request")

// Pool is the session pool the dispatcher draws from. *session.Pool
// implements it.
type Pool interface {
	Acquire(ctx context.Context, p types.Provider, name string) (*session.Session, error)
	Release(s *session.Session)
	Invalidate(s *session.Session)
	Reauthenticate(ctx context.Context, s *session.Session) error
	List() []session.Info
}

// SessionNamer supplies the session used when a request names none.
// *config.CredentialStore implements it.
type SessionNamer interface {
	DefaultSessionName(p types.Provider) string
}

// Config is the retry and deadline policy.
type Config struct {
	// RequestTimeout bounds a request whose context has no deadline, and
	// every shared round-trip.
	RequestTimeout time.Duration

	// AttemptTimeout bounds one round-trip attempt.
	AttemptTimeout time.Duration

	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// AbandonLimit consecutive timed-out attempts on one session invalidate it.
	AbandonLimit int

	// PollInterval paces reply polling; SettlePolls unchanged polls end a
	// reply that never shows the completion indicator.
	PollInterval time.Duration
	SettlePolls  int
}

// DefaultConfig returns the policy used for zero fields.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 300 * time.Second,
		AttemptTimeout: 120 * time.Second,
		MaxAttempts:    3,
		BackoffInitial: time.Second,
		BackoffMax:     10 * time.Second,
		AbandonLimit:   3,
		PollInterval:   100 * time.Millisecond,
		SettlePolls:    50,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = def.AttemptTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BackoffInitial < 0 {
		c.BackoffInitial = 0
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	if c.AbandonLimit <= 0 {
		c.AbandonLimit = def.AbandonLimit
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.SettlePolls <= 0 {
		c.SettlePolls = def.SettlePolls
	}
	return c
}

// Request is one chat completion.
type Request struct {
	// Provider may be empty, in which case Model is routed to one.
	Provider types.Provider
	Model    string

	// SessionName selects the provider account session; empty uses the
	// configured default.
	SessionName string

	// Messages must end with a user message.
	Messages []types.Message

	// OnDelta, when set, receives the reply as it streams. A cached or
	// shared reply arrives as a single delta.
	OnDelta func(delta string)
}

// Response is the reply to a Request.
type Response struct {
	ID              string
	Provider        types.Provider
	SessionName     string
	Model           string
	Content         string
	ConversationURL string
	Created         time.Time
	Attempts        int
	Cached          bool
	Coalesced       bool
}

// Dispatcher serves requests. It is safe for concurrent use.
type Dispatcher struct {
	pool   Pool
	cache  *cache.Cache
	flows  *provider.Registry
	names  SessionNamer
	cfg    Config
	log    *logging.Logger
	tracer trace.Tracer
	group  singleflight.Group
}

// New returns a dispatcher. Zero config fields take DefaultConfig values.
func New(pool Pool, c *cache.Cache, flows *provider.Registry, names SessionNamer, cfg Config, log *logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.Nop()
	}
	return &Dispatcher{
		pool:   pool,
		cache:  c,
		flows:  flows,
		names:  names,
		cfg:    cfg.withDefaults(),
		log:    log,
		tracer: otel.Tracer("github.com/entrhq/relay/pkg/dispatch"),
	}
}

// Sessions describes the pool's live sessions.
func (d *Dispatcher) Sessions() []session.Info {
	return d.pool.List()
}

// Models lists the routable models.
func (d *Dispatcher) Models() []provider.Model {
	return d.flows.Models()
}

// job is a resolved request.
type job struct {
	provider types.Provider
	name     string
	model    string
	flow     *provider.Flow
	messages []types.Message
	fp       string
	sink     *deltaSink
}

// Submit answers req.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (resp *Response, err error) {
	j, err := d.resolve(req)
	if err != nil {
		return nil, err
	}

	ctx, span := d.tracer.Start(ctx, "relay.dispatch.submit", trace.WithAttributes(
		attribute.String("relay.provider", string(j.provider)),
		attribute.String("relay.session", j.name),
		attribute.String("relay.model", j.model),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Bool("relay.cached", resp.Cached),
				attribute.Bool("relay.coalesced", resp.Coalesced),
				attribute.Int("relay.attempts", resp.Attempts),
			)
		}
		span.End()
	}()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.RequestTimeout)
		defer cancel()
	}

	if e, ok := d.lookup(ctx, j.fp); ok {
		d.log.Debugf("%s/%s: cache hit %.12s", j.provider, j.name, j.fp)
		emit(req.OnDelta, e.Payload)
		return cached(j, e), nil
	}

	j.sink = &deltaSink{fn: req.OnDelta}
	defer j.sink.close()

	var led bool
	ch := d.group.DoChan(j.fp, func() (any, error) {
		led = true
		// Shared by every caller; outlives any one of them.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.RequestTimeout)
		defer cancel()
		// A flight that finished between our miss and now has written through.
		if e, ok := d.lookup(fctx, j.fp); ok {
			d.log.Debugf("%s/%s: cache hit %.12s after a finished flight", j.provider, j.name, j.fp)
			return cached(j, e), nil
		}
		return d.dispatch(fctx, j)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		shared := *r.Val.(*Response)
		if !led {
			shared.Coalesced = true
		}
		if !led || shared.Cached {
			emit(req.OnDelta, shared.Content)
		}
		return &shared, nil
	case <-ctx.Done():
		return nil, &types.AutomationTimeoutError{Provider: j.provider, SessionName: j.name, Err: ctx.Err()}
	}
}

func cached(j *job, e *cache.Entry) *Response {
	return &Response{
		ID:              uuid.NewString(),
		Provider:        j.provider,
		SessionName:     j.name,
		Model:           j.model,
		Content:         e.Payload,
		ConversationURL: e.ConversationURL,
		Created:         e.CreatedAt,
		Cached:          true,
	}
}

func (d *Dispatcher) resolve(req Request) (*job, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: no messages", ErrInvalidRequest)
	}
	if last := req.Messages[len(req.Messages)-1]; last.Role != types.RoleUser {
		return nil, fmt.Errorf("%w: last message must be from the user, got %q", ErrInvalidRequest, last.Role)
	}

	p := req.Provider
	if p == "" {
		if req.Model == "" {
			return nil, fmt.Errorf("%w: a model or provider is required", ErrInvalidRequest)
		}
		var err error
		if p, err = d.flows.Route(req.Model); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}

	name := req.SessionName
	if name == "" && d.names != nil {
		name = d.names.DefaultSessionName(p)
	}
	flow, ok := d.flows.Flow(p)
	if !ok {
		return nil, &types.ProviderUnavailableError{Provider: p, SessionName: name,
			Err: fmt.Errorf("no automation flow for provider %q", p)}
	}
	model := req.Model
	if model == "" {
		model = flow.DefaultModel()
	}

	return &job{
		provider: p,
		name:     name,
		model:    model,
		flow:     flow,
		messages: req.Messages,
		fp:       cache.Fingerprint(p, name, model, req.Messages),
	}, nil
}

// lookup reads the cache. A failing cache is bypassed.
func (d *Dispatcher) lookup(ctx context.Context, fp string) (*cache.Entry, bool) {
	if d.cache == nil {
		return nil, false
	}
	e, ok, err := d.cache.Get(ctx, fp)
	if err != nil {
		d.log.Warnf("%v", err)
		return nil, false
	}
	return e, ok
}

// failure classes decide what a failed attempt surfaces as once retries run out.
type failure int

const (
	failTiming failure = iota
	failAuth
)

// dispatch runs the attempts of one round-trip.
func (d *Dispatcher) dispatch(ctx context.Context, j *job) (*Response, error) {
	deadline, _ := ctx.Deadline()
	t := newTicket(j.fp, deadline)
	p := d.plan(ctx, j)

	var (
		lastErr    error
		lastClass  failure
		needReauth bool
	)
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		t.Attempt = attempt
		t.State = StateDispatched

		s, err := d.pool.Acquire(ctx, j.provider, j.name)
		if err != nil {
			t.State = StateFailed
			if ctx.Err() != nil {
				return nil, d.timeoutError(j, attempt, err)
			}
			return nil, err
		}
		t.SessionID = s.Key()

		if needReauth {
			needReauth = false
			if err := d.pool.Reauthenticate(ctx, s); err != nil {
				var aerr *types.AuthenticationError
				if errors.As(err, &aerr) {
					t.State = StateFailed
					d.pool.Invalidate(s)
					return nil, err
				}
				lastErr, lastClass = err, failAuth
				if !d.backoff(ctx, t, attempt) {
					break
				}
				continue
			}
		}

		reply, url, err := d.attempt(ctx, s, j, p)
		if err == nil {
			s.NoteCompleted()
			d.pool.Release(s)
			t.State = StateSucceeded
			d.log.Infof("%s: answered %.12s in %d attempt(s)", s.Key(), j.fp, attempt)
			return d.complete(ctx, t, j, reply, url), nil
		}

		lastErr = err
		switch {
		case errors.Is(err, types.ErrLoggedOut):
			lastClass = failAuth
			needReauth = true
			d.log.Warnf("%s: logged out during attempt %d, re-authenticating", s.Key(), attempt)
		case errors.Is(err, session.ErrClosed):
			lastClass = failTiming
			d.log.Warnf("%s: session closed during attempt %d", s.Key(), attempt)
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			lastClass = failTiming
			if n := s.NoteAbandoned(); n >= d.cfg.AbandonLimit {
				d.log.Warnf("%s: %d attempts in a row timed out, invalidating session", s.Key(), n)
				d.pool.Invalidate(s)
			}
		default:
			lastClass = failTiming
			d.log.Warnf("%s: attempt %d failed: %v", s.Key(), attempt, err)
		}

		if !d.backoff(ctx, t, attempt) {
			break
		}
	}

	t.State = StateFailed
	if lastClass == failAuth {
		return nil, &types.SessionExpiredError{Provider: j.provider, SessionName: j.name, Err: lastErr}
	}
	return nil, d.timeoutError(j, t.Attempt, lastErr)
}

// plan decides between continuing a cached conversation and starting over.
// A continuation needs the cached reply to the history before the last
// exchange to match the assistant message the caller sent back.
func (d *Dispatcher) plan(ctx context.Context, j *job) plan {
	msgs := j.messages
	n := len(msgs)
	if n >= 3 && msgs[n-2].Role == types.RoleAssistant {
		prefix := cache.Fingerprint(j.provider, j.name, j.model, msgs[:n-2])
		if e, ok := d.lookup(ctx, prefix); ok && e.ConversationURL != "" && e.Payload == msgs[n-2].Content {
			d.log.Debugf("%s/%s: continuing conversation %s", j.provider, j.name, e.ConversationURL)
			return newPlan(j.flow, j.model, msgs, e.ConversationURL)
		}
	}
	return newPlan(j.flow, j.model, msgs, "")
}

// attempt runs one round-trip on the session's lane under the attempt timeout.
func (d *Dispatcher) attempt(ctx context.Context, s *session.Session, j *job, p plan) (string, string, error) {
	actx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	type result struct{ reply, url string }
	out := make(chan result, 1)
	err := s.Do(actx, func(ctx context.Context, drv browser.Driver) error {
		rt := &roundTrip{driver: drv, flow: j.flow, poll: d.cfg.PollInterval, settle: d.cfg.SettlePolls, log: d.log}
		reply, url, err := rt.run(ctx, p, j.sink.emit)
		if err != nil {
			return err
		}
		out <- result{reply, url}
		return nil
	})
	if err != nil {
		return "", "", err
	}
	r := <-out
	return r.reply, r.url, nil
}

// backoff waits before the next attempt. It reports false when no attempt
// should follow.
func (d *Dispatcher) backoff(ctx context.Context, t *Ticket, attempt int) bool {
	if attempt >= d.cfg.MaxAttempts || ctx.Err() != nil {
		return false
	}
	t.State = StateRetrying
	wait := d.cfg.BackoffInitial << (attempt - 1)
	if wait > d.cfg.BackoffMax || wait < 0 {
		wait = d.cfg.BackoffMax
	}
	if wait <= 0 {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// complete writes the reply through to the cache and builds the response.
func (d *Dispatcher) complete(ctx context.Context, t *Ticket, j *job, reply, url string) *Response {
	resp := &Response{
		ID:              t.ID,
		Provider:        j.provider,
		SessionName:     j.name,
		Model:           j.model,
		Content:         reply,
		ConversationURL: url,
		Created:         time.Now(),
		Attempts:        t.Attempt,
	}
	if d.cache == nil {
		return resp
	}
	err := d.cache.Put(context.WithoutCancel(ctx), cache.Entry{
		Fingerprint:     j.fp,
		Provider:        j.provider,
		SessionName:     j.name,
		Model:           j.model,
		Payload:         reply,
		ConversationURL: url,
	}, 0)
	if err != nil {
		d.log.Warnf("%s/%s: reply not cached: %v", j.provider, j.name, err)
	}
	return resp
}

func (d *Dispatcher) timeoutError(j *job, attempts int, err error) error {
	return &types.AutomationTimeoutError{Provider: j.provider, SessionName: j.name, Attempts: attempts, Err: err}
}

// deltaSink forwards deltas to a caller until the caller has returned.
type deltaSink struct {
	mu     sync.Mutex
	fn     func(string)
	closed bool
}

func (s *deltaSink) emit(delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		emit(s.fn, delta)
	}
}

func (s *deltaSink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
