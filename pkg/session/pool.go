// Package session keeps one authenticated browser session per provider and
// session name, and serializes all work on each session through a FIFO lane.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/entrhq/relay/pkg/auth"
	"github.com/entrhq/relay/pkg/browser"
	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/provider"
	"github.com/entrhq/relay/pkg/types"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("session pool closed")

// Authenticator signs a session in. *auth.Controller implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, t auth.Target) error
}

// Credentials resolves login material per provider. *config.CredentialStore
// implements it.
type Credentials interface {
	Lookup(p types.Provider) (types.Credential, bool)
}

// Options configures a Pool.
type Options struct {
	// IdleTimeout is how long a session may sit unused before CloseIdle
	// closes it. Zero keeps sessions until Close.
	IdleTimeout time.Duration

	// Now is the clock. Nil uses time.Now.
	Now func() time.Time
}

// Pool owns the sessions. At most one live session exists per key.
type Pool struct {
	factory browser.Factory
	authn   Authenticator
	creds   Credentials
	flows   *provider.Registry
	idle    time.Duration
	now     func() time.Time
	log     *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// entry is a session slot. ready is closed once s or err is set; until then
// every Acquire for the key waits on the same creation.
type entry struct {
	ready chan struct{}
	s     *Session
	err   error
}

// NewPool returns an empty pool.
func NewPool(factory browser.Factory, authn Authenticator, creds Credentials, flows *provider.Registry, opts Options, log *logging.Logger) *Pool {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		factory: factory,
		authn:   authn,
		creds:   creds,
		flows:   flows,
		idle:    opts.IdleTimeout,
		now:     opts.Now,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
}

// Acquire returns the authenticated session for p and name, creating and
// signing one in when none exists. A session left signed out by a failed
// re-authentication is signed in again before it is returned. Concurrent callers for the same key share a
// single creation. ctx bounds only the wait: a creation outlives callers that
// give up on it.
func (p *Pool) Acquire(ctx context.Context, prov types.Provider, name string) (*Session, error) {
	key := Key(prov, name)
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		e, ok := p.entries[key]
		if !ok {
			e = &entry{ready: make(chan struct{})}
			p.entries[key] = e
			go p.create(e, prov, name)
		}
		p.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		switch e.s.AuthState() {
		case types.AuthStateExpired:
			// Invalidated between publication and now.
			p.remove(key, e)
			continue
		case types.AuthStateUnauthenticated:
			// A re-authentication failed. Work queued behind a running one
			// (AuthStateAuthenticating) already waits for it on the lane.
			if err := p.signInAgain(ctx, e.s); err != nil {
				return nil, err
			}
		}
		return e.s, nil
	}
}

// signInAgain authenticates s on its lane unless a sign-in queued ahead of
// this one already succeeded.
func (p *Pool) signInAgain(ctx context.Context, s *Session) error {
	return s.Do(ctx, func(ctx context.Context, _ browser.Driver) error {
		if s.AuthState() == types.AuthStateAuthenticated {
			return nil
		}
		p.log.Infof("%s: not signed in, authenticating before use", s.Key())
		return p.authn.Authenticate(ctx, s)
	})
}

func (p *Pool) create(e *entry, prov types.Provider, name string) {
	key := Key(prov, name)
	s, err := p.open(p.ctx, prov, name)

	p.mu.Lock()
	if err == nil && p.closed {
		_ = s.close()
		s, err = nil, ErrPoolClosed
	}
	if err != nil && p.entries[key] == e {
		delete(p.entries, key)
	}
	e.s, e.err = s, err
	p.mu.Unlock()
	close(e.ready)
}

func (p *Pool) open(ctx context.Context, prov types.Provider, name string) (*Session, error) {
	key := Key(prov, name)
	flow, ok := p.flows.Flow(prov)
	if !ok {
		return nil, &types.ProviderUnavailableError{Provider: prov, SessionName: name,
			Err: fmt.Errorf("no automation flow for provider %q", prov)}
	}
	cred, ok := p.creds.Lookup(prov)
	if !ok {
		return nil, &types.ProviderUnavailableError{Provider: prov, SessionName: name,
			Err: errors.New("no credentials configured")}
	}

	d, err := p.factory.NewDriver(ctx, key)
	if err != nil {
		p.log.Errorf("%s: could not start browser: %v", key, err)
		return nil, &types.ProviderUnavailableError{Provider: prov, SessionName: name, Err: err}
	}

	s := newSession(prov, name, flow, cred, d, p.now)
	p.log.Infof("%s: session created, signing in", key)
	if err := p.authenticate(ctx, s); err != nil {
		_ = s.close()
		return nil, err
	}
	return s, nil
}

// authenticate runs the login on the session's lane, so it never overlaps a
// round-trip.
func (p *Pool) authenticate(ctx context.Context, s *Session) error {
	return s.Do(ctx, func(ctx context.Context, _ browser.Driver) error {
		return p.authn.Authenticate(ctx, s)
	})
}

// Reauthenticate signs s in again on its existing driver. The login is queued
// on the lane behind any work already waiting there.
func (p *Pool) Reauthenticate(ctx context.Context, s *Session) error {
	p.log.Infof("%s: re-authenticating", s.Key())
	return p.authenticate(ctx, s)
}

// Release hands s back after use.
func (p *Pool) Release(s *Session) {
	s.touch()
}

// Invalidate marks s expired and closes it. The next Acquire for its key
// creates a fresh session.
func (p *Pool) Invalidate(s *Session) {
	p.mu.Lock()
	if e, ok := p.entries[s.key]; ok && e.s == s {
		delete(p.entries, s.key)
	}
	p.mu.Unlock()

	s.SetAuthState(types.AuthStateExpired)
	if err := s.close(); err != nil {
		p.log.Warnf("%s: closing invalidated session: %v", s.key, err)
	}
	p.log.Infof("%s: session invalidated", s.key)
}

func (p *Pool) remove(key string, e *entry) {
	p.mu.Lock()
	if p.entries[key] == e {
		delete(p.entries, key)
	}
	p.mu.Unlock()
}

// live returns the published sessions. Callers hold p.mu.
func (p *Pool) live() []*Session {
	var out []*Session
	for _, e := range p.entries {
		select {
		case <-e.ready:
			if e.s != nil {
				out = append(out, e.s)
			}
		default:
		}
	}
	return out
}

// List describes the live sessions, sorted by key.
func (p *Pool) List() []Info {
	p.mu.Lock()
	sessions := p.live()
	p.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

// CloseIdle closes sessions with no queued work that have been unused for
// longer than the idle timeout, and returns how many it closed.
func (p *Pool) CloseIdle() int {
	if p.idle <= 0 {
		return 0
	}
	now := p.now()

	p.mu.Lock()
	var idle []*Session
	for _, s := range p.live() {
		if s.Pending() == 0 && now.Sub(s.LastUsed()) > p.idle {
			delete(p.entries, s.key)
			idle = append(idle, s)
		}
	}
	p.mu.Unlock()

	for _, s := range idle {
		if err := s.close(); err != nil {
			p.log.Warnf("%s: closing idle session: %v", s.key, err)
		}
		p.log.Infof("%s: closed after %s idle", s.key, p.idle)
	}
	return len(idle)
}

// ReapIdle calls CloseIdle every interval until ctx ends.
func (p *Pool) ReapIdle(ctx context.Context, every time.Duration) {
	if p.idle <= 0 || every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CloseIdle()
		}
	}
}

// Close closes every session and waits briefly for their lanes to stop.
// Creations still in progress are abandoned.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sessions := p.live()
	p.entries = make(map[string]*entry)
	p.mu.Unlock()
	p.cancel()

	var errs []error
	for _, s := range sessions {
		if err := s.close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.key, err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range sessions {
		if err := s.wait(ctx); err != nil {
			p.log.Warnf("%s: lane still busy at shutdown", s.key)
		}
	}
	return errors.Join(errs...)
}
