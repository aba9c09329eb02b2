package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/entrhq/relay/pkg/browser"
	"github.com/entrhq/relay/pkg/provider"
	"github.com/entrhq/relay/pkg/types"
)

// ErrClosed is returned for work submitted to a session that has been
// invalidated or closed.
var ErrClosed = errors.New("session closed")

// laneDepth bounds how many jobs may wait on one session.
const laneDepth = 256

// Job is work run against a session's driver.
type Job func(ctx context.Context, d browser.Driver) error

type job struct {
	ctx    context.Context
	fn     Job
	result chan error
}

// Session is one authenticated browser session. Its driver is used only by
// the session's lane: a single worker running queued jobs one at a time in
// arrival order.
type Session struct {
	key       string
	provider  types.Provider
	name      string
	flow      *provider.Flow
	cred      types.Credential
	driver    browser.Driver
	createdAt time.Time
	now       func() time.Time

	mu        sync.Mutex
	state     types.AuthState
	lastUsed  time.Time
	abandoned int

	pending atomic.Int64 // queued plus running jobs
	jobs    chan *job
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Key returns the pool key of a provider and session name.
func Key(p types.Provider, name string) string {
	return fmt.Sprintf("%s/%s", p, name)
}

func newSession(p types.Provider, name string, flow *provider.Flow, cred types.Credential, d browser.Driver, now func() time.Time) *Session {
	t := now()
	s := &Session{
		key:       Key(p, name),
		provider:  p,
		name:      name,
		flow:      flow,
		cred:      cred,
		driver:    d,
		createdAt: t,
		lastUsed:  t,
		now:       now,
		jobs:      make(chan *job, laneDepth),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Session) Key() string                  { return s.key }
func (s *Session) Provider() types.Provider     { return s.provider }
func (s *Session) Name() string                 { return s.name }
func (s *Session) Flow() *provider.Flow         { return s.flow }
func (s *Session) Credential() types.Credential { return s.cred }
func (s *Session) CreatedAt() time.Time         { return s.createdAt }

// Driver returns the session's driver. Outside a job it may only be used by
// the auth controller, which itself runs inside the lane.
func (s *Session) Driver() browser.Driver { return s.driver }

// AuthState returns the current auth state.
func (s *Session) AuthState() types.AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetAuthState is called by the auth controller and by invalidation.
func (s *Session) SetAuthState(state types.AuthState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// LastUsed returns when the session last finished a job.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsed = s.now()
	s.mu.Unlock()
}

// NoteAbandoned records an attempt the caller gave up on and returns how many
// have been abandoned in a row.
func (s *Session) NoteAbandoned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandoned++
	return s.abandoned
}

// NoteCompleted resets the abandoned-attempt streak.
func (s *Session) NoteCompleted() {
	s.mu.Lock()
	s.abandoned = 0
	s.mu.Unlock()
}

// Pending counts jobs queued or running.
func (s *Session) Pending() int {
	return int(s.pending.Load())
}

// Do queues fn on the lane and waits for its result.
//
// If ctx ends while fn is still queued, fn is skipped. If ctx ends while fn
// runs, Do returns ctx.Err() at once; fn keeps the lane until it returns, and
// sees the same cancelled ctx.
func (s *Session) Do(ctx context.Context, fn Job) error {
	j := &job{ctx: ctx, fn: fn, result: make(chan error, 1)}

	s.pending.Add(1)
	select {
	case <-s.quit:
		s.pending.Add(-1)
		return ErrClosed
	default:
	}
	select {
	case s.jobs <- j:
	case <-s.quit:
		s.pending.Add(-1)
		return ErrClosed
	case <-ctx.Done():
		s.pending.Add(-1)
		return ctx.Err()
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		// The worker may have answered just before exiting.
		select {
		case err := <-j.result:
			return err
		default:
			return ErrClosed
		}
	}
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			s.drain()
			return
		case j := <-s.jobs:
			s.exec(j)
		}
	}
}

func (s *Session) exec(j *job) {
	defer s.pending.Add(-1)
	if err := j.ctx.Err(); err != nil {
		j.result <- err
		return
	}
	select {
	case <-s.quit:
		j.result <- ErrClosed
		return
	default:
	}
	err := j.fn(j.ctx, s.driver)
	s.touch()
	j.result <- err
}

func (s *Session) drain() {
	for {
		select {
		case j := <-s.jobs:
			s.pending.Add(-1)
			j.result <- ErrClosed
		default:
			return
		}
	}
}

// close stops the lane and closes the driver. A running job sees its driver
// fail and finishes quickly.
func (s *Session) close() error {
	var err error
	s.once.Do(func() {
		close(s.quit)
		err = s.driver.Close()
	})
	return err
}

// wait blocks until the lane worker has exited or ctx ends.
func (s *Session) wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info is a point-in-time view of a session.
type Info struct {
	Key        string          `json:"key"`
	Provider   types.Provider  `json:"provider"`
	Name       string          `json:"name"`
	AuthState  types.AuthState `json:"auth_state"`
	CreatedAt  time.Time       `json:"created_at"`
	LastUsedAt time.Time       `json:"last_used_at"`
	Pending    int             `json:"pending"`
}

// Info returns a snapshot of s.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Key:        s.key,
		Provider:   s.provider,
		Name:       s.name,
		AuthState:  s.state,
		CreatedAt:  s.createdAt,
		LastUsedAt: s.lastUsed,
		Pending:    int(s.pending.Load()),
	}
}
