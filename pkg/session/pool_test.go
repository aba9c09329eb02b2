package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/relay/internal/testing/browsertest"
	"github.com/entrhq/relay/pkg/auth"
	"github.com/entrhq/relay/pkg/browser"
	"github.com/entrhq/relay/pkg/config"
	"github.com/entrhq/relay/pkg/provider"
	"github.com/entrhq/relay/pkg/types"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func credentials() *config.CredentialStore {
	return config.NewCredentialStore(&config.Config{Providers: map[string]config.ProviderConfig{
		"claude": {AuthMethod: types.AuthMethodGoogle, Email: "user@example.com", Password: "hunter2"},
	}})
}

func controller() *auth.Controller {
	return auth.NewController(auth.Options{StepTimeout: 200 * time.Millisecond, PollInterval: time.Millisecond}, nil)
}

type fixture struct {
	site    *browsertest.Site
	factory *browsertest.Factory
	pool    *Pool
	clock   *clock
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	reg := provider.DefaultRegistry()
	flow, _ := reg.Flow(types.ProviderClaude)
	site := browsertest.NewSite(flow)
	f := &fixture{site: site, factory: site.Factory(), clock: &clock{t: time.Unix(1_700_000_000, 0)}}
	if opts.Now == nil {
		opts.Now = f.clock.Now
	}
	f.pool = NewPool(f.factory, controller(), credentials(), reg, opts, nil)
	t.Cleanup(func() { _ = f.pool.Close() })
	return f
}

func TestAcquireSharesOneCreation(t *testing.T) {
	f := newFixture(t, Options{})

	const n = 16
	sessions := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := f.pool.Acquire(context.Background(), types.ProviderClaude, "default")
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range sessions {
		assert.Same(t, sessions[0], s)
	}
	assert.Len(t, f.factory.Drivers(), 1)
	assert.Equal(t, 1, f.site.Logins())
	assert.Equal(t, types.AuthStateAuthenticated, sessions[0].AuthState())
	assert.Equal(t, "claude/default", sessions[0].Key())

	infos := f.pool.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "claude/default", infos[0].Key)
	assert.Equal(t, types.AuthStateAuthenticated, infos[0].AuthState)
}

func TestAcquireKeysAreIndependent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	a, err := f.pool.Acquire(ctx, types.ProviderClaude, "alpha")
	require.NoError(t, err)
	b, err := f.pool.Acquire(ctx, types.ProviderClaude, "beta")
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Len(t, f.factory.Drivers(), 2)
	keys := []string{}
	for _, info := range f.pool.List() {
		keys = append(keys, info.Key)
	}
	assert.Equal(t, []string{"claude/alpha", "claude/beta"}, keys)
}

func TestAuthFailureDiscardsSession(t *testing.T) {
	f := newFixture(t, Options{})
	f.site.HideSecret.Store(true)

	_, err := f.pool.Acquire(context.Background(), types.ProviderClaude, "default")
	var aerr *types.AuthenticationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, 3, aerr.Stage)
	assert.True(t, f.factory.Last().Closed())
	assert.Empty(t, f.pool.List())

	// The next acquire starts over with a new driver.
	f.site.HideSecret.Store(false)
	s, err := f.pool.Acquire(context.Background(), types.ProviderClaude, "default")
	require.NoError(t, err)
	assert.Equal(t, types.AuthStateAuthenticated, s.AuthState())
	assert.Len(t, f.factory.Drivers(), 2)
}

func TestWaiterRespectsContext(t *testing.T) {
	f := newFixture(t, Options{})
	gate := make(chan struct{})
	newDriver := f.factory.New
	f.factory.New = func(key string) (*browsertest.Driver, error) {
		<-gate
		return newDriver(key)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.pool.Acquire(ctx, types.ProviderClaude, "default")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The creation carried on without the caller and is shared.
	close(gate)
	s, err := f.pool.Acquire(context.Background(), types.ProviderClaude, "default")
	require.NoError(t, err)
	assert.Equal(t, types.AuthStateAuthenticated, s.AuthState())
	assert.Len(t, f.factory.Drivers(), 1)
}

func TestInvalidateRecreatesFromSavedState(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first, err := f.pool.Acquire(ctx, types.ProviderClaude, "default")
	require.NoError(t, err)
	firstDriver := f.factory.Last()

	f.pool.Invalidate(first)
	assert.Equal(t, types.AuthStateExpired, first.AuthState())
	assert.True(t, firstDriver.Closed())
	assert.ErrorIs(t, first.Do(ctx, func(context.Context, browser.Driver) error { return nil }), ErrClosed)
	assert.Empty(t, f.pool.List())

	second, err := f.pool.Acquire(ctx, types.ProviderClaude, "default")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.True(t, f.factory.Last().Restored)
	assert.Equal(t, 1, f.site.Logins(), "saved state skips the login")
}

func TestReauthenticate(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	s, err := f.pool.Acquire(ctx, types.ProviderClaude, "default")
	require.NoError(t, err)
	f.site.LogOut(f.factory.Last())

	require.NoError(t, f.pool.Reauthenticate(ctx, s))
	assert.Equal(t, 2, f.site.Logins())
	assert.Equal(t, types.AuthStateAuthenticated, s.AuthState())
	assert.Len(t, f.factory.Drivers(), 1, "same driver")
}

func TestAcquireSignsInAfterFailedReauthentication(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	s, err := f.pool.Acquire(ctx, types.ProviderClaude, "default")
	require.NoError(t, err)
	f.site.HideSecret.Store(true)
	f.site.LogOut(f.factory.Last())

	var aerr *types.AuthenticationError
	require.ErrorAs(t, f.pool.Reauthenticate(ctx, s), &aerr)
	require.Equal(t, types.AuthStateUnauthenticated, s.AuthState())

	// Still failing: the caller gets the error, not the signed-out session.
	_, err = f.pool.Acquire(ctx, types.ProviderClaude, "default")
	require.ErrorAs(t, err, &aerr)

	f.site.HideSecret.Store(false)
	again, err := f.pool.Acquire(ctx, types.ProviderClaude, "default")
	require.NoError(t, err)
	assert.Same(t, s, again)
	assert.Equal(t, types.AuthStateAuthenticated, again.AuthState())
	assert.Equal(t, 2, f.site.Logins())
	assert.Len(t, f.factory.Drivers(), 1, "same driver")
}

func TestProviderUnavailable(t *testing.T) {
	claudeOnly, err := provider.NewRegistry(provider.Claude())
	require.NoError(t, err)
	bothCreds := config.NewCredentialStore(&config.Config{Providers: map[string]config.ProviderConfig{
		"claude":  {AuthMethod: types.AuthMethodGoogle, Email: "u"},
		"chatgpt": {AuthMethod: types.AuthMethodDirect, Email: "u"},
	}})

	tests := []struct {
		name     string
		factory  *browsertest.Factory
		flows    *provider.Registry
		creds    Credentials
		provider types.Provider
		wantErr  error
	}{
		{
			name:     "no credentials",
			factory:  &browsertest.Factory{},
			flows:    provider.DefaultRegistry(),
			creds:    credentials(),
			provider: types.ProviderChatGPT,
		},
		{
			name:     "no flow",
			factory:  &browsertest.Factory{},
			flows:    claudeOnly,
			creds:    bothCreds,
			provider: types.ProviderChatGPT,
		},
		{
			name: "browser fails to start",
			factory: &browsertest.Factory{New: func(string) (*browsertest.Driver, error) {
				return nil, browsertest.ErrFactory
			}},
			flows:    provider.DefaultRegistry(),
			creds:    credentials(),
			provider: types.ProviderClaude,
			wantErr:  browsertest.ErrFactory,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPool(tt.factory, controller(), tt.creds, tt.flows, Options{}, nil)
			defer p.Close()

			_, err := p.Acquire(context.Background(), tt.provider, "default")
			var perr *types.ProviderUnavailableError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.provider, perr.Provider)
			assert.Equal(t, "default", perr.SessionName)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Empty(t, p.List())
		})
	}
}

// block occupies the lane of s until the returned func is called.
func block(t *testing.T, s *Session) func() {
	t.Helper()
	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.Do(context.Background(), func(context.Context, browser.Driver) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	return func() { close(release) }
}

func TestLaneRunsJobsInArrivalOrder(t *testing.T) {
	f := newFixture(t, Options{})
	s, err := f.pool.Acquire(context.Background(), types.ProviderClaude, "default")
	require.NoError(t, err)

	unblock := block(t, s)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Do(context.Background(), func(context.Context, browser.Driver) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			}))
		}(i)
		// Wait for the job to be queued before sending the next one.
		require.Eventually(t, func() bool { return len(s.jobs) == i+1 }, time.Second, time.Millisecond)
	}

	unblock()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Zero(t, s.Pending())
}

func TestQueuedJobSkippedWhenContextEnds(t *testing.T) {
	f := newFixture(t, Options{})
	s, err := f.pool.Acquire(context.Background(), types.ProviderClaude, "default")
	require.NoError(t, err)

	unblock := block(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	result := make(chan error, 1)
	go func() {
		result <- s.Do(ctx, func(context.Context, browser.Driver) error {
			ran = true
			return nil
		})
	}()
	require.Eventually(t, func() bool { return len(s.jobs) == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-result, context.Canceled)

	unblock()
	require.NoError(t, s.Do(context.Background(), func(context.Context, browser.Driver) error { return nil }))
	assert.False(t, ran)
}

func TestRunningJobAbandonedButFinishes(t *testing.T) {
	f := newFixture(t, Options{})
	s, err := f.pool.Acquire(context.Background(), types.ProviderClaude, "default")
	require.NoError(t, err)

	release := make(chan struct{})
	finished := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = s.Do(ctx, func(context.Context, browser.Driver) error {
		<-release
		close(finished)
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, s.Pending(), "the job still holds the lane")

	next := make(chan error, 1)
	go func() {
		next <- s.Do(context.Background(), func(context.Context, browser.Driver) error {
			select {
			case <-finished:
				return nil
			default:
				return errors.New("ran before the abandoned job finished")
			}
		})
	}()
	close(release)
	assert.NoError(t, <-next)
}

func TestCloseIdle(t *testing.T) {
	f := newFixture(t, Options{IdleTimeout: time.Minute})
	s, err := f.pool.Acquire(context.Background(), types.ProviderClaude, "default")
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	assert.Zero(t, f.pool.CloseIdle())

	f.pool.Release(s)
	f.clock.Advance(61 * time.Second)
	assert.Equal(t, 1, f.pool.CloseIdle())
	assert.True(t, f.factory.Last().Closed())
	assert.Empty(t, f.pool.List())
}

func TestCloseIdleDisabled(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.pool.Acquire(context.Background(), types.ProviderClaude, "default")
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	assert.Zero(t, f.pool.CloseIdle())
	assert.Len(t, f.pool.List(), 1)
}

func TestClose(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.pool.Acquire(context.Background(), types.ProviderClaude, "default")
	require.NoError(t, err)

	require.NoError(t, f.pool.Close())
	assert.True(t, f.factory.Last().Closed())

	_, err = f.pool.Acquire(context.Background(), types.ProviderClaude, "default")
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.NoError(t, f.pool.Close())
}
