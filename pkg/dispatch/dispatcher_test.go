package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/relay/internal/testing/browsertest"
	"github.com/entrhq/relay/pkg/auth"
	"github.com/entrhq/relay/pkg/cache"
	"github.com/entrhq/relay/pkg/config"
	"github.com/entrhq/relay/pkg/provider"
	"github.com/entrhq/relay/pkg/session"
	"github.com/entrhq/relay/pkg/types"
)

const opus = provider.AnthropicPrefix + "claude-3-opus"

type harness struct {
	site    *browsertest.Site
	factory *browsertest.Factory
	pool    *session.Pool
	cache   *cache.Cache
	d       *Dispatcher
}

func fastConfig() Config {
	return Config{
		RequestTimeout: 5 * time.Second,
		AttemptTimeout: 2 * time.Second,
		MaxAttempts:    3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		AbandonLimit:   3,
		PollInterval:   time.Millisecond,
		SettlePolls:    20,
	}
}

// newHarness wires a dispatcher to a scripted claude.ai. onDriver, when set,
// adjusts every driver the pool creates.
func newHarness(t *testing.T, cfg Config, store cache.Store, onDriver func(*browsertest.Driver)) *harness {
	t.Helper()
	reg := provider.DefaultRegistry()
	flow, _ := reg.Flow(types.ProviderClaude)
	site := browsertest.NewSite(flow)
	base := site.Factory()
	factory := &browsertest.Factory{New: func(key string) (*browsertest.Driver, error) {
		d, err := base.New(key)
		if err == nil {
			d.Delay = 100 * time.Microsecond
			if onDriver != nil {
				onDriver(d)
			}
		}
		return d, err
	}}

	creds := config.NewCredentialStore(&config.Config{Providers: map[string]config.ProviderConfig{
		"claude": {AuthMethod: types.AuthMethodGoogle, Email: "user@example.com", Password: "hunter2"},
	}})
	authn := auth.NewController(auth.Options{StepTimeout: 500 * time.Millisecond, PollInterval: time.Millisecond}, nil)
	pool := session.NewPool(factory, authn, creds, reg, session.Options{}, nil)
	t.Cleanup(func() { _ = pool.Close() })

	if store == nil {
		store = cache.NewMemoryStore()
	}
	c := cache.New(store, time.Hour)

	return &harness{
		site:    site,
		factory: factory,
		pool:    pool,
		cache:   c,
		d:       New(pool, c, reg, creds, cfg, nil),
	}
}

func ask(content ...string) Request {
	msgs := make([]types.Message, 0, len(content))
	for i, c := range content {
		if i%2 == 0 {
			msgs = append(msgs, types.NewUserMessage(c))
		} else {
			msgs = append(msgs, types.NewAssistantMessage(c))
		}
	}
	return Request{Model: opus, Messages: msgs}
}

// hangOnSubmit makes prompt submission block until the attempt gives up,
// while hang is set.
func hangOnSubmit(hang *atomic.Bool) func(*browsertest.Driver) {
	return func(d *browsertest.Driver) {
		siteHook := d.Hook
		d.Hook = func(ctx context.Context, d *browsertest.Driver, c browsertest.Call) error {
			if c.Op == browsertest.OpPress && hang.Load() {
				<-ctx.Done()
				return ctx.Err()
			}
			return siteHook(ctx, d, c)
		}
	}
}

func TestSubmitRoundTrip(t *testing.T) {
	h := newHarness(t, fastConfig(), nil, nil)
	ctx := context.Background()

	resp, err := h.d.Submit(ctx, ask("hello"))
	require.NoError(t, err)

	assert.Equal(t, "re: hello", resp.Content)
	assert.Equal(t, types.ProviderClaude, resp.Provider)
	assert.Equal(t, config.DefaultSessionName, resp.SessionName)
	assert.Equal(t, opus, resp.Model)
	assert.Equal(t, h.site.ConversationURL(1), resp.ConversationURL)
	assert.Equal(t, 1, resp.Attempts)
	assert.False(t, resp.Cached)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, []string{opus}, h.site.SelectedModels())

	n, err := h.cache.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	infos := h.d.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, "claude/default", infos[0].Key)
}

func TestCacheHitSkipsAutomation(t *testing.T) {
	h := newHarness(t, fastConfig(), nil, nil)
	ctx := context.Background()

	first, err := h.d.Submit(ctx, ask("hello"))
	require.NoError(t, err)
	calls := len(h.factory.Last().Calls())

	var deltas []string
	req := ask("hello")
	req.OnDelta = func(s string) { deltas = append(deltas, s) }
	second, err := h.d.Submit(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Cached)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, first.ConversationURL, second.ConversationURL)
	assert.Equal(t, []string{"re: hello"}, deltas)
	assert.Len(t, h.site.Prompts(), 1)
	assert.Len(t, h.factory.Last().Calls(), calls, "no driver activity on a hit")
}

func TestSessionsAreSeparateCacheKeys(t *testing.T) {
	h := newHarness(t, fastConfig(), nil, nil)
	ctx := context.Background()

	a := ask("hello")
	a.SessionName = "alpha"
	b := ask("hello")
	b.SessionName = "beta"

	_, err := h.d.Submit(ctx, a)
	require.NoError(t, err)
	resp, err := h.d.Submit(ctx, b)
	require.NoError(t, err)

	assert.False(t, resp.Cached)
	assert.Equal(t, "beta", resp.SessionName)
	assert.Len(t, h.factory.Drivers(), 2)
}

func TestConcurrentSubmitsNeverOverlap(t *testing.T) {
	h := newHarness(t, fastConfig(), nil, nil)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			prompt := fmt.Sprintf("question %d", i)
			resp, err := h.d.Submit(context.Background(), ask(prompt))
			if assert.NoError(t, err) {
				assert.Equal(t, "re: "+prompt, resp.Content)
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, h.factory.Drivers(), 1)
	assert.Equal(t, 1, h.factory.Last().MaxActive(), "driver calls overlapped")
	assert.Len(t, h.site.Prompts(), n)
}

// Scenario B: identical requests in flight together share one round-trip.
func TestSubmitCoalescesIdenticalRequests(t *testing.T) {
	h := newHarness(t, fastConfig(), nil, nil)
	_, err := h.d.Submit(context.Background(), ask("warm up"))
	require.NoError(t, err)

	entered := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	h.site.Reply = func(prompt string) string {
		once.Do(func() { close(entered) })
		<-gate
		return "answer to " + prompt
	}

	const n = 5
	resps := make([]*Response, n)
	var wg sync.WaitGroup
	submit := func(i int) {
		defer wg.Done()
		resp, err := h.d.Submit(context.Background(), ask("same question"))
		if assert.NoError(t, err) {
			resps[i] = resp
		}
	}

	wg.Add(1)
	go submit(0)
	<-entered
	for i := 1; i < n; i++ {
		wg.Add(1)
		go submit(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Len(t, h.site.Prompts(), 2, "one round-trip for the shared request")
	var shared int
	for _, r := range resps {
		require.NotNil(t, r)
		assert.Equal(t, "answer to same question", r.Content)
		if r.Coalesced || r.Cached {
			shared++
		}
	}
	assert.Equal(t, n-1, shared)
}

func TestAttemptTimeoutLeavesSessionUsable(t *testing.T) {
	var hang atomic.Bool
	cfg := fastConfig()
	cfg.AttemptTimeout = 50 * time.Millisecond
	cfg.MaxAttempts = 1
	h := newHarness(t, cfg, nil, hangOnSubmit(&hang))

	_, err := h.d.Submit(context.Background(), ask("first"))
	require.NoError(t, err)

	hang.Store(true)
	_, err = h.d.Submit(context.Background(), ask("stuck"))
	var terr *types.AutomationTimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, types.ProviderClaude, terr.Provider)
	assert.Equal(t, config.DefaultSessionName, terr.SessionName)
	assert.Equal(t, 1, terr.Attempts)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	hang.Store(false)
	resp, err := h.d.Submit(context.Background(), ask("after"))
	require.NoError(t, err)
	assert.Equal(t, "re: after", resp.Content)
	assert.Len(t, h.factory.Drivers(), 1, "same session")
}

func TestCallerDeadline(t *testing.T) {
	var hang atomic.Bool
	cfg := fastConfig()
	cfg.AttemptTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg, nil, hangOnSubmit(&hang))
	_, err := h.d.Submit(context.Background(), ask("first"))
	require.NoError(t, err)

	hang.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = h.d.Submit(ctx, ask("stuck"))

	var terr *types.AutomationTimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAbandonLimitInvalidatesSession(t *testing.T) {
	var hang atomic.Bool
	hang.Store(true)
	cfg := fastConfig()
	cfg.AttemptTimeout = 30 * time.Millisecond
	cfg.AbandonLimit = 2
	h := newHarness(t, cfg, nil, hangOnSubmit(&hang))

	_, err := h.d.Submit(context.Background(), ask("stuck"))
	var terr *types.AutomationTimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 3, terr.Attempts)

	drivers := h.factory.Drivers()
	require.Len(t, drivers, 2, "the session was replaced after two abandoned attempts")
	assert.True(t, drivers[0].Closed())
	assert.True(t, drivers[1].Restored, "the replacement reused the saved login")
	assert.Equal(t, 1, h.site.Logins())
}

// Scenario C: a login stuck at the secret stage fails the request; the next
// request signs in from the first stage.
func TestAuthenticationFailureThenRecovery(t *testing.T) {
	h := newHarness(t, fastConfig(), nil, nil)
	h.site.HideSecret.Store(true)

	_, err := h.d.Submit(context.Background(), ask("hello"))
	var aerr *types.AuthenticationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, 3, aerr.Stage)
	assert.Equal(t, types.ProviderClaude, aerr.Provider)
	assert.Equal(t, config.DefaultSessionName, aerr.SessionName)
	assert.True(t, h.factory.Last().Closed())

	h.site.HideSecret.Store(false)
	resp, err := h.d.Submit(context.Background(), ask("hello"))
	require.NoError(t, err)
	assert.Equal(t, "re: hello", resp.Content)

	drivers := h.factory.Drivers()
	require.Len(t, drivers, 2)
	navs := drivers[1].CallsOf(browsertest.OpNavigate)
	require.NotEmpty(t, navs)
	assert.Equal(t, h.site.Flow.LoginURL, navs[0].Target)
}

func TestLoggedOutSessionReauthenticates(t *testing.T) {
	h := newHarness(t, fastConfig(), nil, nil)
	_, err := h.d.Submit(context.Background(), ask("first"))
	require.NoError(t, err)

	h.site.LogOut(h.factory.Last())
	resp, err := h.d.Submit(context.Background(), ask("second"))
	require.NoError(t, err)

	assert.Equal(t, "re: second", resp.Content)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, 2, h.site.Logins())
	assert.Len(t, h.factory.Drivers(), 1)
}

func TestPersistentLogoutIsSessionExpired(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	h := newHarness(t, cfg, nil, nil)
	_, err := h.d.Submit(context.Background(), ask("first"))
	require.NoError(t, err)

	// Every page load drops the login again.
	d := h.factory.Last()
	siteHook := d.Hook
	d.Hook = func(ctx context.Context, drv *browsertest.Driver, c browsertest.Call) error {
		if c.Op == browsertest.OpNavigate && c.Target == h.site.Flow.NewChatURL {
			h.site.LogOut(drv)
		}
		return siteHook(ctx, drv, c)
	}

	_, err = h.d.Submit(context.Background(), ask("second"))
	var serr *types.SessionExpiredError
	require.ErrorAs(t, err, &serr)
	assert.ErrorIs(t, err, types.ErrLoggedOut)
	assert.Equal(t, config.DefaultSessionName, serr.SessionName)
}

func TestStreamingDeltas(t *testing.T) {
	h := newHarness(t, fastConfig(), nil, nil)
	h.site.ChunkSize = 3
	h.site.Reply = func(string) string { return "a reply long enough to stream in pieces" }

	var (
		mu     sync.Mutex
		deltas []string
	)
	req := ask("stream please")
	req.OnDelta = func(s string) {
		mu.Lock()
		deltas = append(deltas, s)
		mu.Unlock()
	}
	resp, err := h.d.Submit(context.Background(), req)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "a reply long enough to stream in pieces", resp.Content)
	assert.Equal(t, resp.Content, strings.Join(deltas, ""))
	assert.Greater(t, len(deltas), 1)
}

func TestConversationContinuation(t *testing.T) {
	h := newHarness(t, fastConfig(), nil, nil)
	ctx := context.Background()

	first, err := h.d.Submit(ctx, ask("one"))
	require.NoError(t, err)

	second, err := h.d.Submit(ctx, ask("one", first.Content, "two"))
	require.NoError(t, err)
	assert.Equal(t, "re: two", second.Content)
	assert.Equal(t, first.ConversationURL, second.ConversationURL)
	assert.Equal(t, []string{"one", "two"}, h.site.Prompts(), "history is not replayed")
	assert.Equal(t, 1, h.site.Conversations())

	// An edited assistant turn no longer matches the cached conversation.
	_, err = h.d.Submit(ctx, ask("one", "something else", "two"))
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "one", "two"}, h.site.Prompts())
	assert.Equal(t, 2, h.site.Conversations())
}

func TestSlowReplyIsNotMistakenForThePreviousOne(t *testing.T) {
	h := newHarness(t, fastConfig(), nil, nil)
	ctx := context.Background()

	first, err := h.d.Submit(ctx, ask("first"))
	require.NoError(t, err)

	// The page shows the previous reply and its completion indicator for
	// longer than SettlePolls*PollInterval after the prompt goes in.
	h.site.ReplyDelay = 100 * time.Millisecond

	second, err := h.d.Submit(ctx, ask("first", first.Content, "second"))
	require.NoError(t, err)
	assert.Equal(t, "re: second", second.Content)
	assert.False(t, second.Cached)

	e, ok, err := h.cache.Get(ctx, cache.Fingerprint(types.ProviderClaude, config.DefaultSessionName, opus,
		ask("first", first.Content, "second").Messages))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "re: second", e.Payload)
}

func TestSlowFirstReplyIsAwaited(t *testing.T) {
	h := newHarness(t, fastConfig(), nil, nil)
	h.site.ReplyDelay = 100 * time.Millisecond

	resp, err := h.d.Submit(context.Background(), ask("hello"))
	require.NoError(t, err)
	assert.Equal(t, "re: hello", resp.Content)
}

func TestReplyThatNeverStartsTimesOut(t *testing.T) {
	cfg := fastConfig()
	cfg.RequestTimeout = time.Second
	cfg.AttemptTimeout = 250 * time.Millisecond
	cfg.MaxAttempts = 1
	h := newHarness(t, cfg, nil, nil)
	ctx := context.Background()

	first, err := h.d.Submit(ctx, ask("first"))
	require.NoError(t, err)

	h.site.ReplyDelay = time.Hour
	_, err = h.d.Submit(ctx, ask("first", first.Content, "second"))
	require.Error(t, err)
	var timeout *types.AutomationTimeoutError
	assert.ErrorAs(t, err, &timeout)

	n, err := h.cache.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "nothing cached for the unanswered prompt")
}

func TestIdenticalReplyCompletes(t *testing.T) {
	h := newHarness(t, fastConfig(), nil, nil)
	h.site.Reply = func(string) string { return "ok" }
	ctx := context.Background()

	first, err := h.d.Submit(ctx, ask("one"))
	require.NoError(t, err)
	second, err := h.d.Submit(ctx, ask("one", first.Content, "two"))
	require.NoError(t, err)
	assert.Equal(t, "ok", second.Content)
	assert.Equal(t, []string{"one", "two"}, h.site.Prompts())
}

type holdKey struct{}

// heldStore delays the answer to the first lookup made under a context
// carrying holdKey until release is closed. The answer is whatever the store
// held when the lookup began.
type heldStore struct {
	cache.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *heldStore) Get(ctx context.Context, fp string) (*cache.Entry, error) {
	e, err := s.Store.Get(ctx, fp)
	if ctx.Value(holdKey{}) != nil {
		s.once.Do(func() {
			close(s.entered)
			<-s.release
		})
	}
	return e, err
}

func TestMissRacingAFinishedFlightUsesTheCache(t *testing.T) {
	store := &heldStore{Store: cache.NewMemoryStore(), entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, fastConfig(), store, nil)

	type result struct {
		resp *Response
		err  error
	}
	late := make(chan result, 1)
	var deltas []string
	go func() {
		req := ask("hello")
		req.OnDelta = func(s string) { deltas = append(deltas, s) }
		resp, err := h.d.Submit(context.WithValue(context.Background(), holdKey{}, true), req)
		late <- result{resp, err}
	}()
	<-store.entered

	first, err := h.d.Submit(context.Background(), ask("hello"))
	require.NoError(t, err)
	assert.False(t, first.Cached)
	close(store.release)

	r := <-late
	require.NoError(t, r.err)
	assert.True(t, r.resp.Cached)
	assert.False(t, r.resp.Coalesced)
	assert.Equal(t, "re: hello", r.resp.Content)
	assert.Equal(t, []string{"re: hello"}, deltas)
	assert.Equal(t, []string{"hello"}, h.site.Prompts())
}

func TestSystemMessageLeadsFirstPrompt(t *testing.T) {
	h := newHarness(t, fastConfig(), nil, nil)
	req := Request{Model: opus, Messages: []types.Message{
		{Role: types.RoleSystem, Content: "be brief"},
		types.NewUserMessage("hi"),
	}}
	_, err := h.d.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"be brief\n\nhi"}, h.site.Prompts())
}

type failingStore struct{}

var errDisk = errors.New("disk I/O error")

func (failingStore) Get(context.Context, string) (*cache.Entry, error)        { return nil, errDisk }
func (failingStore) Put(context.Context, cache.Entry) (bool, error)           { return false, errDisk }
func (failingStore) DeleteIf(context.Context, string, time.Time) (bool, error) { return false, errDisk }
func (failingStore) DeleteExpired(context.Context, time.Time) (int, error)    { return 0, errDisk }
func (failingStore) Count(context.Context) (int, error)                       { return 0, errDisk }
func (failingStore) Close() error                                             { return nil }

func TestCacheFailureIsBypassed(t *testing.T) {
	h := newHarness(t, fastConfig(), failingStore{}, nil)

	for i := 0; i < 2; i++ {
		resp, err := h.d.Submit(context.Background(), ask("hello"))
		require.NoError(t, err)
		assert.False(t, resp.Cached)
		assert.Equal(t, "re: hello", resp.Content)
	}
	assert.Len(t, h.site.Prompts(), 2)
}

func TestInvalidRequests(t *testing.T) {
	h := newHarness(t, fastConfig(), nil, nil)

	tests := []struct {
		name string
		req  Request
	}{
		{"no messages", Request{Model: opus}},
		{"ends with assistant", Request{Model: opus, Messages: []types.Message{
			types.NewUserMessage("q"), types.NewAssistantMessage("a"),
		}}},
		{"unknown model", Request{Model: "aipi/mistral/large", Messages: []types.Message{types.NewUserMessage("q")}}},
		{"no model or provider", Request{Messages: []types.Message{types.NewUserMessage("q")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.d.Submit(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Empty(t, h.factory.Drivers())
}

func TestUnconfiguredProviderIsUnavailable(t *testing.T) {
	h := newHarness(t, fastConfig(), nil, nil)
	_, err := h.d.Submit(context.Background(), Request{
		Model:    provider.OpenAIPrefix + "gpt-4",
		Messages: []types.Message{types.NewUserMessage("q")},
	})
	var perr *types.ProviderUnavailableError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, types.ProviderChatGPT, perr.Provider)
}

func TestBackoffDoubles(t *testing.T) {
	d := &Dispatcher{cfg: Config{MaxAttempts: 10, BackoffInitial: 10 * time.Millisecond, BackoffMax: 35 * time.Millisecond}.withDefaults()}
	tk := &Ticket{}

	for attempt, want := range map[int]time.Duration{1: 10 * time.Millisecond, 2: 20 * time.Millisecond, 3: 35 * time.Millisecond} {
		start := time.Now()
		require.True(t, d.backoff(context.Background(), tk, attempt))
		assert.GreaterOrEqual(t, time.Since(start), want)
		assert.Equal(t, StateRetrying, tk.State)
	}

	assert.False(t, d.backoff(context.Background(), tk, 10), "no wait after the last attempt")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, d.backoff(ctx, tk, 1))
}
