package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/relay/internal/testing/browsertest"
	"github.com/entrhq/relay/pkg/browser"
	"github.com/entrhq/relay/pkg/provider"
	"github.com/entrhq/relay/pkg/types"
)

type target struct {
	flow   *provider.Flow
	driver browser.Driver
	cred   types.Credential

	mu     sync.Mutex
	states []types.AuthState
}

func (t *target) Provider() types.Provider      { return t.flow.Provider }
func (t *target) Name() string                  { return "default" }
func (t *target) Driver() browser.Driver        { return t.driver }
func (t *target) Credential() types.Credential  { return t.cred }
func (t *target) Flow() *provider.Flow          { return t.flow }
func (t *target) SetAuthState(s types.AuthState) {
	t.mu.Lock()
	t.states = append(t.states, s)
	t.mu.Unlock()
}

func (t *target) States() []types.AuthState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]types.AuthState(nil), t.states...)
}

func setup(t *testing.T, p types.Provider, method types.AuthMethod) (*browsertest.Site, *browsertest.Driver, *target) {
	t.Helper()
	flow, ok := provider.DefaultRegistry().Flow(p)
	require.True(t, ok)
	site := browsertest.NewSite(flow)
	d := browsertest.NewDriver(string(p) + "/default")
	site.Attach(d)
	return site, d, &target{
		flow:   flow,
		driver: d,
		cred: types.Credential{
			Provider: p,
			Method:   method,
			Identity: "user@example.com",
			Secret:   "hunter2",
		},
	}
}

func fastController(debug bool) *Controller {
	return NewController(Options{
		StepTimeout:  100 * time.Millisecond,
		PollInterval: time.Millisecond,
		Debug:        debug,
	}, nil)
}

func TestFederatedLogin(t *testing.T) {
	site, d, tgt := setup(t, types.ProviderClaude, types.AuthMethodGoogle)

	require.NoError(t, fastController(false).Authenticate(context.Background(), tgt))

	assert.Equal(t, []types.AuthState{types.AuthStateAuthenticating, types.AuthStateAuthenticated}, tgt.States())
	assert.Equal(t, 1, site.Logins())
	assert.Equal(t, "user@example.com", d.Typed(tgt.flow.Federated.IdentityInput))
	assert.Equal(t, "hunter2", d.Typed(tgt.flow.Federated.SecretInput))
	assert.Equal(t, 1, d.Persisted())
	assert.True(t, tgt.flow.IsAuthenticatedURL(d.CurrentURL()))

	first := d.Calls()[0]
	assert.Equal(t, browsertest.OpNavigate, first.Op)
	assert.Equal(t, tgt.flow.LoginURL, first.Target)
}

func TestDirectLogin(t *testing.T) {
	site, d, tgt := setup(t, types.ProviderChatGPT, types.AuthMethodDirect)

	require.NoError(t, fastController(false).Authenticate(context.Background(), tgt))

	assert.Equal(t, 1, site.Logins())
	clicks := d.CallsOf(browsertest.OpClick)
	require.Len(t, clicks, 1)
	assert.Equal(t, tgt.flow.Direct.Submit, clicks[0].Target)
	assert.Equal(t, "https://chatgpt.com/", d.CurrentURL())
}

// Scenario C: the secret field never appears, so stage 3 times out.
func TestSecretStageTimeout(t *testing.T) {
	site, d, tgt := setup(t, types.ProviderClaude, types.AuthMethodGoogle)
	site.HideSecret.Store(true)

	err := fastController(true).Authenticate(context.Background(), tgt)

	var aerr *types.AuthenticationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, 3, aerr.Stage)
	assert.Equal(t, "secret", aerr.StageName)
	assert.Equal(t, types.ProviderClaude, aerr.Provider)
	assert.Equal(t, "default", aerr.SessionName)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotContains(t, err.Error(), "hunter2")

	states := tgt.States()
	assert.Equal(t, types.AuthStateUnauthenticated, states[len(states)-1])
	assert.Equal(t, 1, d.Screenshots())
	assert.Zero(t, d.Persisted())

	// A fresh attempt starts over from stage 1.
	site.HideSecret.Store(false)
	d.ResetCalls()
	require.NoError(t, fastController(false).Authenticate(context.Background(), tgt))
	assert.Equal(t, tgt.flow.LoginURL, d.Calls()[0].Target)
}

func TestRejectedSignInFailsFast(t *testing.T) {
	site, _, tgt := setup(t, types.ProviderChatGPT, types.AuthMethodGoogle)
	site.RejectSecret.Store(true)

	c := NewController(Options{StepTimeout: 5 * time.Second, PollInterval: time.Millisecond}, nil)
	start := time.Now()
	err := c.Authenticate(context.Background(), tgt)

	var aerr *types.AuthenticationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, 4, aerr.Stage)
	assert.Equal(t, "redirect", aerr.StageName)
	assert.Less(t, time.Since(start), 2*time.Second, "a failure page must not wait out the stage timeout")
	assert.NotContains(t, err.Error(), "?")
}

func TestStageErrorNamesStage(t *testing.T) {
	tests := []struct {
		name      string
		method    types.AuthMethod
		op        browsertest.Op
		wantStage int
		wantName  string
	}{
		{"federated open", types.AuthMethodGoogle, browsertest.OpNavigate, 1, "open"},
		{"federated identity", types.AuthMethodGoogle, browsertest.OpType, 2, "identity"},
		{"direct open", types.AuthMethodDirect, browsertest.OpNavigate, 1, "open"},
		{"direct identity", types.AuthMethodDirect, browsertest.OpType, 2, "identity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, d, tgt := setup(t, types.ProviderClaude, tt.method)
			boom := errors.New("boom")
			d.FailNext(tt.op, 1, boom)

			err := fastController(false).Authenticate(context.Background(), tgt)
			var aerr *types.AuthenticationError
			require.ErrorAs(t, err, &aerr)
			assert.Equal(t, tt.wantStage, aerr.Stage)
			assert.Equal(t, tt.wantName, aerr.StageName)
			assert.ErrorIs(t, err, boom)
		})
	}
}

func TestUnsupportedMethod(t *testing.T) {
	_, _, tgt := setup(t, types.ProviderClaude, types.AuthMethod("saml"))
	err := fastController(false).Authenticate(context.Background(), tgt)
	var aerr *types.AuthenticationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, 0, aerr.Stage)
}

func TestRestoredStateSkipsStrategy(t *testing.T) {
	flow, _ := provider.DefaultRegistry().Flow(types.ProviderClaude)
	site := browsertest.NewSite(flow)
	factory := site.Factory()

	// First driver signs in and saves its state.
	first, err := factory.NewDriver(context.Background(), "claude/default")
	require.NoError(t, err)
	tgt := &target{flow: flow, driver: first, cred: types.Credential{
		Provider: types.ProviderClaude, Method: types.AuthMethodGoogle, Identity: "u", Secret: "s",
	}}
	require.NoError(t, fastController(false).Authenticate(context.Background(), tgt))
	require.Equal(t, 1, site.Logins())

	// The next driver for the key starts from that state.
	second, err := factory.NewDriver(context.Background(), "claude/default")
	require.NoError(t, err)
	tgt.driver = second
	require.NoError(t, fastController(false).Authenticate(context.Background(), tgt))

	d := factory.Last()
	assert.True(t, d.Restored)
	assert.Equal(t, 1, site.Logins(), "no second sign-in")
	assert.Empty(t, d.CallsOf(browsertest.OpType))
	assert.Equal(t, flow.NewChatURL, d.CallsOf(browsertest.OpNavigate)[0].Target)
}

func TestRestoredStateExpiredSignsIn(t *testing.T) {
	site, d, tgt := setup(t, types.ProviderClaude, types.AuthMethodGoogle)
	d.Restored = true

	require.NoError(t, fastController(false).Authenticate(context.Background(), tgt))

	assert.Equal(t, 1, site.Logins())
	navs := d.CallsOf(browsertest.OpNavigate)
	require.GreaterOrEqual(t, len(navs), 2)
	assert.Equal(t, tgt.flow.NewChatURL, navs[0].Target, "probe first")
	assert.Equal(t, tgt.flow.LoginURL, navs[1].Target)
}

func TestConsentButtonIsClicked(t *testing.T) {
	_, d, tgt := setup(t, types.ProviderClaude, types.AuthMethodGoogle)
	flow := tgt.flow
	siteHook := d.Hook

	consentURL := "https://accounts.google.com/signin/oauth/consent"
	d.Hook = func(ctx context.Context, d *browsertest.Driver, c browsertest.Call) error {
		switch {
		case c.Op == browsertest.OpClick && c.Target == flow.Federated.SecretNext &&
			d.CurrentURL() == browsertest.GooglePasswordURL:
			d.SetURL(consentURL)
			d.SetPresent(true, flow.Federated.ContinueButton)
			return nil
		case c.Op == browsertest.OpClick && c.Target == flow.Federated.ContinueButton:
			d.SetPresent(false, flow.Federated.ContinueButton)
			d.SetURL(browsertest.GooglePasswordURL)
			return siteHook(ctx, d, browsertest.Call{Op: browsertest.OpClick, Target: flow.Federated.SecretNext})
		}
		return siteHook(ctx, d, c)
	}

	require.NoError(t, fastController(false).Authenticate(context.Background(), tgt))
	var consent int
	for _, c := range d.CallsOf(browsertest.OpClick) {
		if c.Target == flow.Federated.ContinueButton {
			consent++
		}
	}
	assert.Equal(t, 1, consent)
	assert.True(t, flow.IsAuthenticatedURL(d.CurrentURL()))
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "https://accounts.google.com/v3/signin/rejected",
		redact("https://accounts.google.com/v3/signin/rejected?token=abc#frag"))
}
