// Package provider describes the page-level automation contract for each
// supported web chat front-end.
//
// A Flow is data: the URLs, URL globs and selectors that the auth controller
// and the dispatcher's round-trip drive through a browser.Driver. Front-ends
// change their markup over time; updating a Flow is the only change needed to
// follow them.
package provider

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/entrhq/relay/pkg/types"
)

// Flow is the automation contract of one provider.
type Flow struct {
	Provider types.Provider

	// LoginURL is where both auth strategies start.
	LoginURL string

	// NewChatURL opens an empty conversation.
	NewChatURL string

	// AuthenticatedURLs match pages that prove the login completed.
	AuthenticatedURLs []string

	// LoginURLs match pages that prove the session is logged out.
	LoginURLs []string

	// FailureURLs match pages that abort a login attempt (rejections, challenges).
	FailureURLs []string

	Federated FederatedSelectors
	Direct    DirectSelectors
	Chat      ChatSelectors

	// Models maps public model IDs to in-page model pickers.
	Models []Model

	authenticated []glob.Glob
	login         []glob.Glob
	failure       []glob.Glob
}

// FederatedSelectors drive the Google sign-in redirect.
type FederatedSelectors struct {
	Button         string // provider button starting the redirect
	IdentityInput  string
	IdentityNext   string
	SecretInput    string
	SecretNext     string
	ContinueButton string // consent prompt shown on the way back, optional
}

// DirectSelectors drive the provider's own credential form.
type DirectSelectors struct {
	IdentityInput string
	SecretInput   string
	Submit        string
}

// ChatSelectors drive a conversation.
type ChatSelectors struct {
	PromptInput string
	SubmitKey   string // key pressed in PromptInput to send

	// Response matches every assistant reply; the last match is the newest.
	Response string

	// Complete appears once the newest reply has finished streaming.
	Complete string

	// LoggedOut appears on pages that ask the user to sign in again.
	LoggedOut string

	// ModelMenu opens the model picker.
	ModelMenu string
}

// Model is a public model ID served by a provider.
type Model struct {
	ID          string
	DisplayName string
	Selector    string
}

// Compile prepares the URL globs. Matchers of an uncompiled flow match nothing;
// NewRegistry compiles every flow it is given.
func (f *Flow) Compile() error {
	var err error
	if f.authenticated, err = compileAny(f.AuthenticatedURLs); err != nil {
		return fmt.Errorf("%s authenticated urls: %w", f.Provider, err)
	}
	if f.login, err = compileAny(f.LoginURLs); err != nil {
		return fmt.Errorf("%s login urls: %w", f.Provider, err)
	}
	if f.failure, err = compileAny(f.FailureURLs); err != nil {
		return fmt.Errorf("%s failure urls: %w", f.Provider, err)
	}
	return nil
}

// IsAuthenticatedURL reports whether url is a signed-in page.
func (f *Flow) IsAuthenticatedURL(url string) bool {
	return matches(f.authenticated, url)
}

// IsLoginURL reports whether url asks the user to sign in.
func (f *Flow) IsLoginURL(url string) bool {
	return matches(f.login, url)
}

// IsFailureURL reports whether url ends a login attempt unsuccessfully.
func (f *Flow) IsFailureURL(url string) bool {
	return matches(f.failure, url)
}

// Model returns the catalog entry for id.
func (f *Flow) Model(id string) (Model, bool) {
	for _, m := range f.Models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// DefaultModel returns the first catalog entry.
func (f *Flow) DefaultModel() string {
	if len(f.Models) == 0 {
		return ""
	}
	return f.Models[0].ID
}

func compileAny(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		// Playwright-style URL globs: '*' stays within a path segment, '**' crosses them.
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

func matches(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
