package types

import (
	"fmt"
	"strings"
)

// Provider identifies one of the supported web chat front-ends.
type Provider string

const (
	ProviderClaude  Provider = "claude"  // ProviderClaude drives claude.ai.
	ProviderChatGPT Provider = "chatgpt" // ProviderChatGPT drives chatgpt.com.
)

// Providers lists every supported provider in a stable order.
func Providers() []Provider {
	return []Provider{ProviderClaude, ProviderChatGPT}
}

// ParseProvider converts a configuration key into a Provider.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Providers() {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// AuthMethod selects the login strategy used for a provider.
type AuthMethod string

const (
	AuthMethodGoogle AuthMethod = "google" // AuthMethodGoogle signs in through the Google identity redirect.
	AuthMethodDirect AuthMethod = "direct" // AuthMethodDirect fills the provider's own credential form.
)

// Valid reports whether m is a supported auth method.
func (m AuthMethod) Valid() bool {
	return m == AuthMethodGoogle || m == AuthMethodDirect
}

// AuthState is the authentication lifecycle of a session.
type AuthState int

const (
	AuthStateUnauthenticated AuthState = iota
	AuthStateAuthenticating
	AuthStateAuthenticated
	AuthStateExpired
)

func (s AuthState) String() string {
	switch s {
	case AuthStateUnauthenticated:
		return "unauthenticated"
	case AuthStateAuthenticating:
		return "authenticating"
	case AuthStateAuthenticated:
		return "authenticated"
	case AuthStateExpired:
		return "expired"
	default:
		return fmt.Sprintf("auth_state(%d)", int(s))
	}
}

// MarshalText renders the state by name so JSON introspection stays readable.
func (s AuthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state rendered by MarshalText.
func (s *AuthState) UnmarshalText(text []byte) error {
	for st := AuthStateUnauthenticated; st <= AuthStateExpired; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown auth state %q", text)
}

// Credential holds the login material for one provider.
// Secret is redacted from every formatted representation.
type Credential struct {
	Provider Provider
	Method   AuthMethod
	Identity string
	Secret   string
}

func (c Credential) String() string {
	secret := ""
	if c.Secret != "" {
		secret = "[redacted]"
	}
	return fmt.Sprintf("Credential{provider=%s method=%s identity=%s secret=%s}", c.Provider, c.Method, c.Identity, secret)
}

// GoString keeps %#v from leaking the secret.
func (c Credential) GoString() string {
	return c.String()
}
