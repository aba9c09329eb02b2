package config

import (
	"github.com/entrhq/relay/pkg/types"
)

// CredentialStore resolves per-provider login material. It is built once from a
// validated Config and is read-only afterwards, so it needs no locking.
type CredentialStore struct {
	creds    map[types.Provider]types.Credential
	sessions map[types.Provider]string
}

// NewCredentialStore builds the store from the provider blocks of cfg.
func NewCredentialStore(cfg *Config) *CredentialStore {
	s := &CredentialStore{
		creds:    make(map[types.Provider]types.Credential, len(cfg.Providers)),
		sessions: make(map[types.Provider]string, len(cfg.Providers)),
	}
	for _, p := range cfg.ConfiguredProviders() {
		pc, _ := cfg.Provider(p)
		s.creds[p] = types.Credential{
			Provider: p,
			Method:   pc.AuthMethod,
			Identity: pc.Email,
			Secret:   pc.Password,
		}
		name := pc.SessionName
		if name == "" {
			name = DefaultSessionName
		}
		s.sessions[p] = name
	}
	return s
}

// Lookup returns the credential configured for p.
func (s *CredentialStore) Lookup(p types.Provider) (types.Credential, bool) {
	c, ok := s.creds[p]
	return c, ok
}

// DefaultSessionName returns the session_name configured for p.
func (s *CredentialStore) DefaultSessionName(p types.Provider) string {
	if name, ok := s.sessions[p]; ok {
		return name
	}
	return DefaultSessionName
}

// Providers lists the providers with credentials.
func (s *CredentialStore) Providers() []types.Provider {
	out := make([]types.Provider, 0, len(s.creds))
	for _, p := range types.Providers() {
		if _, ok := s.creds[p]; ok {
			out = append(out, p)
		}
	}
	return out
}
