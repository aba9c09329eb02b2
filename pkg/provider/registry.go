package provider

import (
	"fmt"
	"sort"

	"github.com/gobwas/glob"

	"github.com/entrhq/relay/pkg/types"
)

// Registry holds the compiled flows and routes public model IDs to providers.
type Registry struct {
	flows  map[types.Provider]*Flow
	routes []route
}

type route struct {
	pattern  string
	glob     glob.Glob
	provider types.Provider
}

// NewRegistry compiles flows and builds default model routes from their catalog
// prefixes.
func NewRegistry(flows ...*Flow) (*Registry, error) {
	r := &Registry{flows: make(map[types.Provider]*Flow, len(flows))}
	for _, f := range flows {
		if err := f.Compile(); err != nil {
			return nil, err
		}
		r.flows[f.Provider] = f
	}
	if _, ok := r.flows[types.ProviderClaude]; ok {
		if err := r.AddRoute(AnthropicPrefix+"**", types.ProviderClaude); err != nil {
			return nil, err
		}
	}
	if _, ok := r.flows[types.ProviderChatGPT]; ok {
		if err := r.AddRoute(OpenAIPrefix+"**", types.ProviderChatGPT); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry returns the registry of the built-in flows.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(Claude(), ChatGPT())
	if err != nil {
		// Built-in patterns are constants; a failure here is a programming error.
		panic(err)
	}
	return r
}

// AddRoute sends model IDs matching pattern to p. Routes are tried in order.
func (r *Registry) AddRoute(pattern string, p types.Provider) error {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return fmt.Errorf("invalid model route %q: %w", pattern, err)
	}
	r.routes = append(r.routes, route{pattern: pattern, glob: g, provider: p})
	return nil
}

// Flow returns the flow of p.
func (r *Registry) Flow(p types.Provider) (*Flow, bool) {
	f, ok := r.flows[p]
	return f, ok
}

// Route resolves the provider serving model.
func (r *Registry) Route(model string) (types.Provider, error) {
	for _, rt := range r.routes {
		if rt.glob.Match(model) {
			return rt.provider, nil
		}
	}
	return "", fmt.Errorf("unsupported model %q", model)
}

// Models lists every catalog entry sorted by ID.
func (r *Registry) Models() []Model {
	var out []Model
	for _, f := range r.flows {
		out = append(out, f.Models...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
