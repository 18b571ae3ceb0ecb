package llm

import (
	"fmt"
	"sort"
	"sync"
)

// ClientFactory builds a concrete client for a provider. Injected so tests
// can substitute fakes without touching vendor SDKs.
type ClientFactory func(provider Provider, apiKey, baseURL string) (Client, error)

// Registry maps roles to concrete providers and owns the lazily constructed
// client per provider.
type Registry struct {
	mu       sync.Mutex
	apiKeys  map[Provider]string
	baseURLs map[Provider]string
	factory  ClientFactory
	clients  map[Provider]Client
}

// NewRegistry builds a registry from configured API keys. Providers absent
// from apiKeys are skipped at selection time, except local which needs no
// key.
func NewRegistry(apiKeys, baseURLs map[string]string, factory ClientFactory) *Registry {
	keys := make(map[Provider]string, len(apiKeys))
	for name, key := range apiKeys {
		keys[Provider(name)] = key
	}
	urls := make(map[Provider]string, len(baseURLs))
	for name, u := range baseURLs {
		urls[Provider(name)] = u
	}
	return &Registry{
		apiKeys:  keys,
		baseURLs: urls,
		factory:  factory,
		clients:  map[Provider]Client{},
	}
}

// SetAPIKeys replaces the registered keys, dropping cached clients whose
// key changed so the next call reconstructs them. Used by config
// hot-reload.
func (r *Registry) SetAPIKeys(apiKeys map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fresh := make(map[Provider]string, len(apiKeys))
	for name, key := range apiKeys {
		fresh[Provider(name)] = key
	}
	for provider := range r.clients {
		if r.apiKeys[provider] != fresh[provider] {
			delete(r.clients, provider)
		}
	}
	r.apiKeys = fresh
}

// HasKey reports whether a provider is usable at selection time.
func (r *Registry) HasKey(p Provider) bool {
	if p == ProviderLocal {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.apiKeys[p] != ""
}

// RegisteredProviders returns the providers with keys, sorted for
// determinism.
func (r *Registry) RegisteredProviders() []Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Provider{ProviderLocal}
	for p, k := range r.apiKeys {
		if k != "" {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Client returns the client for a provider, constructing it on first use.
func (r *Registry) Client(p Provider) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[p]; ok {
		return c, nil
	}
	key := r.apiKeys[p]
	if key == "" && p != ProviderLocal {
		return nil, fmt.Errorf("no API key registered for provider %q", p)
	}
	c, err := r.factory(p, key, r.baseURLs[p])
	if err != nil {
		return nil, fmt.Errorf("construct %s client: %w", p, err)
	}
	r.clients[p] = c
	return c, nil
}

// SelectModel resolves criteria to a concrete selection. Pure in
// (criteria, registered key set): precedence is persona override, then
// explicit role, then inference, then workhorse; the first chain entry
// whose provider has a key wins.
func (r *Registry) SelectModel(c Criteria) (Selection, error) {
	role := RoleWorkhorse
	reason := "default workhorse"
	switch {
	case c.PersonaRole != "":
		role, reason = c.PersonaRole, "persona override"
	case c.Role != "":
		role, reason = c.Role, "explicit role"
	default:
		role, reason = inferRole(c)
	}

	chain, err := Chain(role)
	if err != nil {
		return Selection{}, err
	}
	for _, entry := range chain {
		if !r.HasKey(entry.Provider) {
			continue
		}
		model := entry.Model
		if model == "" {
			model = defaultModels[entry.Provider]
		}
		return Selection{
			Role:        role,
			Provider:    entry.Provider,
			Model:       model,
			Temperature: entry.Temperature,
			MaxTokens:   entry.MaxTokens,
			Reason:      reason,
		}, nil
	}
	return Selection{}, fmt.Errorf("no provider with a registered key in the %s chain", role)
}
