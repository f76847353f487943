package providers

import (
	"sort"
	"strings"
)

type Registry struct {
	providers map[string]Provider
	order     []Provider
}

func NewRegistry(providers ...Provider) *Registry {
	registry := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, provider := range providers {
		if _, exists := registry.providers[provider.Name()]; !exists {
			registry.order = append(registry.order, provider)
		}
		registry.providers[provider.Name()] = provider
	}
	return registry
}

func DefaultRegistry() *Registry {
	return NewRegistry(OpenAIProvider{}, AnthropicProvider{})
}

func (r *Registry) Get(name string) (Provider, bool) {
	provider, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	return provider, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Detect picks the provider for a payload: the explicit provider field
// first, then the model prefix.
func (r *Registry) Detect(payload map[string]any) (Provider, bool) {
	if name, ok := payload["provider"].(string); ok {
		if provider, found := r.Get(name); found {
			return provider, true
		}
	}
	model := extractModel(payload)
	if model == "" {
		return nil, false
	}
	for _, provider := range r.order {
		if provider.Matches(model) {
			return provider, true
		}
	}
	return nil, false
}

// Normalize validates the shared payload fields and extracts provider,
// model, token counts, latency and estimated cost. Payloads from unknown
// providers are normalized generically and carry no cost estimate unless
// the payload reports one.
func (r *Registry) Normalize(payload map[string]any) (*Normalized, error) {
	if err := validateCommon(payload); err != nil {
		return nil, err
	}
	if provider, ok := r.Detect(payload); ok {
		return provider.Normalize(payload)
	}

	normalized, err := normalizeCommon(payload, "")
	if err != nil {
		return nil, err
	}
	normalized.Provider = strings.ToLower(strings.TrimSpace(stringField(payload, "provider")))
	return normalized, nil
}
