package llms

import (
	"fmt"

	"github.com/applyforge/applyforge/pkg/config"
	"github.com/applyforge/applyforge/pkg/registry"
)

// Registry maps model identifiers to providers. Selecting a provider is a
// table lookup; no per-provider branching outside CreateFromConfig.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

func NewRegistry() *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[Provider](),
	}
}

// CreateFromConfig builds a provider from its endpoint config and registers
// it under the given model identifier.
func (r *Registry) CreateFromConfig(name string, cfg *config.ProviderConfig) (Provider, error) {
	if name == "" {
		return nil, fmt.Errorf("model identifier cannot be empty")
	}
	if cfg == nil {
		return nil, fmt.Errorf("provider config cannot be nil")
	}

	var provider Provider
	var err error

	switch cfg.Type {
	case "openai":
		provider, err = NewOpenAIProvider(cfg)
	case "anthropic":
		provider, err = NewAnthropicProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider type: %s (supported: openai, anthropic)", cfg.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create provider %s: %w", name, err)
	}

	if err := r.Register(name, provider); err != nil {
		return nil, fmt.Errorf("failed to register provider: %w", err)
	}

	return provider, nil
}

// GetProvider returns the provider registered for the model identifier.
func (r *Registry) GetProvider(name string) (Provider, error) {
	provider, exists := r.Get(name)
	if !exists {
		return nil, fmt.Errorf("provider '%s' not found", name)
	}
	return provider, nil
}

// CloseAll closes every registered provider.
func (r *Registry) CloseAll() {
	for _, p := range r.List() {
		_ = p.Close()
	}
}
