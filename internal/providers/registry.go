package providers

import (
	"fmt"
	"sync"

	"github.com/muxworks/muxd/internal/config"
)

// Registry resolves "provider:model" strings to Provider instances,
// constructing clients lazily from the providers config.
type Registry struct {
	mu        sync.Mutex
	providers map[string]Provider
	pc        config.ProvidersConfig
}

func NewRegistry(pc config.ProvidersConfig) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		pc:        pc,
	}
}

// Register installs a provider explicitly; used by tests and by embedders
// that bring their own client.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Resolve returns the provider and bare model id for a model string.
func (r *Registry) Resolve(modelString string) (Provider, string, error) {
	providerName, model, err := ParseModelString(modelString)
	if err != nil {
		return nil, "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[providerName]; ok {
		return p, model, nil
	}

	var cfg *config.ProviderConfig
	if r.pc != nil {
		cfg = r.pc[providerName]
	}
	if cfg == nil || cfg.APIKey == "" {
		return nil, "", fmt.Errorf("provider %q is not configured", providerName)
	}

	switch providerName {
	case "anthropic":
		p := NewAnthropicProvider(cfg.APIKey, cfg.BaseURL)
		r.providers[providerName] = p
		return p, model, nil
	default:
		return nil, "", fmt.Errorf("unknown provider %q", providerName)
	}
}
