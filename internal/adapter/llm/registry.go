package llm

import (
	"fmt"
	"log/slog"
	"sync"

	"maestro/internal/domain"
	"maestro/internal/infra/config"
)

// Registry holds named model backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]domain.Generator
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]domain.Generator)}
}

// Register adds a backend. Returns an error if the name is taken.
func (r *Registry) Register(backend domain.Generator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := backend.Name()
	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("backend %q already registered", name)
	}
	r.backends[name] = backend
	return nil
}

// Generator retrieves a backend by name.
func (r *Registry) Generator(name string) (domain.Generator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[name]
	if !ok {
		return nil, domain.NewDomainError("registry.generator", domain.ErrNotFound, name)
	}
	return b, nil
}

// Classifier retrieves a backend by name and requires it to support the
// classification protocol.
func (r *Registry) Classifier(name string) (domain.Classifier, error) {
	b, err := r.Generator(name)
	if err != nil {
		return nil, err
	}
	c, ok := b.(domain.Classifier)
	if !ok {
		return nil, fmt.Errorf("backend %q does not support classification", name)
	}
	return c, nil
}

// List returns all registered backend names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	return names
}

// Build constructs a registry from provider configuration. Unknown types are
// rejected upstream by config validation; the check here is a safety net.
func Build(providers []config.ProviderConfig, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry()
	for _, p := range providers {
		var backend domain.Generator
		switch p.Type {
		case "openai":
			backend = NewOpenAIBackend(p, logger)
		case "ollama":
			backend = NewOllamaBackend(p, logger)
		case "bedrock":
			b, err := NewBedrockBackend(p, logger)
			if err != nil {
				return nil, fmt.Errorf("backend %q: %w", p.Name, err)
			}
			backend = b
		default:
			return nil, fmt.Errorf("backend %q: unknown type %q", p.Name, p.Type)
		}
		if err := reg.Register(backend); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
