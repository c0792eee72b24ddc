package sdruntime

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"diffusion_backend/logging"
)

// BackendConfig carries everything a factory may need to load its models.
type BackendConfig struct {
	// ModelDir holds the model files. Weight-free backends ignore it.
	ModelDir string
	// RuntimeLibraryPath points at a shared inference runtime, when one is needed.
	RuntimeLibraryPath string
	UseGPU             bool
	// Schedule is the noise schedule the backend's models were trained with.
	Schedule ScheduleConfig
	Logger   *logging.Logger
}

// BackendFactory builds a Backend. Callers own the result and must Close it.
type BackendFactory func(cfg BackendConfig) (*Backend, error)

// Registry maps backend names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]BackendFactory)}
}

// Register adds a factory under name. Names are case-insensitive.
func (r *Registry) Register(name string, factory BackendFactory) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return fmt.Errorf("%w: backend needs a name and a factory", ErrInvalidConfig)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("%w: backend %q already registered", ErrInvalidConfig, key)
	}
	r.factories[key] = factory
	return nil
}

// Resolve builds the backend registered under name.
func (r *Registry) Resolve(name string, cfg BackendConfig) (*Backend, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	factory, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownBackend, name, strings.Join(r.Names(), ", "))
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	backend, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	if backend.Name == "" {
		backend.Name = key
	}
	if err := backend.Validate(); err != nil {
		backend.Close()
		return nil, err
	}
	return backend, nil
}

// Names lists registered backends in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Built-in backend names.
const (
	BackendReference = "reference"
	BackendONNX      = "onnx"
)

// DefaultRegistry returns a registry holding the built-in backends.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(BackendReference, NewReferenceBackend)
	_ = r.Register(BackendONNX, NewONNXBackend)
	return r
}
