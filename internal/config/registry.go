package config

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/smbpunt/opensay/pkg/backend"
	"github.com/smbpunt/opensay/pkg/vad"
)

// ErrNotRegistered is returned by the Create methods when no factory has
// been registered under the requested name.
var ErrNotRegistered = errors.New("config: not registered")

// BackendFactory builds a transcription backend from its config entry.
// httpClient is the egress guard's client; factories for network backends
// must use it and nothing else.
type BackendFactory func(entry BackendEntry, httpClient *http.Client) (backend.Backend, error)

// VADFactory builds a VAD engine from the VAD configuration.
type VADFactory func(cfg VADConfig) (vad.Engine, error)

// Registry maps backend and VAD engine names to their constructors. It is
// safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]BackendFactory
	vads     map[string]VADFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]BackendFactory),
		vads:     make(map[string]VADFactory),
	}
}

// RegisterBackend registers a backend factory under name. Subsequent calls
// with the same name overwrite the previous registration.
func (r *Registry) RegisterBackend(name string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// CreateBackend constructs the backend registered under name.
func (r *Registry) CreateBackend(name string, entry BackendEntry, httpClient *http.Client) (backend.Backend, error) {
	r.mu.RLock()
	factory, ok := r.backends[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("backend %q: %w", name, ErrNotRegistered)
	}
	return factory(entry, httpClient)
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory VADFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vads[name] = factory
}

// CreateVAD constructs the VAD engine registered under name.
func (r *Registry) CreateVAD(name string, cfg VADConfig) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vads[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("vad engine %q: %w", name, ErrNotRegistered)
	}
	return factory(cfg)
}

// BackendNames returns the registered backend names.
func (r *Registry) BackendNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	return names
}
