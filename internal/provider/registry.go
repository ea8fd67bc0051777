package provider

import (
	"fmt"
	"sync"

	"github.com/girder-io/girder/pkg/sdk"
	"github.com/girder-io/girder/providers/docker"
	"github.com/girder-io/girder/providers/exec"
	"github.com/girder-io/girder/providers/gcp"
	"github.com/girder-io/girder/providers/null"
)

// Registry manages the lifecycle of providers. Providers are built in and
// run in-process; loading one twice returns the same instance so its
// configuration survives across plan and apply.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]sdk.Provider
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]sdk.Provider),
	}
}

// LoadProvider initializes and registers a provider by name.
func (r *Registry) LoadProvider(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return nil
	}

	var p sdk.Provider
	switch name {
	case "null":
		p = null.New()
	case "exec":
		p = exec.New()
	case "docker":
		p = docker.New()
	case "gcp":
		p = gcp.New()
	default:
		return fmt.Errorf("unknown provider: %s", name)
	}

	r.providers[name] = p
	return nil
}

// Register installs a provider instance under name, replacing any
// existing one. Tests use it to inject fakes.
func (r *Registry) Register(name string, p sdk.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Get returns a registered provider.
func (r *Registry) Get(name string) (sdk.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider not loaded: %s", name)
	}
	return p, nil
}
