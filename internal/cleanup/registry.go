package cleanup

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/e2ekit/pkg/schema"
)

// Handler deletes one resource. Returning nil means the resource is gone,
// including when it was already absent.
type Handler func(ctx context.Context, r schema.TrackedResource) error

// Handler sources, in increasing priority.
const (
	SourceBuiltin     = "builtin"
	SourceRootFile    = "root-file"
	SourceDiscovery   = "discovery"
	SourceHandlerFile = "handler-file"
)

// Registry is a thread-safe name to Handler map that remembers which
// layer supplied each handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	sources  map[string]string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		sources:  make(map[string]string),
	}
}

// Register adds or replaces one handler.
func (r *Registry) Register(name, source string, h Handler) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler name is empty")
	}
	if h == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "handler %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
	r.sources[name] = source
	return nil
}

// Overlay applies a layer of handlers; same-named handlers already present
// are replaced. It returns how many were replaced.
func (r *Registry) Overlay(source string, hs map[string]Handler) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	replaced := 0
	for name, h := range hs {
		if name == "" || h == nil {
			continue
		}
		if _, exists := r.handlers[name]; exists {
			replaced++
		}
		r.handlers[name] = h
		r.sources[name] = source
	}
	return replaced
}

// Get retrieves a handler by name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Source returns the layer that supplied name, or "".
func (r *Registry) Source(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sources[name]
}

// Has checks if a handler is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns all handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
