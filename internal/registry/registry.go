// Package registry maps function names to in-process handlers for jobs with
// a func: command. Handlers receive the job's parameters and return an
// opaque result payload.
package registry

import (
	"context"
	"errors"
	"sync"
)

// Func is an in-process job handler. The context carries no timeout unless
// the caller installed one; handlers should honor cancellation.
type Func func(ctx context.Context, params map[string]any) (map[string]any, error)

var (
	ErrEmptyName = errors.New("registry: empty function name")
	ErrNilFunc   = errors.New("registry: nil function")
)

// Registry is a thread-safe function table.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func New() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds a handler under a name, replacing any previous one.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return ErrEmptyName
	}
	if fn == nil {
		return ErrNilFunc
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
	return nil
}

// Get retrieves a handler by name.
func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns all registered function names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	return names
}

// Remove unregisters a handler.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.funcs, name)
}
