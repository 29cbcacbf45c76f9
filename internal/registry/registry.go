// Package registry maps task-function names to callables. It is populated at
// startup, before the scheduler begins ticking.
package registry

import (
	"context"
	"sort"
	"sync"
)

// TaskFunc is a registered task implementation. The parameter bag is passed
// verbatim from the task definition; the result bag is recorded on the
// execution. Implementations must observe ctx for timeout and cancellation.
type TaskFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

type Registry struct {
	mu  sync.RWMutex
	fns map[string]TaskFunc
}

func New() *Registry {
	return &Registry{fns: make(map[string]TaskFunc)}
}

// Register is idempotent; the last writer wins.
func (r *Registry) Register(name string, fn TaskFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[name] = fn
}

func (r *Registry) Resolve(name string) (TaskFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[name]
	return fn, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.fns))
	for name := range r.fns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.fns)
}
