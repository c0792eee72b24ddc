package shutdown

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"diffusion_backend/core"
)

// Handler priorities used by the server. Lower values run first.
const (
	PriorityHTTPServer  = 10
	PriorityGenerator   = 20
	PriorityAsyncWriter = 30
	PriorityDatabase    = 40
	PriorityTempFiles   = 50
	PriorityLogger      = 90
)

type handler struct {
	name     string
	priority int
	seq      int
	fn       core.ShutdownFunc
}

// HandlerResult reports one executed handler.
type HandlerResult struct {
	Name     string
	Duration time.Duration
	Err      error
}

// Registry holds cleanup handlers and runs them once, in priority order.
// Handlers with equal priority run in registration order.
type Registry struct {
	mu       sync.Mutex
	handlers []handler
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds fn. It is ignored after Run.
func (r *Registry) Register(name string, priority int, fn core.ShutdownFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.handlers = append(r.handlers, handler{name: name, priority: priority, seq: len(r.handlers), fn: fn})
}

func (r *Registry) sorted() []handler {
	out := slices.Clone(r.handlers)
	slices.SortFunc(out, func(a, b handler) int {
		if c := cmp.Compare(a.priority, b.priority); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

// Run executes every handler, even after one fails, and returns a result
// per handler. A handler error is wrapped with its name. A second call
// returns nil.
func (r *Registry) Run(ctx context.Context) []HandlerResult {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	handlers := r.sorted()
	r.mu.Unlock()

	results := make([]HandlerResult, 0, len(handlers))
	for _, h := range handlers {
		start := time.Now()
		err := h.fn(ctx)
		if err != nil {
			err = fmt.Errorf("%s: %w", h.name, err)
		}
		results = append(results, HandlerResult{Name: h.name, Duration: time.Since(start), Err: err})
	}
	return results
}

// Names returns handler names in execution order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	handlers := r.sorted()
	names := make([]string, len(handlers))
	for i, h := range handlers {
		names[i] = h.name
	}
	return names
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}
