package worker

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/cuongbtq/jobrelay/internal/domain"
)

// Func is a job callable. args holds exactly the declared parameters.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Registry maps "<module>.<function>" keys to callables. It is populated
// at startup before the worker starts listening.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Callable
}

// Callable is a resolved registry entry
type Callable struct {
	Key    string
	Params []string
	fn     Func
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Callable)}
}

// Register binds fn to the descriptor's key
func (r *Registry) Register(d domain.Descriptor, fn Func) error {
	if d.IsZero() {
		return domain.NewConfigurationError("cannot register an empty job descriptor")
	}
	if fn == nil {
		return domain.NewConfigurationError("job %s: function is nil", d.Key())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[d.Key()]; exists {
		return domain.NewConfigurationError("job %s is already registered", d.Key())
	}
	r.entries[d.Key()] = &Callable{Key: d.Key(), Params: d.Parameters(), fn: fn}
	return nil
}

// MustRegister is Register for static job tables; it panics on error
func (r *Registry) MustRegister(d domain.Descriptor, fn Func) {
	if err := r.Register(d, fn); err != nil {
		panic(err)
	}
}

// Resolve looks up the callable for key
func (r *Registry) Resolve(key string) (*Callable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.entries[key]
	if !ok {
		return nil, &domain.UnresolvedJobError{Key: key}
	}
	return c, nil
}

// Keys returns the registered job keys in sorted order
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Call invokes the callable. The argument names must match the declared
// parameters exactly.
func (c *Callable) Call(ctx context.Context, args map[string]any) (any, error) {
	got := make([]string, 0, len(args))
	for name := range args {
		got = append(got, name)
	}
	sort.Strings(got)

	want := slices.Clone(c.Params)
	sort.Strings(want)

	if !slices.Equal(got, want) {
		return nil, fmt.Errorf("%s called with arguments [%s], expects [%s]",
			c.Key, strings.Join(got, ", "), strings.Join(want, ", "))
	}
	return c.fn(ctx, args)
}
