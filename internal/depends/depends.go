// Package depends resolves the named arguments a handler asks for.
//
// A name is either a plain value supplied by the caller (raw_message, view,
// logger, ...) or a derived dependency: a provider registered in a Container
// that computes the value from its own named needs. Providers may depend on
// other providers to any depth; cycles are rejected when a provider is added.
package depends

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"swiftbots/internal/domain"
)

// Args holds the resolved values for one call, keyed by name.
type Args map[string]any

// Get returns the value stored under name, or nil.
func (a Args) Get(name string) any { return a[name] }

// String returns the value under name if it is a string.
func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Provider computes a derived value. args contains exactly the provider's needs.
type Provider func(ctx context.Context, args Args) (any, error)

type provider struct {
	fn    Provider
	needs []string
}

// Container is a registry of named providers. Safe for concurrent use.
type Container struct {
	mu        sync.RWMutex
	providers map[string]provider
}

func NewContainer() *Container {
	return &Container{providers: make(map[string]provider)}
}

// Provide registers fn under name. It fails if the name is taken or if the
// new provider closes a cycle in the dependency graph.
func (c *Container) Provide(name string, fn Provider, needs ...string) error {
	if name == "" || fn == nil {
		return fmt.Errorf("%w: provider needs a name and a function", domain.ErrConfiguration)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.providers[name]; exists {
		return fmt.Errorf("%w: provider %q already registered", domain.ErrConfiguration, name)
	}
	c.providers[name] = provider{fn: fn, needs: append([]string(nil), needs...)}

	if path := c.findCycle(name); path != nil {
		delete(c.providers, name)
		return fmt.Errorf("%w: dependency cycle %s", domain.ErrConfiguration, strings.Join(path, " -> "))
	}
	return nil
}

// findCycle walks the provider graph from start and returns the first path
// leading back to start. Caller holds c.mu.
func (c *Container) findCycle(start string) []string {
	visited := make(map[string]bool)
	var walk func(name string, path []string) []string
	walk = func(name string, path []string) []string {
		p, ok := c.providers[name]
		if !ok {
			return nil
		}
		for _, need := range p.needs {
			next := append(append([]string(nil), path...), need)
			if need == start {
				return next
			}
			if visited[need] {
				continue
			}
			visited[need] = true
			if found := walk(need, next); found != nil {
				return found
			}
		}
		return nil
	}
	return walk(start, []string{start})
}

// Has reports whether name is a registered provider.
func (c *Container) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.providers[name]
	return ok
}

// Names lists registered providers in sorted order.
func (c *Container) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.providers))
	for n := range c.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c *Container) lookup(name string) (provider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.providers[name]
	return p, ok
}

// Resolve computes the arguments for needs. Registered providers win over
// plain values of the same name. The returned release function closes every
// derived value that implements io.Closer, in reverse creation order; it is
// never nil and is safe to call once the handler has returned.
func (c *Container) Resolve(ctx context.Context, needs []string, values map[string]any) (Args, func(), error) {
	r := &resolution{
		container: c,
		values:    values,
		cache:     make(map[string]any),
		active:    make(map[string]bool),
	}
	args, err := r.args(ctx, needs)
	if err != nil {
		r.release()
		return nil, func() {}, err
	}
	return args, r.release, nil
}

// Call resolves needs and invokes fn, releasing derived values afterwards.
func (c *Container) Call(ctx context.Context, needs []string, values map[string]any, fn func(context.Context, Args) error) error {
	args, release, err := c.Resolve(ctx, needs, values)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx, args)
}

type resolution struct {
	container *Container
	values    map[string]any
	cache     map[string]any
	active    map[string]bool
	closers   []io.Closer
}

func (r *resolution) args(ctx context.Context, needs []string) (Args, error) {
	args := make(Args, len(needs))
	for _, name := range needs {
		v, err := r.value(ctx, name)
		if err != nil {
			return nil, err
		}
		args[name] = v
	}
	return args, nil
}

func (r *resolution) value(ctx context.Context, name string) (any, error) {
	p, derived := r.container.lookup(name)
	if !derived {
		v, ok := r.values[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing value %q", domain.ErrConfiguration, name)
		}
		return v, nil
	}

	if v, ok := r.cache[name]; ok {
		return v, nil
	}
	if r.active[name] {
		return nil, fmt.Errorf("%w: dependency cycle through %q", domain.ErrConfiguration, name)
	}
	r.active[name] = true
	defer delete(r.active, name)

	args, err := r.args(ctx, p.needs)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", name, err)
	}
	v, err := p.fn(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", name, err)
	}
	if closer, ok := v.(io.Closer); ok {
		r.closers = append(r.closers, closer)
	}
	r.cache[name] = v
	return v, nil
}

func (r *resolution) release() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		_ = r.closers[i].Close()
	}
	r.closers = nil
}
