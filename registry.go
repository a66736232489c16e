package memcache

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DefaultScope is the initial fallback scope of a Registry.
const DefaultScope = "default"

// Registry holds named clients for an application. Clients registered by
// Config are built on first Get. A Registry is owned by whoever builds it;
// there is no process-wide instance.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	configs  map[string]Config
	fallback string
}

func NewRegistry() *Registry {
	return &Registry{
		clients:  make(map[string]*Client),
		configs:  make(map[string]Config),
		fallback: DefaultScope,
	}
}

// Register adds a built client under name, replacing any previous entry.
func (r *Registry) Register(name string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = c
	delete(r.configs, name)
}

// RegisterConfig records cfg under name; the client is built by the first
// Get. Registering a name twice is an error.
func (r *Registry) RegisterConfig(name string, cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[name]; ok {
		return fmt.Errorf("memcache: cache %q already registered", name)
	}
	if _, ok := r.configs[name]; ok {
		return fmt.Errorf("memcache: cache %q already registered", name)
	}
	r.configs[name] = cfg
	return nil
}

// SetFallback selects the scope Get answers with for unknown names.
func (r *Registry) SetFallback(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = name
}

func (r *Registry) Fallback() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback
}

// Has reports whether name itself is registered, ignoring the fallback.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[name]
	if !ok {
		_, ok = r.configs[name]
	}
	return ok
}

// Get returns the client for name, or the fallback scope's client when
// name is unknown.
func (r *Registry) Get(name string) (*Client, error) {
	r.mu.RLock()
	c, ok := r.clients[name]
	fallback := r.fallback
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	c, err := r.build(name)
	if err == nil || !errors.Is(err, errUnknownScope) || name == fallback {
		return c, err
	}
	return r.Get(fallback)
}

var errUnknownScope = errors.New("memcache: unknown cache scope")

func (r *Registry) build(name string) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[name]; ok {
		return c, nil
	}
	cfg, ok := r.configs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnknownScope, name)
	}
	c, err := New(cfg)
	if err != nil {
		return nil, fmt.Errorf("memcache: cache %q: %w", name, err)
	}
	r.clients[name] = c
	delete(r.configs, name)
	return c, nil
}

// Names lists registered scopes in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients)+len(r.configs))
	for n := range r.clients {
		names = append(names, n)
	}
	for n := range r.configs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Reset drops every open socket of every built client.
func (r *Registry) Reset() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		c.Reset()
	}
}

// Remove closes and forgets name.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	c, ok := r.clients[name]
	delete(r.clients, name)
	delete(r.configs, name)
	r.mu.Unlock()
	if ok {
		return c.Close()
	}
	return nil
}

// Close closes every built client and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*Client)
	r.configs = make(map[string]Config)
	r.mu.Unlock()

	var errs []error
	for name, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
