package modhost

import (
	"fmt"
	"sync"
)

// Catalog is the ordered list of modules a host knows about. Registration
// order is initialization order within a scheduler pass.
type Catalog struct {
	mutex   sync.RWMutex
	modules []Module
	index   map[string]Module
}

// NewCatalog creates a catalog holding modules, in order.
func NewCatalog(modules ...Module) (*Catalog, error) {
	c := &Catalog{index: make(map[string]Module)}
	for _, m := range modules {
		if err := c.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register appends m.
func (c *Catalog) Register(m Module) error {
	if m == nil {
		return ErrModuleNil
	}
	manifest := m.Manifest()
	if manifest.Name == "" {
		return ErrModuleNameEmpty
	}
	if len(manifest.Contexts) == 0 {
		return fmt.Errorf("%w: %s", ErrModuleNoContexts, manifest.Name)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.index == nil {
		c.index = make(map[string]Module)
	}
	if _, exists := c.index[manifest.Name]; exists {
		return fmt.Errorf("%w: %s", ErrModuleAlreadyRegistered, manifest.Name)
	}
	c.index[manifest.Name] = m
	c.modules = append(c.modules, m)
	return nil
}

// ForContext returns the modules declared for ctx in registration order.
func (c *Catalog) ForContext(ctx ContextName) []Module {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	var out []Module
	for _, m := range c.modules {
		if m.Manifest().RunsIn(ctx) {
			out = append(out, m)
		}
	}
	return out
}

// Lookup finds a module by name.
func (c *Catalog) Lookup(name string) (Module, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	m, ok := c.index[name]
	return m, ok
}

// Names returns module names in registration order.
func (c *Catalog) Names() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	names := make([]string, 0, len(c.modules))
	for _, m := range c.modules {
		names = append(names, m.Manifest().Name)
	}
	return names
}

// Manifests returns every manifest in registration order.
func (c *Catalog) Manifests() []Manifest {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	out := make([]Manifest, 0, len(c.modules))
	for _, m := range c.modules {
		out = append(out, m.Manifest())
	}
	return out
}
