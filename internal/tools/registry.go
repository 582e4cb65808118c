package tools

import (
	"log/slog"
	"slices"
	"sync"
)

// Registry maps unique tool names to tools. Registration order is kept so
// definitions are offered to models in a stable order.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	logger *slog.Logger
}

// NewRegistry creates a registry holding tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool), logger: slog.Default()}
	for _, t := range tools {
		r.Add(t)
	}
	return r
}

// WithLogger sets the logger used for collision warnings.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// Add registers t. A tool with the same name is replaced and the
// replacement logged.
func (r *Registry) Add(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name]; ok {
		r.logger.Warn("tool registered twice, keeping the latest", "tool", t.Name)
	} else {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get returns the tool named name.
func (r *Registry) Get(name string) (Tool, bool) {
	if r == nil {
		return Tool{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Len returns the number of tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Tools returns the tools in registration order.
func (r *Registry) Tools() []Tool {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Definitions returns the definitions in registration order.
func (r *Registry) Definitions() []Definition {
	tools := r.Tools()
	defs := make([]Definition, len(tools))
	for i, t := range tools {
		defs[i] = t.Definition
	}
	return defs
}

// Merge combines registries left to right. On a name collision the tool
// from the later registry wins and a warning is logged.
func Merge(registries ...*Registry) *Registry {
	merged := NewRegistry()
	for _, reg := range registries {
		if reg == nil {
			continue
		}
		for _, t := range reg.Tools() {
			merged.Add(t)
		}
	}
	return merged
}
