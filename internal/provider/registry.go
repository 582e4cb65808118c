package provider

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/sahilm/fuzzy"
)

// ErrNoProvider is a configuration error: no registered provider serves the
// model. Callers must not retry it.
var ErrNoProvider = errors.New("no provider found")

type prefixEntry struct {
	prefix   string
	provider Provider
}

// Registry maps model identifiers to providers.
//
// Resolution order: exact model key, then the first registered prefix the
// model starts with, then the first provider whose SupportsModel accepts
// it. Prefix order is registration order, so specific prefixes must be
// registered before catch-alls.
type Registry struct {
	mu       sync.RWMutex
	exact    map[string]Provider
	prefixes []prefixEntry
	probes   []Provider
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{exact: make(map[string]Provider), logger: logger}
}

// RegisterModel binds an exact model id, replacing any previous binding.
func (r *Registry) RegisterModel(model string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact[model] = p
}

// RegisterPrefix binds a model prefix. Re-registering a prefix replaces its
// provider but keeps its original position.
func (r *Registry) RegisterPrefix(prefix string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.prefixes {
		if r.prefixes[i].prefix == prefix {
			r.prefixes[i].provider = p
			return
		}
	}
	r.prefixes = append(r.prefixes, prefixEntry{prefix: prefix, provider: p})
}

// Register adds a provider that is matched through its SupportsModel
// predicate.
func (r *Registry) Register(p Provider) error {
	if _, ok := p.(ModelSupporter); !ok {
		return fmt.Errorf("provider %s does not implement SupportsModel", p.Name())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes = append(r.probes, p)
	return nil
}

// Resolve returns the provider for model.
func (r *Registry) Resolve(model string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p := r.lookupLocked(model); p != nil {
		return p, nil
	}
	err := fmt.Errorf("%w for model %q", ErrNoProvider, model)
	if hint := r.suggestLocked(model); hint != "" {
		err = fmt.Errorf("%w for model %q (did you mean %q?)", ErrNoProvider, model, hint)
	}
	r.logger.Error("provider resolution failed", "model", model)
	return nil, err
}

// Has reports whether some provider serves model, without logging misses.
func (r *Registry) Has(model string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(model) != nil
}

func (r *Registry) lookupLocked(model string) Provider {
	if p, ok := r.exact[model]; ok {
		return p
	}
	for _, e := range r.prefixes {
		if strings.HasPrefix(model, e.prefix) {
			return e.provider
		}
	}
	for _, p := range r.probes {
		if p.(ModelSupporter).SupportsModel(model) {
			return p
		}
	}
	return nil
}

// Models lists every model id the registry knows by name: exact keys plus
// the lists of providers implementing ModelLister.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.modelsLocked()
}

func (r *Registry) modelsLocked() []string {
	seen := make(map[string]struct{})
	for m := range r.exact {
		seen[m] = struct{}{}
	}
	add := func(p Provider) {
		if l, ok := p.(ModelLister); ok {
			for _, m := range l.SupportedModels() {
				seen[m] = struct{}{}
			}
		}
	}
	for _, e := range r.prefixes {
		add(e.provider)
	}
	for _, p := range r.probes {
		add(p)
	}
	return slices.Sorted(maps.Keys(seen))
}

func (r *Registry) suggestLocked(model string) string {
	known := r.modelsLocked()
	if len(known) == 0 || model == "" {
		return ""
	}
	matches := fuzzy.Find(model, known)
	if len(matches) == 0 {
		return ""
	}
	return matches[0].Str
}
