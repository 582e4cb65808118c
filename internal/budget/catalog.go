// Package budget prices model usage, tracks spending against limits and
// paces requests against provider quotas.
package budget

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/catwalk/pkg/catwalk"
	"github.com/charmbracelet/catwalk/pkg/embedded"
)

// ErrModelNotFound is returned when a model has no catalog entry.
var ErrModelNotFound = errors.New("model not found in catalog")

// Class groups models by capability.
type Class string

const (
	ClassStandard  Class = "standard"
	ClassMini      Class = "mini"
	ClassReasoning Class = "reasoning"
	ClassCode      Class = "code"
	ClassVision    Class = "vision"
	ClassSearch    Class = "search"
)

// Tier prices requests up to a token count.
type Tier struct {
	// UpTo is the largest request token count the tier covers. Zero
	// means no upper bound.
	UpTo       int64   `yaml:"up_to" json:"up_to"`
	PerMillion float64 `yaml:"per_million" json:"per_million"`
}

// Window is a daily UTC time range [StartHour, EndHour). It may wrap
// midnight.
type Window struct {
	StartHour  int     `yaml:"start_hour" json:"start_hour"`
	EndHour    int     `yaml:"end_hour" json:"end_hour"`
	PerMillion float64 `yaml:"per_million" json:"per_million"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	h := t.UTC().Hour()
	if w.StartHour <= w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

// Price is a per-million-token rate. Tiers, when present, replace the flat
// rate based on the request size; an off-peak window overrides both.
type Price struct {
	PerMillion float64 `yaml:"per_million" json:"per_million"`
	Tiers      []Tier  `yaml:"tiers,omitempty" json:"tiers,omitempty"`
	OffPeak    *Window `yaml:"off_peak,omitempty" json:"off_peak,omitempty"`
}

// Flat is a Price with a single rate.
func Flat(perMillion float64) Price { return Price{PerMillion: perMillion} }

// Rate returns the per-million rate for a request of requestTokens
// tokens made at t.
func (p Price) Rate(requestTokens int64, at time.Time) float64 {
	if p.OffPeak != nil && p.OffPeak.Contains(at) {
		return p.OffPeak.PerMillion
	}
	for _, tier := range p.Tiers {
		if tier.UpTo == 0 || requestTokens <= tier.UpTo {
			return tier.PerMillion
		}
	}
	if len(p.Tiers) > 0 {
		return p.Tiers[len(p.Tiers)-1].PerMillion
	}
	return p.PerMillion
}

// Pricing holds the rates of one model.
type Pricing struct {
	Input  Price `yaml:"input" json:"input"`
	Output Price `yaml:"output" json:"output"`

	// CachedInput prices cache reads. Nil means cached tokens cost the
	// input rate.
	CachedInput *Price `yaml:"cached_input,omitempty" json:"cached_input,omitempty"`

	// PerImage is charged per image in the call, in dollars.
	PerImage float64 `yaml:"per_image,omitempty" json:"per_image,omitempty"`
}

// ModelEntry describes one model.
type ModelEntry struct {
	ID            string  `yaml:"id" json:"id"`
	Provider      string  `yaml:"provider" json:"provider"`
	Class         Class   `yaml:"class,omitempty" json:"class,omitempty"`
	Score         int     `yaml:"score,omitempty" json:"score,omitempty"`
	ContextWindow int64   `yaml:"context_window,omitempty" json:"context_window,omitempty"`
	FreeTier      bool    `yaml:"free_tier,omitempty" json:"free_tier,omitempty"`
	Pricing       Pricing `yaml:"pricing" json:"pricing"`
}

// Catalog is a thread-safe model lookup.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]ModelEntry
}

// NewCatalog creates a catalog holding entries.
func NewCatalog(entries ...ModelEntry) *Catalog {
	c := &Catalog{models: make(map[string]ModelEntry, len(entries))}
	for _, e := range entries {
		c.Add(e)
	}
	return c
}

// Add inserts or replaces an entry.
func (c *Catalog) Add(e ModelEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[e.ID] = e
}

// Merge adds every entry of other, replacing entries with the same id.
func (c *Catalog) Merge(other *Catalog) {
	for _, e := range other.Models() {
		c.Add(e)
	}
}

// FindModel returns the entry for id.
func (c *Catalog) FindModel(id string) (ModelEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.models[id]; ok {
		return e, nil
	}
	return ModelEntry{}, fmt.Errorf("%w: %s", ErrModelNotFound, id)
}

// Models returns every entry ordered by id.
func (c *Catalog) Models() []ModelEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ModelEntry, 0, len(c.models))
	for _, id := range slices.Sorted(maps.Keys(c.models)) {
		out = append(out, c.models[id])
	}
	return out
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.models)
}

// EmbeddedCatalog builds a catalog from the provider data bundled with
// catwalk.
func EmbeddedCatalog() *Catalog {
	return CatalogFromCatwalk(embedded.GetAll())
}

// CatalogFromCatwalk converts catwalk provider metadata. When two providers
// list the same model id the first one wins.
func CatalogFromCatwalk(providers []catwalk.Provider) *Catalog {
	c := NewCatalog()
	for _, p := range providers {
		for _, m := range p.Models {
			if _, err := c.FindModel(m.ID); err == nil {
				continue
			}
			e := ModelEntry{
				ID:            m.ID,
				Provider:      string(p.ID),
				Class:         classify(m),
				ContextWindow: m.ContextWindow,
				Pricing: Pricing{
					Input:  Flat(m.CostPer1MIn),
					Output: Flat(m.CostPer1MOut),
				},
			}
			if m.CostPer1MInCached > 0 {
				cached := Flat(m.CostPer1MInCached)
				e.Pricing.CachedInput = &cached
			}
			e.FreeTier = m.CostPer1MIn == 0 && m.CostPer1MOut == 0
			c.Add(e)
		}
	}
	return c
}

func classify(m catwalk.Model) Class {
	id := strings.ToLower(m.ID)
	switch {
	case strings.Contains(id, "search") || strings.Contains(id, "sonar"):
		return ClassSearch
	case strings.Contains(id, "code") || strings.Contains(id, "codestral"):
		return ClassCode
	case m.CanReason:
		return ClassReasoning
	case strings.Contains(id, "mini") || strings.Contains(id, "haiku") || strings.Contains(id, "flash") || strings.Contains(id, "nano"):
		return ClassMini
	case m.SupportsImages:
		return ClassVision
	}
	return ClassStandard
}
