package budget

import (
	"fmt"
	"time"
)

const perMillion = 1_000_000

// CostEntry is the usage of one model call.
type CostEntry struct {
	Model        string    `json:"model"`
	Provider     string    `json:"provider,omitempty"`
	Agent        string    `json:"agent,omitempty"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CachedTokens int64     `json:"cached_tokens"`
	ImageCount   int64     `json:"image_count,omitempty"`
	Timestamp    time.Time `json:"timestamp"`

	// IsFreeTier marks usage covered by a provider free tier.
	IsFreeTier bool `json:"is_free_tier,omitempty"`

	// Cost is set once calculated. A preset cost is never recalculated.
	Cost *float64 `json:"cost,omitempty"`
}

// CalculateCost prices e from the catalog, stores the result on e and
// returns it. The result is never negative, and calling it again returns
// the stored value.
func CalculateCost(e *CostEntry, catalog *Catalog) (float64, error) {
	if e.Cost != nil {
		return *e.Cost, nil
	}
	model, err := catalog.FindModel(e.Model)
	if err != nil {
		return 0, fmt.Errorf("calculate cost: %w", err)
	}
	if e.Provider == "" {
		e.Provider = model.Provider
	}

	var cost float64
	if !e.IsFreeTier && !model.FreeTier {
		cost = price(model.Pricing, e)
	}
	cost = max(cost, 0)
	e.Cost = &cost
	return cost, nil
}

func price(p Pricing, e *CostEntry) float64 {
	at := e.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	requestTokens := e.InputTokens
	cached := min(max(e.CachedTokens, 0), max(e.InputTokens, 0))
	uncached := max(e.InputTokens, 0) - cached

	cachedPrice := p.Input
	if p.CachedInput != nil {
		cachedPrice = *p.CachedInput
	}
	tokens := (float64(uncached)*p.Input.Rate(requestTokens, at) +
		float64(cached)*cachedPrice.Rate(requestTokens, at) +
		float64(max(e.OutputTokens, 0))*p.Output.Rate(requestTokens, at)) / perMillion
	return tokens + float64(max(e.ImageCount, 0))*p.PerImage
}
