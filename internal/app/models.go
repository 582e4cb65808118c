package app

import (
	"slices"

	"github.com/rand/mech/internal/budget"
)

// ModelRow describes one catalog model for listing.
type ModelRow struct {
	ID       string       `json:"id"`
	Provider string       `json:"provider"`
	Class    budget.Class `json:"class,omitempty"`

	// Backend is the configured provider that serves the model, empty
	// when none does.
	Backend string `json:"backend,omitempty"`

	InputPrice  float64 `json:"input_per_million"`
	OutputPrice float64 `json:"output_per_million"`

	// Rotation is set for models in the MECH rotation set.
	Rotation bool `json:"rotation"`
	Score    int  `json:"score,omitempty"`
	Disabled bool `json:"disabled,omitempty"`
}

// ModelRows lists the catalog. With servableOnly, models no configured
// provider serves are left out.
func (app *App) ModelRows(servableOnly bool) []ModelRow {
	rotation := app.State.Models()
	var rows []ModelRow
	for _, e := range app.Catalog.Models() {
		row := ModelRow{
			ID:          e.ID,
			Provider:    e.Provider,
			Class:       e.Class,
			InputPrice:  e.Pricing.Input.PerMillion,
			OutputPrice: e.Pricing.Output.PerMillion,
		}
		if app.Providers.Has(e.ID) {
			if p, err := app.Providers.Resolve(e.ID); err == nil {
				row.Backend = p.Name()
			}
		} else if servableOnly {
			continue
		}
		if slices.Contains(rotation, e.ID) {
			row.Rotation = true
			row.Score = app.State.Score(e.ID)
			row.Disabled = app.State.IsDisabled(e.ID)
		}
		rows = append(rows, row)
	}
	return rows
}
