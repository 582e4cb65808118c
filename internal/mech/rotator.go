package mech

import (
	"errors"
	"math/rand/v2"
	"sync"

	"github.com/rand/mech/internal/observability"
	"github.com/rand/mech/internal/resilience"
)

// ErrNoModels is returned when no model is in rotation.
var ErrNoModels = errors.New("no models available for rotation")

// DefaultRepeatPenalty scales the weight of the model used last round.
const DefaultRepeatPenalty = 0.5

// RotatorConfig configures a Rotator.
type RotatorConfig struct {
	// Breakers excludes models whose circuit is open. Optional.
	Breakers *resilience.Set

	// Rand drives selection. Defaults to a randomly seeded PCG.
	Rand *rand.Rand

	// RepeatPenalty multiplies the last model's weight. Zero means
	// DefaultRepeatPenalty; use a value of 1 to disable.
	RepeatPenalty float64

	Metrics *observability.Metrics
}

// Rotator picks a model per round by weighted random selection over the
// enabled models. Weight is the model's score, scaled down for the model
// used last round. A model with score 0 is never picked while any other
// candidate has a positive weight.
type Rotator struct {
	state    *State
	breakers *resilience.Set
	penalty  float64
	metrics  *observability.Metrics

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRotator creates a Rotator over state.
func NewRotator(state *State, cfg RotatorConfig) *Rotator {
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = DefaultRepeatPenalty
	}
	return &Rotator{
		state:    state,
		breakers: cfg.Breakers,
		penalty:  cfg.RepeatPenalty,
		metrics:  cfg.Metrics,
		rng:      cfg.Rand,
	}
}

// Pick chooses the model for the next round, counts the request and
// records the model as the last used. It returns the request counter
// before and after.
func (r *Rotator) Pick() (model string, before, after int64, err error) {
	model, err = r.Choose()
	if err != nil {
		return "", 0, 0, err
	}
	before, after = r.state.AddRequests(1)
	r.state.SetLastModel(model)
	r.metrics.RecordPick(model)
	return model, before, after, nil
}

// Choose selects a model without touching the request counter or the
// last-used model.
func (r *Rotator) Choose() (string, error) {
	return r.ChooseFrom(r.state.Enabled())
}

// ChooseFrom selects among candidates using the current scores.
// Candidates whose circuit is open are skipped unless every candidate is
// open.
func (r *Rotator) ChooseFrom(candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoModels
	}
	if avail := r.available(candidates); len(avail) > 0 {
		candidates = avail
	}

	last := r.state.LastModel()
	weights := make([]float64, len(candidates))
	var total float64
	for i, m := range candidates {
		w := float64(r.state.Score(m))
		if m == last && len(candidates) > 1 {
			w *= r.penalty
		}
		weights[i] = w
		total += w
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if total <= 0 {
		return candidates[r.rng.IntN(len(candidates))], nil
	}
	x := r.rng.Float64() * total
	for i, w := range weights {
		if x < w {
			return candidates[i], nil
		}
		x -= w
	}
	// Float rounding: fall back to the last positive weight.
	for i := len(weights) - 1; i >= 0; i-- {
		if weights[i] > 0 {
			return candidates[i], nil
		}
	}
	return candidates[len(candidates)-1], nil
}

func (r *Rotator) available(candidates []string) []string {
	if r.breakers == nil {
		return candidates
	}
	var out []string
	for _, m := range candidates {
		if r.breakers.Available(m) {
			out = append(out, m)
		}
	}
	return out
}
