package mech

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rand/mech/internal/resilience"
)

func seeded(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func TestRotator_PickCountsAndRecords(t *testing.T) {
	s := newTestState(t, StateConfig{})
	r := NewRotator(s, RotatorConfig{Rand: seeded(1)})

	model, before, after, err := r.Pick()
	require.NoError(t, err)
	assert.Contains(t, testModels, model)
	assert.Equal(t, int64(0), before)
	assert.Equal(t, int64(1), after)
	assert.Equal(t, model, s.LastModel())
}

func TestRotator_ChooseHasNoSideEffects(t *testing.T) {
	s := newTestState(t, StateConfig{})
	r := NewRotator(s, RotatorConfig{Rand: seeded(2)})

	for range 20 {
		_, err := r.Choose()
		require.NoError(t, err)
	}
	assert.Zero(t, s.Requests())
	assert.Empty(t, s.LastModel())
}

func TestRotator_Deterministic(t *testing.T) {
	run := func() []string {
		s := newTestState(t, StateConfig{Scores: map[string]int{"gpt-4o": 90, "claude-sonnet-4": 10}})
		r := NewRotator(s, RotatorConfig{Rand: seeded(42)})
		var picks []string
		for range 25 {
			m, _, _, err := r.Pick()
			require.NoError(t, err)
			picks = append(picks, m)
		}
		return picks
	}
	assert.Equal(t, run(), run())
}

func TestRotator_NoModels(t *testing.T) {
	s := newTestState(t, StateConfig{Models: []string{"gpt-4o"}, Disabled: []string{"gpt-4o"}})
	r := NewRotator(s, RotatorConfig{})

	_, _, _, err := r.Pick()
	assert.ErrorIs(t, err, ErrNoModels)
	assert.Zero(t, s.Requests())
}

func TestRotator_ZeroScoreNeverPickedWhenOthersPositive(t *testing.T) {
	s := newTestState(t, StateConfig{Scores: map[string]int{"gpt-4o": 0}})
	r := NewRotator(s, RotatorConfig{Rand: seeded(3)})

	for range 500 {
		m, _, _, err := r.Pick()
		require.NoError(t, err)
		assert.NotEqual(t, "gpt-4o", m)
	}
}

func TestRotator_AllZeroScoresUniform(t *testing.T) {
	scores := map[string]int{}
	for _, m := range testModels {
		scores[m] = 0
	}
	s := newTestState(t, StateConfig{Scores: scores})
	r := NewRotator(s, RotatorConfig{Rand: seeded(4)})

	seen := map[string]int{}
	for range 400 {
		m, err := r.Choose()
		require.NoError(t, err)
		seen[m]++
	}
	assert.Len(t, seen, len(testModels))
}

func TestRotator_RepeatPenalty(t *testing.T) {
	s := newTestState(t, StateConfig{Models: []string{"a", "b"}})
	r := NewRotator(s, RotatorConfig{Rand: seeded(5)})
	s.SetLastModel("a")

	// Equal scores with "a" halved: P(a) = 25/75.
	counts := map[string]int{}
	const n = 6000
	for range n {
		m, err := r.Choose()
		require.NoError(t, err)
		counts[m]++
	}
	assert.InDelta(t, 1.0/3, float64(counts["a"])/n, 0.03)
}

func TestRotator_RepeatPenaltySingleCandidate(t *testing.T) {
	s := newTestState(t, StateConfig{Models: []string{"a"}})
	r := NewRotator(s, RotatorConfig{Rand: seeded(6)})

	for range 5 {
		m, _, _, err := r.Pick()
		require.NoError(t, err)
		assert.Equal(t, "a", m)
	}
}

func TestRotator_SkipsOpenBreakers(t *testing.T) {
	s := newTestState(t, StateConfig{Models: []string{"a", "b"}})
	breakers := resilience.NewSet(resilience.Config{FailureThreshold: 1})
	breakers.Record("a", errors.New("boom"))
	r := NewRotator(s, RotatorConfig{Rand: seeded(7), Breakers: breakers})

	for range 50 {
		m, err := r.Choose()
		require.NoError(t, err)
		assert.Equal(t, "b", m)
	}
}

func TestRotator_AllBreakersOpenFallsBack(t *testing.T) {
	s := newTestState(t, StateConfig{Models: []string{"a", "b"}, Disabled: []string{"b"}})
	breakers := resilience.NewSet(resilience.Config{FailureThreshold: 1})
	breakers.Record("a", errors.New("boom"))
	r := NewRotator(s, RotatorConfig{Rand: seeded(8), Breakers: breakers})

	m, err := r.Choose()
	require.NoError(t, err)
	assert.Equal(t, "a", m, "disabled models stay excluded even when every breaker is open")
}

func TestRotator_DisabledNeverPicked(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "models")
		models := make([]string, n)
		for i := range models {
			models[i] = fmt.Sprintf("model-%d", i)
		}
		scores := map[string]int{}
		for _, m := range models {
			scores[m] = rapid.IntRange(MinScore, MaxScore).Draw(t, "score")
		}
		s, err := NewState(StateConfig{Models: models, Scores: scores})
		if err != nil {
			t.Fatalf("new state: %v", err)
		}
		disabled := map[string]bool{}
		for _, m := range models {
			if rapid.Bool().Draw(t, "disable") {
				if err := s.DisableModel(m); err == nil {
					disabled[m] = true
				} else if !errors.Is(err, ErrLastModel) {
					t.Fatalf("disable: %v", err)
				}
			}
		}
		if len(disabled) == len(models) {
			t.Fatalf("every model disabled")
		}
		r := NewRotator(s, RotatorConfig{Rand: seeded(uint64(rapid.IntRange(0, 1<<30).Draw(t, "seed")))})

		picks := rapid.IntRange(1, 50).Draw(t, "picks")
		for range picks {
			m, _, _, err := r.Pick()
			if err != nil {
				t.Fatalf("pick: %v", err)
			}
			if disabled[m] {
				t.Fatalf("picked disabled model %q", m)
			}
		}
		if got := s.Requests(); got != int64(picks) {
			t.Fatalf("requests = %d, want %d", got, picks)
		}
	})
}
