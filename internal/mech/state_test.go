package mech

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testModels = []string{"claude-sonnet-4", "gpt-4o", "openrouter/deepseek-chat", "openrouter/grok-4"}

func newTestState(t *testing.T, cfg StateConfig) *State {
	t.Helper()
	if cfg.Models == nil {
		cfg.Models = testModels
	}
	s, err := NewState(cfg)
	require.NoError(t, err)
	return s
}

func TestNewState_Defaults(t *testing.T) {
	s := newTestState(t, StateConfig{})

	assert.Equal(t, DefaultMetaFrequency, s.MetaFrequency())
	assert.Zero(t, s.ThoughtDelay())
	assert.Equal(t, DefaultScore, s.Score("gpt-4o"))
	assert.Equal(t, testModels, s.Models())
	assert.Equal(t, testModels, s.Enabled())
	assert.Zero(t, s.Requests())
	assert.Empty(t, s.LastModel())
}

func TestNewState_InvalidConfig(t *testing.T) {
	_, err := NewState(StateConfig{Models: testModels, MetaFrequency: 7})
	assert.ErrorIs(t, err, ErrInvalidFrequency)

	_, err = NewState(StateConfig{Models: testModels, ThoughtDelay: 3})
	assert.ErrorIs(t, err, ErrInvalidDelay)

	_, err = NewState(StateConfig{Models: testModels, Scores: map[string]int{"gpt-4o": 101}})
	assert.ErrorIs(t, err, ErrInvalidScore)

	_, err = NewState(StateConfig{Models: testModels, Disabled: []string{"openrouter/[a"}})
	assert.Error(t, err)
}

func TestNewState_DisabledPatterns(t *testing.T) {
	s := newTestState(t, StateConfig{Disabled: []string{"openrouter/*"}})

	assert.True(t, s.IsDisabled("openrouter/grok-4"))
	assert.True(t, s.IsDisabled("openrouter/deepseek-chat"))
	assert.Equal(t, []string{"claude-sonnet-4", "gpt-4o"}, s.Enabled())
}

func TestNewState_ScoresForUnknownModelsIgnored(t *testing.T) {
	s := newTestState(t, StateConfig{Scores: map[string]int{"gpt-4o": 80, "retired-model": 10}})
	assert.Equal(t, 80, s.Score("gpt-4o"))
	assert.NotContains(t, s.Snapshot().Scores, "retired-model")
}

func TestState_Setters(t *testing.T) {
	s := newTestState(t, StateConfig{})

	for _, f := range MetaFrequencies {
		require.NoError(t, s.SetMetaFrequency(f))
		assert.Equal(t, f, s.MetaFrequency())
	}
	assert.ErrorIs(t, s.SetMetaFrequency(0), ErrInvalidFrequency)
	assert.ErrorIs(t, s.SetMetaFrequency(15), ErrInvalidFrequency)

	require.NoError(t, s.SetThoughtDelay(16))
	assert.Equal(t, "16s", s.ThoughtDelay().String())
	assert.ErrorIs(t, s.SetThoughtDelay(-2), ErrInvalidDelay)
	assert.ErrorIs(t, s.SetThoughtDelay(256), ErrInvalidDelay)

	require.NoError(t, s.SetModelScore("gpt-4o", 0))
	require.NoError(t, s.SetModelScore("gpt-4o", 100))
	assert.Equal(t, 100, s.Score("gpt-4o"))
	assert.ErrorIs(t, s.SetModelScore("gpt-4o", -1), ErrInvalidScore)
	assert.ErrorIs(t, s.SetModelScore("gpt-4o", 101), ErrInvalidScore)

	require.NoError(t, s.DisableModel("gpt-4o"))
	assert.True(t, s.IsDisabled("gpt-4o"))
	assert.NotContains(t, s.Enabled(), "gpt-4o")
	require.NoError(t, s.EnableModel("gpt-4o"))
	assert.False(t, s.IsDisabled("gpt-4o"))
}

func TestState_KeepsLastModelEnabled(t *testing.T) {
	s := newTestState(t, StateConfig{Models: []string{"a", "b"}})

	require.NoError(t, s.DisableModel("a"))
	require.NoError(t, s.DisableModel("a"), "disabling twice is a no-op")
	assert.ErrorIs(t, s.DisableModel("b"), ErrLastModel)
	assert.Equal(t, []string{"b"}, s.Enabled())

	require.NoError(t, s.EnableModel("a"))
	require.NoError(t, s.DisableModel("b"))
	assert.Equal(t, []string{"a"}, s.Enabled())
}

func TestState_DisableConcurrentlyKeepsOneModel(t *testing.T) {
	models := []string{"a", "b", "c", "d"}
	s := newTestState(t, StateConfig{Models: models})

	var wg sync.WaitGroup
	for _, m := range models {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.DisableModel(m)
		}()
	}
	wg.Wait()
	assert.Len(t, s.Enabled(), 1)
}

func TestState_UnknownModelHint(t *testing.T) {
	s := newTestState(t, StateConfig{})

	err := s.DisableModel("gpt4o")
	require.ErrorIs(t, err, ErrUnknownModel)
	assert.Contains(t, err.Error(), `did you mean "gpt-4o"`)

	err = s.SetModelScore("zzzz", 10)
	require.ErrorIs(t, err, ErrUnknownModel)
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestState_MetaDue(t *testing.T) {
	s := newTestState(t, StateConfig{MetaFrequency: 5})

	var due []int64
	for range 16 {
		before, after := s.AddRequests(1)
		if s.MetaDue(before, after) {
			due = append(due, after)
		}
	}
	assert.Equal(t, []int64{5, 10, 15}, due)

	// A jump across a threshold still triggers once.
	assert.True(t, s.MetaDue(19, 21))
	assert.False(t, s.MetaDue(20, 24))
}

func TestState_Thoughts(t *testing.T) {
	s := newTestState(t, StateConfig{})
	assert.Empty(t, s.DrainThoughts())

	s.InjectThought("check the tests")
	s.InjectThought("slow down")
	assert.Equal(t, []string{"check the tests", "slow down"}, s.DrainThoughts())
	assert.Empty(t, s.DrainThoughts())
}

func TestState_SnapshotIsCopy(t *testing.T) {
	s := newTestState(t, StateConfig{Disabled: []string{"gpt-4o"}})
	snap := s.Snapshot()
	snap.Scores["claude-sonnet-4"] = 1
	snap.Models[0] = "mutated"

	assert.Equal(t, DefaultScore, s.Score("claude-sonnet-4"))
	assert.Equal(t, testModels, s.Models())
	assert.Equal(t, []string{"gpt-4o"}, snap.Disabled)
}

func TestExpandPatterns(t *testing.T) {
	got, err := ExpandPatterns([]string{"gpt-*", "**/grok-*", "gpt-4o"}, testModels)
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4o", "openrouter/grok-4"}, got)

	got, err = ExpandPatterns(nil, testModels)
	require.NoError(t, err)
	assert.Empty(t, got)
}
