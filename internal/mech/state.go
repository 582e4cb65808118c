// Package mech implements the MECH control loop: weighted model rotation,
// periodic meta-cognition, thought pacing and thought injection.
package mech

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sahilm/fuzzy"
)

var (
	ErrInvalidFrequency = errors.New("invalid meta-cognition frequency")
	ErrInvalidDelay     = errors.New("invalid thought delay")
	ErrInvalidScore     = errors.New("invalid model score")
	ErrUnknownModel     = errors.New("unknown model")
	ErrLastModel        = errors.New("cannot disable the last model in rotation")
)

// MetaFrequencies are the allowed meta-cognition frequencies, in model
// requests.
var MetaFrequencies = []int{5, 10, 20, 40}

// ThoughtDelays are the allowed pauses between rounds, in seconds.
var ThoughtDelays = []int{0, 2, 4, 8, 16, 32, 64, 128}

const (
	MinScore     = 0
	MaxScore     = 100
	DefaultScore = 50

	DefaultMetaFrequency = 5
)

// StateConfig seeds a State.
type StateConfig struct {
	Models []string

	// Scores override DefaultScore per model.
	Scores map[string]int

	// Disabled lists model ids or doublestar patterns matched against
	// Models.
	Disabled []string

	MetaFrequency int
	ThoughtDelay  int
}

// State is the mutable MECH configuration shared by the loop, the rotator
// and the meta-cognition tools. All mutation goes through its setters.
type State struct {
	mu sync.RWMutex

	started       time.Time
	models        []string
	scores        map[string]int
	disabled      map[string]bool
	metaFrequency int
	thoughtDelay  int
	requests      int64
	lastModel     string
	thoughts      []string
}

// NewState validates cfg and builds a State.
func NewState(cfg StateConfig) (*State, error) {
	if cfg.MetaFrequency == 0 {
		cfg.MetaFrequency = DefaultMetaFrequency
	}
	s := &State{
		started:  time.Now(),
		models:   slices.Compact(slices.Sorted(slices.Values(cfg.Models))),
		scores:   make(map[string]int),
		disabled: make(map[string]bool),
	}
	if err := s.SetMetaFrequency(cfg.MetaFrequency); err != nil {
		return nil, err
	}
	if err := s.SetThoughtDelay(cfg.ThoughtDelay); err != nil {
		return nil, err
	}
	for m, score := range cfg.Scores {
		if !slices.Contains(s.models, m) {
			continue
		}
		if err := s.SetModelScore(m, score); err != nil {
			return nil, err
		}
	}
	matched, err := ExpandPatterns(cfg.Disabled, s.models)
	if err != nil {
		return nil, err
	}
	for _, m := range matched {
		s.disabled[m] = true
	}
	return s, nil
}

// ExpandPatterns returns the models matching any pattern. Patterns use
// doublestar syntax, so "openai/*" matches "openai/gpt-4o".
func ExpandPatterns(patterns, models []string) ([]string, error) {
	var out []string
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid model pattern %q", p)
		}
		for _, m := range models {
			if ok, _ := doublestar.Match(p, m); ok && !slices.Contains(out, m) {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

// Snapshot is a consistent copy of the state.
type Snapshot struct {
	RunningTime   time.Duration
	Requests      int64
	MetaFrequency int
	ThoughtDelay  time.Duration
	LastModel     string
	Scores        map[string]int
	Disabled      []string
	Models        []string
}

// Snapshot copies the state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scores := make(map[string]int, len(s.models))
	for _, m := range s.models {
		scores[m] = s.scoreLocked(m)
	}
	return Snapshot{
		RunningTime:   time.Since(s.started),
		Requests:      s.requests,
		MetaFrequency: s.metaFrequency,
		ThoughtDelay:  time.Duration(s.thoughtDelay) * time.Second,
		LastModel:     s.lastModel,
		Scores:        scores,
		Disabled:      slices.Sorted(maps.Keys(s.disabled)),
		Models:        slices.Clone(s.models),
	}
}

// SetMetaFrequency sets how many model requests pass between
// meta-cognition runs.
func (s *State) SetMetaFrequency(n int) error {
	if !slices.Contains(MetaFrequencies, n) {
		return fmt.Errorf("%w: %d (allowed %v)", ErrInvalidFrequency, n, MetaFrequencies)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metaFrequency = n
	return nil
}

// MetaFrequency returns the current frequency.
func (s *State) MetaFrequency() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metaFrequency
}

// SetThoughtDelay sets the pause between rounds, in seconds. It applies
// from the next pause on.
func (s *State) SetThoughtDelay(seconds int) error {
	if !slices.Contains(ThoughtDelays, seconds) {
		return fmt.Errorf("%w: %d (allowed %v)", ErrInvalidDelay, seconds, ThoughtDelays)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thoughtDelay = seconds
	return nil
}

// ThoughtDelay returns the current pause.
func (s *State) ThoughtDelay() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.thoughtDelay) * time.Second
}

// SetModelScore sets a model's rotation score (0-100).
func (s *State) SetModelScore(model string, score int) error {
	if score < MinScore || score > MaxScore {
		return fmt.Errorf("%w: %d (must be %d-%d)", ErrInvalidScore, score, MinScore, MaxScore)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.knownLocked(model); err != nil {
		return err
	}
	s.scores[model] = score
	return nil
}

// Score returns a model's score.
func (s *State) Score(model string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scoreLocked(model)
}

func (s *State) scoreLocked(model string) int {
	if v, ok := s.scores[model]; ok {
		return v
	}
	return DefaultScore
}

// DisableModel removes a model from rotation. Disabling the last enabled
// model fails with ErrLastModel.
func (s *State) DisableModel(model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.knownLocked(model); err != nil {
		return err
	}
	if s.disabled[model] {
		return nil
	}
	remaining := slices.ContainsFunc(s.models, func(m string) bool { return m != model && !s.disabled[m] })
	if !remaining {
		return fmt.Errorf("%w: %s", ErrLastModel, model)
	}
	s.disabled[model] = true
	return nil
}

// EnableModel returns a disabled model to rotation.
func (s *State) EnableModel(model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.knownLocked(model); err != nil {
		return err
	}
	delete(s.disabled, model)
	return nil
}

// IsDisabled reports whether model is out of rotation.
func (s *State) IsDisabled(model string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disabled[model]
}

// Enabled returns the models in rotation, sorted.
func (s *State) Enabled() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.DeleteFunc(slices.Clone(s.models), func(m string) bool { return s.disabled[m] })
}

// Models returns every known model, sorted.
func (s *State) Models() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.models)
}

func (s *State) knownLocked(model string) error {
	if slices.Contains(s.models, model) {
		return nil
	}
	if matches := fuzzy.Find(model, s.models); len(matches) > 0 {
		return fmt.Errorf("%w %q (did you mean %q?)", ErrUnknownModel, model, matches[0].Str)
	}
	return fmt.Errorf("%w %q", ErrUnknownModel, model)
}

// AddRequests adds n to the request counter and returns the counter
// before and after.
func (s *State) AddRequests(n int64) (before, after int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before = s.requests
	s.requests += n
	return before, s.requests
}

// Requests returns the number of model requests so far.
func (s *State) Requests() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requests
}

// MetaDue reports whether the counter crossed a multiple of the meta
// frequency going from before to after.
func (s *State) MetaDue(before, after int64) bool {
	f := int64(s.MetaFrequency())
	return f > 0 && after/f > before/f
}

// SetLastModel records the model used by the latest round.
func (s *State) SetLastModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastModel = model
}

// LastModel returns the model used by the latest round.
func (s *State) LastModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastModel
}

// InjectThought queues a thought for the next round.
func (s *State) InjectThought(thought string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thoughts = append(s.thoughts, thought)
}

// DrainThoughts returns and clears the queued thoughts.
func (s *State) DrainThoughts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.thoughts
	s.thoughts = nil
	return out
}

// RunningTime is the time since the state was created.
func (s *State) RunningTime() time.Duration {
	return time.Since(s.started)
}
