package budget

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// State tracks current resource usage.
type State struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	CachedTokens int64 `json:"cached_tokens"`
	Requests     int64 `json:"requests"`

	// USD
	TotalCost float64 `json:"total_cost"`

	SessionStart time.Time `json:"session_start"`
	TaskStart    time.Time `json:"task_start,omitzero"`
}

// SessionDuration returns the time since session start.
func (s *State) SessionDuration() time.Duration {
	if s.SessionStart.IsZero() {
		return 0
	}
	return time.Since(s.SessionStart)
}

// TaskDuration returns the time since task start.
func (s *State) TaskDuration() time.Duration {
	if s.TaskStart.IsZero() {
		return 0
	}
	return time.Since(s.TaskStart)
}

// ModelSummary aggregates the usage of one model.
type ModelSummary struct {
	Model        string  `json:"model"`
	Provider     string  `json:"provider,omitempty"`
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CachedTokens int64   `json:"cached_tokens"`
	FreeTier     int64   `json:"free_tier_requests"`
	Cost         float64 `json:"cost"`
}

// Tracker tracks budget usage across a session.
type Tracker struct {
	mu     sync.RWMutex
	state  State
	limits Limits
	models map[string]*ModelSummary

	onLimitExceeded func(violation Violation)
}

// NewTracker creates a new budget tracker with the given limits.
func NewTracker(limits Limits) *Tracker {
	return &Tracker{
		state:  State{SessionStart: time.Now()},
		limits: limits,
		models: make(map[string]*ModelSummary),
	}
}

// SetLimitCallback sets a callback for when limits are exceeded. It runs
// with the tracker locked and must not call back into the tracker.
func (t *Tracker) SetLimitCallback(cb func(Violation)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLimitExceeded = cb
}

// State returns a copy of the current state.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Limits returns a copy of the current limits.
func (t *Tracker) Limits() Limits {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.limits
}

// UpdateLimits updates the limits.
func (t *Tracker) UpdateLimits(limits Limits) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits = limits
}

// StartTask marks the start of a new task.
func (t *Tracker) StartTask() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.TaskStart = time.Now()
}

// EndTask marks the end of a task.
func (t *Tracker) EndTask() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.TaskStart = time.Time{}
}

// Record adds a priced entry. It returns the first hard violation, if any.
func (t *Tracker) Record(e CostEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var cost float64
	if e.Cost != nil {
		cost = *e.Cost
	}
	t.state.InputTokens += e.InputTokens
	t.state.OutputTokens += e.OutputTokens
	t.state.CachedTokens += e.CachedTokens
	t.state.Requests++
	t.state.TotalCost += cost

	s, ok := t.models[e.Model]
	if !ok {
		s = &ModelSummary{Model: e.Model, Provider: e.Provider}
		t.models[e.Model] = s
	}
	s.Requests++
	s.InputTokens += e.InputTokens
	s.OutputTokens += e.OutputTokens
	s.CachedTokens += e.CachedTokens
	s.Cost += cost
	if e.IsFreeTier {
		s.FreeTier++
	}

	return t.checkLimitsLocked()
}

// checkLimitsLocked checks if any limits are exceeded. Must be called with lock held.
func (t *Tracker) checkLimitsLocked() error {
	violations := t.limits.Check(t.state)
	if len(violations) == 0 {
		return nil
	}

	if t.onLimitExceeded != nil {
		for _, v := range violations {
			t.onLimitExceeded(v)
		}
	}

	for _, v := range violations {
		if v.Hard {
			return v
		}
	}
	return nil
}

// CheckLimits checks current state against limits.
func (t *Tracker) CheckLimits() []Violation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.limits.Check(t.state)
}

// Models returns the per-model summaries ordered by cost, highest first.
func (t *Tracker) Models() []ModelSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ModelSummary, 0, len(t.models))
	for _, k := range slices.Sorted(maps.Keys(t.models)) {
		out = append(out, *t.models[k])
	}
	slices.SortStableFunc(out, func(a, b ModelSummary) int {
		switch {
		case a.Cost > b.Cost:
			return -1
		case a.Cost < b.Cost:
			return 1
		}
		return 0
	})
	return out
}

// Reset resets all counters but keeps limits.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = State{SessionStart: time.Now()}
	t.models = make(map[string]*ModelSummary)
}

// Usage returns a summary of current usage as percentages of limits.
func (t *Tracker) Usage() Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	u := Usage{}
	if t.limits.MaxInputTokens > 0 {
		u.InputTokensPercent = float64(t.state.InputTokens) / float64(t.limits.MaxInputTokens) * 100
	}
	if t.limits.MaxOutputTokens > 0 {
		u.OutputTokensPercent = float64(t.state.OutputTokens) / float64(t.limits.MaxOutputTokens) * 100
	}
	if t.limits.MaxTotalCost > 0 {
		u.CostPercent = t.state.TotalCost / t.limits.MaxTotalCost * 100
	}
	if t.limits.MaxRequests > 0 {
		u.RequestsPercent = float64(t.state.Requests) / float64(t.limits.MaxRequests) * 100
	}
	if t.limits.MaxSessionTime > 0 {
		u.SessionTimePercent = float64(t.state.SessionDuration()) / float64(t.limits.MaxSessionTime) * 100
	}
	return u
}

// Usage represents resource usage as percentages of limits.
type Usage struct {
	InputTokensPercent  float64 `json:"input_tokens_percent"`
	OutputTokensPercent float64 `json:"output_tokens_percent"`
	CostPercent         float64 `json:"cost_percent"`
	RequestsPercent     float64 `json:"requests_percent"`
	SessionTimePercent  float64 `json:"session_time_percent"`
}
