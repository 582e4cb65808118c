package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rand/mech/internal/observability"
	"github.com/rand/mech/internal/stream"
)

// ErrBudgetExceeded is returned by Acquire and Exhausted once a hard limit
// is reached and enforcement blocks.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Manager coordinates pricing, budget tracking, quota pacing and
// enforcement. It implements the pipeline's usage recorder and gate.
type Manager struct {
	mu sync.RWMutex

	tracker *Tracker
	catalog *Catalog
	quota   *Quota
	config  ManagerConfig
	logger  *slog.Logger

	sessionID    string
	sessionStart time.Time
	taskCount    int
	violations   []Violation

	onEvent func(Event)
}

// ManagerConfig configures the budget manager.
type ManagerConfig struct {
	// Catalog prices usage. Required.
	Catalog *Catalog

	// Limits are the session limits. Zero value uses DefaultLimits.
	Limits Limits

	// Quotas are per-provider free tiers and rate limits, keyed by the
	// catalog's provider name.
	Quotas map[string]ProviderQuota

	Enforcement EnforcementConfig

	// Sink receives cost_update messages.
	Sink observability.Sink

	Logger *slog.Logger
}

// EnforcementConfig configures budget enforcement behavior.
type EnforcementConfig struct {
	// OnWarning is the action to take on warnings.
	OnWarning EnforcementAction `yaml:"on_warning" json:"on_warning"`

	// OnBlock is the action to take when a hard limit is reached.
	OnBlock EnforcementAction `yaml:"on_block" json:"on_block"`
}

// EnforcementAction specifies what to do on limit violations.
type EnforcementAction string

const (
	ActionLog    EnforcementAction = "log"
	ActionNotify EnforcementAction = "notify"
	ActionBlock  EnforcementAction = "block"
)

// DefaultEnforcementConfig returns sensible enforcement defaults.
func DefaultEnforcementConfig() EnforcementConfig {
	return EnforcementConfig{
		OnWarning: ActionNotify,
		OnBlock:   ActionBlock,
	}
}

// Event represents a budget-related event.
type Event struct {
	Type      EventType  `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	State     State      `json:"state"`
	Entry     *CostEntry `json:"entry,omitempty"`
	Violation *Violation `json:"violation,omitempty"`
	SessionID string     `json:"session_id"`
	Message   string     `json:"message"`
}

// EventType categorizes budget events.
type EventType string

const (
	EventSessionStart     EventType = "session_start"
	EventSessionEnd       EventType = "session_end"
	EventTaskStart        EventType = "task_start"
	EventTaskEnd          EventType = "task_end"
	EventWarningThreshold EventType = "warning_threshold"
	EventLimitExceeded    EventType = "limit_exceeded"
	EventUsageRecorded    EventType = "usage_recorded"
)

// NewManager creates a new budget manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Catalog == nil {
		cfg.Catalog = NewCatalog()
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}
	if cfg.Enforcement.OnBlock == "" {
		cfg.Enforcement = DefaultEnforcementConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		tracker:      NewTracker(cfg.Limits),
		catalog:      cfg.Catalog,
		quota:        NewQuota(cfg.Quotas),
		config:       cfg,
		logger:       cfg.Logger,
		sessionID:    uuid.NewString(),
		sessionStart: time.Now(),
	}
	m.tracker.SetLimitCallback(m.handleViolation)
	return m
}

// StartSession resets counters and begins a new session.
func (m *Manager) StartSession() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessionID = uuid.NewString()
	m.sessionStart = time.Now()
	m.taskCount = 0
	m.violations = nil
	m.tracker.Reset()

	m.emitEvent(Event{
		Type:      EventSessionStart,
		Timestamp: m.sessionStart,
		State:     m.tracker.State(),
		SessionID: m.sessionID,
		Message:   "Session started",
	})
	return m.sessionID
}

// EndSession emits the session summary.
func (m *Manager) EndSession() {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.tracker.State()
	m.emitEvent(Event{
		Type:      EventSessionEnd,
		Timestamp: time.Now(),
		State:     state,
		SessionID: m.sessionID,
		Message:   fmt.Sprintf("Session ended: $%.4f, %d tokens", state.TotalCost, state.InputTokens+state.OutputTokens),
	})
}

// StartTask marks the beginning of a task.
func (m *Manager) StartTask() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tracker.StartTask()
	m.taskCount++
	m.emitEvent(Event{
		Type:      EventTaskStart,
		Timestamp: time.Now(),
		State:     m.tracker.State(),
		SessionID: m.sessionID,
		Message:   fmt.Sprintf("Task %d started", m.taskCount),
	})
}

// EndTask marks the end of a task.
func (m *Manager) EndTask() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tracker.EndTask()
	m.emitEvent(Event{
		Type:      EventTaskEnd,
		Timestamp: time.Now(),
		State:     m.tracker.State(),
		SessionID: m.sessionID,
		Message:   fmt.Sprintf("Task %d ended", m.taskCount),
	})
}

// Record prices e, counts it against the provider's quota and adds it to
// the tracker. An unknown model is an error and the entry is not recorded.
func (m *Manager) Record(ctx context.Context, e CostEntry) (CostEntry, error) {
	model, err := m.catalog.FindModel(e.Model)
	if err != nil {
		return e, fmt.Errorf("record usage: %w", err)
	}
	if e.Provider == "" {
		e.Provider = model.Provider
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Cost == nil && m.quota.Consume(e.Provider, e.InputTokens+e.OutputTokens) {
		e.IsFreeTier = true
	}
	cost, err := CalculateCost(&e, m.catalog)
	if err != nil {
		return e, err
	}

	m.mu.Lock()
	recordErr := m.tracker.Record(e)
	state := m.tracker.State()
	m.emitEvent(Event{
		Type:      EventUsageRecorded,
		Timestamp: e.Timestamp,
		State:     state,
		Entry:     &e,
		SessionID: m.sessionID,
		Message:   fmt.Sprintf("%s: %d in, %d out, $%.6f", e.Model, e.InputTokens, e.OutputTokens, cost),
	})
	m.mu.Unlock()

	msg := observability.NewMessage(observability.TypeCostUpdate,
		fmt.Sprintf("%s cost $%.6f (session $%.4f)", e.Model, cost, state.TotalCost),
		map[string]any{
			"model":         e.Model,
			"provider":      e.Provider,
			"input_tokens":  e.InputTokens,
			"output_tokens": e.OutputTokens,
			"cached_tokens": e.CachedTokens,
			"cost":          cost,
			"total_cost":    state.TotalCost,
			"free_tier":     e.IsFreeTier,
		})
	msg.Agent = e.Agent
	observability.Emit(ctx, m.config.Sink, m.logger, msg)

	if recordErr != nil && m.config.Enforcement.OnBlock == ActionBlock {
		return e, fmt.Errorf("%w: %w", ErrBudgetExceeded, recordErr)
	}
	return e, nil
}

// RecordUsage records one round of pipeline usage.
func (m *Manager) RecordUsage(ctx context.Context, agentID string, usage stream.Usage) error {
	if usage.Model == "" {
		return errors.New("record usage: usage has no model")
	}
	_, err := m.Record(ctx, CostEntry{
		Model:        usage.Model,
		Agent:        agentID,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CachedTokens: usage.CachedTokens,
		ImageCount:   int64(usage.ImageCount),
	})
	return err
}

// Acquire blocks until the model's provider admits a request and fails
// once the budget is exhausted.
func (m *Manager) Acquire(ctx context.Context, model string) error {
	if err := m.Exhausted(); err != nil {
		return err
	}
	entry, err := m.catalog.FindModel(model)
	if err != nil {
		// Unpriced models are still allowed through; pricing fails later.
		return nil
	}
	return m.quota.Wait(ctx, entry.Provider)
}

// Exhausted returns an error wrapping ErrBudgetExceeded when a hard limit
// has been reached and enforcement blocks.
func (m *Manager) Exhausted() error {
	if m.config.Enforcement.OnBlock != ActionBlock {
		return nil
	}
	for _, v := range m.tracker.CheckLimits() {
		if v.Hard {
			return fmt.Errorf("%w: %s", ErrBudgetExceeded, v.Message)
		}
	}
	return nil
}

// CheckBudget checks if a request of the estimated size can proceed.
func (m *Manager) CheckBudget(model string, estimatedInputTokens, estimatedOutputTokens int64) (*BudgetCheck, error) {
	entry := CostEntry{Model: model, InputTokens: estimatedInputTokens, OutputTokens: estimatedOutputTokens}
	estimatedCost, err := CalculateCost(&entry, m.catalog)
	if err != nil {
		return nil, err
	}

	state := m.tracker.State()
	limits := m.tracker.Limits()
	projectedCost := state.TotalCost + estimatedCost

	check := &BudgetCheck{
		CanProceed:    true,
		EstimatedCost: estimatedCost,
		ProjectedCost: projectedCost,
	}
	if limits.MaxTotalCost > 0 {
		check.RemainingCost = limits.MaxTotalCost - state.TotalCost
		check.CostPercent = projectedCost / limits.MaxTotalCost * 100
		switch {
		case projectedCost >= limits.MaxTotalCost:
			check.CanProceed = false
			check.BlockReason = "cost limit would be exceeded"
		case limits.CostWarningThreshold > 0 && projectedCost >= limits.MaxTotalCost*limits.CostWarningThreshold:
			check.Warning = "approaching cost limit"
		}
	}
	if limits.MaxInputTokens > 0 && state.InputTokens+estimatedInputTokens >= limits.MaxInputTokens {
		check.CanProceed = false
		check.BlockReason = "input token limit would be exceeded"
	}
	if limits.MaxOutputTokens > 0 && state.OutputTokens+estimatedOutputTokens >= limits.MaxOutputTokens {
		check.CanProceed = false
		check.BlockReason = "output token limit would be exceeded"
	}
	if limits.MaxRequests > 0 && state.Requests+1 > limits.MaxRequests {
		check.CanProceed = false
		check.BlockReason = "request limit would be exceeded"
	}
	return check, nil
}

// BudgetCheck contains the result of a pre-flight budget check.
type BudgetCheck struct {
	CanProceed    bool    `json:"can_proceed"`
	BlockReason   string  `json:"block_reason,omitempty"`
	Warning       string  `json:"warning,omitempty"`
	EstimatedCost float64 `json:"estimated_cost"`
	ProjectedCost float64 `json:"projected_cost"`
	RemainingCost float64 `json:"remaining_cost"`
	CostPercent   float64 `json:"cost_percent"`
}

// handleViolation processes a limit violation.
// Note: This is called from within the tracker's locked context, so we must not
// call back into tracker methods that acquire locks (State(), Limits()).
func (m *Manager) handleViolation(v Violation) {
	m.violations = append(m.violations, v)

	eventType := EventWarningThreshold
	if v.Hard {
		eventType = EventLimitExceeded
	}
	m.emitEvent(Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Violation: &v,
		SessionID: m.sessionID,
		Message:   v.Message,
	})

	action := m.config.Enforcement.OnWarning
	if v.Hard {
		action = m.config.Enforcement.OnBlock
	}
	if action == ActionNotify || action == ActionBlock {
		msg := observability.NewMessage(observability.TypeSystem, v.Message, map[string]any{
			"metric":  v.Metric,
			"current": v.Current,
			"limit":   v.Limit,
			"hard":    v.Hard,
		})
		observability.Emit(context.Background(), m.config.Sink, m.logger, msg)
	}

	if v.Hard {
		m.logger.Error("budget limit exceeded",
			"metric", v.Metric,
			"current", v.Current,
			"limit", v.Limit)
	} else if v.Warning {
		m.logger.Warn("budget warning",
			"metric", v.Metric,
			"current", v.Current,
			"limit", v.Limit,
			"percent", v.Percent)
	}
}

// emitEvent sends an event to the callback if registered.
func (m *Manager) emitEvent(e Event) {
	if m.onEvent != nil {
		m.onEvent(e)
	}
}

// SetEventCallback sets the callback for budget events.
func (m *Manager) SetEventCallback(cb func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = cb
}

// Violations returns the violations seen this session.
func (m *Manager) Violations() []Violation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Violation(nil), m.violations...)
}

// State returns the current budget state.
func (m *Manager) State() State { return m.tracker.State() }

// Limits returns the current limits.
func (m *Manager) Limits() Limits { return m.tracker.Limits() }

// UpdateLimits updates the current limits.
func (m *Manager) UpdateLimits(limits Limits) { m.tracker.UpdateLimits(limits) }

// Usage returns current usage percentages.
func (m *Manager) Usage() Usage { return m.tracker.Usage() }

// Report generates a budget report.
func (m *Manager) Report() Report { return NewReport(m.tracker) }

// SessionID returns the current session ID.
func (m *Manager) SessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionID
}

// Catalog returns the pricing catalog.
func (m *Manager) Catalog() *Catalog { return m.catalog }

// Quota returns the provider quota tracker.
func (m *Manager) Quota() *Quota { return m.quota }

// Tracker returns the underlying tracker for direct access.
func (m *Manager) Tracker() *Tracker { return m.tracker }
