package budget

import (
	"fmt"
	"time"
)

// Limits defines budget constraints. Zero disables a limit.
type Limits struct {
	MaxInputTokens  int64 `json:"max_input_tokens" yaml:"max_input_tokens"`
	MaxOutputTokens int64 `json:"max_output_tokens" yaml:"max_output_tokens"`

	// USD per session.
	MaxTotalCost float64 `json:"max_total_cost" yaml:"max_total_cost"`

	MaxRequests int64 `json:"max_requests" yaml:"max_requests"`

	MaxSessionTime time.Duration `json:"max_session_time" yaml:"max_session_time"`

	// Warning thresholds (0-1)
	CostWarningThreshold  float64 `json:"cost_warning_threshold" yaml:"cost_warning_threshold"`
	TokenWarningThreshold float64 `json:"token_warning_threshold" yaml:"token_warning_threshold"`
}

// DefaultLimits returns sensible default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxInputTokens:        5_000_000,
		MaxOutputTokens:       1_000_000,
		MaxTotalCost:          10.00,
		MaxRequests:           1000,
		MaxSessionTime:        8 * time.Hour,
		CostWarningThreshold:  0.80,
		TokenWarningThreshold: 0.75,
	}
}

// Violation represents a limit that has been exceeded or is near being exceeded.
type Violation struct {
	Metric  string  `json:"metric"`
	Current float64 `json:"current"`
	Limit   float64 `json:"limit"`
	Percent float64 `json:"percent"`
	Hard    bool    `json:"hard"`
	Warning bool    `json:"warning"`
	Message string  `json:"message"`
}

func (v Violation) Error() string {
	return v.Message
}

// Check evaluates the current state against limits and returns any violations.
func (l Limits) Check(state State) []Violation {
	var violations []Violation
	add := func(v *Violation) {
		if v != nil {
			violations = append(violations, *v)
		}
	}

	if l.MaxInputTokens > 0 {
		add(checkMetric("input_tokens", float64(state.InputTokens), float64(l.MaxInputTokens), l.TokenWarningThreshold,
			fmt.Sprintf("Input token limit exceeded: %d/%d", state.InputTokens, l.MaxInputTokens)))
	}
	if l.MaxOutputTokens > 0 {
		add(checkMetric("output_tokens", float64(state.OutputTokens), float64(l.MaxOutputTokens), l.TokenWarningThreshold,
			fmt.Sprintf("Output token limit exceeded: %d/%d", state.OutputTokens, l.MaxOutputTokens)))
	}
	if l.MaxTotalCost > 0 {
		add(checkMetric("total_cost", state.TotalCost, l.MaxTotalCost, l.CostWarningThreshold,
			fmt.Sprintf("Cost limit exceeded: $%.4f/$%.2f", state.TotalCost, l.MaxTotalCost)))
	}
	if l.MaxRequests > 0 {
		add(checkMetric("requests", float64(state.Requests), float64(l.MaxRequests), 0,
			fmt.Sprintf("Request limit reached: %d/%d", state.Requests, l.MaxRequests)))
	}
	if l.MaxSessionTime > 0 {
		d := state.SessionDuration()
		add(checkMetric("session_time", float64(d), float64(l.MaxSessionTime), 0,
			fmt.Sprintf("Session time limit exceeded: %v/%v", d.Round(time.Minute), l.MaxSessionTime)))
	}
	return violations
}

// checkMetric returns a hard violation at or above limit, a warning at or
// above warnAt of limit, and nil otherwise.
func checkMetric(metric string, current, limit, warnAt float64, hardMsg string) *Violation {
	ratio := current / limit
	v := &Violation{Metric: metric, Current: current, Limit: limit, Percent: ratio * 100}
	switch {
	case ratio >= 1:
		v.Hard = true
		v.Message = hardMsg
	case warnAt > 0 && ratio >= warnAt:
		v.Warning = true
		v.Message = fmt.Sprintf("%s at %.0f%% of limit", metric, ratio*100)
	default:
		return nil
	}
	return v
}

// HasHardViolation returns true if any violations are hard limits.
func HasHardViolation(violations []Violation) bool {
	for _, v := range violations {
		if v.Hard {
			return true
		}
	}
	return false
}

// HasWarning returns true if any violations are warnings.
func HasWarning(violations []Violation) bool {
	for _, v := range violations {
		if v.Warning {
			return true
		}
	}
	return false
}
