package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReportSummary(t *testing.T) {
	report := Report{
		State: State{
			InputTokens:  1250000,
			OutputTokens: 40000,
			TotalCost:    2.5,
			Requests:     12,
		},
		Limits: Limits{MaxTotalCost: 5.0},
	}

	summary := report.Summary()

	assert.Contains(t, summary, "Requests: 12")
	assert.Contains(t, summary, "1,250,000 in / 40,000 out")
	assert.Contains(t, summary, "$2.5000/$5.00")
}

func TestReportStatusBar(t *testing.T) {
	report := Report{
		State: State{
			InputTokens:  50000,
			TotalCost:    2.5,
			Requests:     3,
			SessionStart: time.Now().Add(-30 * time.Minute),
		},
		Limits: Limits{
			MaxInputTokens: 100000,
			MaxTotalCost:   5.0,
			MaxRequests:    10,
		},
		Usage: Usage{
			InputTokensPercent: 50.0,
			CostPercent:        50.0,
		},
	}

	statusBar := report.StatusBar()

	assert.Contains(t, statusBar, "Tokens:")
	assert.Contains(t, statusBar, "Cost:")
	assert.Contains(t, statusBar, "[Requests: 3/10]")
	assert.Contains(t, statusBar, "▓") // Progress bar filled
	assert.Contains(t, statusBar, "░") // Progress bar empty
}

func TestReportDetailed(t *testing.T) {
	report := Report{
		State: State{
			InputTokens:  50000,
			OutputTokens: 25000,
			CachedTokens: 10000,
			TotalCost:    2.5,
			Requests:     4,
			SessionStart: time.Now().Add(-1 * time.Hour),
		},
		Limits: Limits{
			MaxInputTokens:  100000,
			MaxOutputTokens: 50000,
			MaxTotalCost:    5.0,
			MaxSessionTime:  8 * time.Hour,
		},
		Usage: Usage{
			InputTokensPercent:  50.0,
			OutputTokensPercent: 50.0,
			CostPercent:         50.0,
		},
		Models: []ModelSummary{
			{Model: "claude-sonnet-4", Requests: 3, InputTokens: 40000, OutputTokens: 20000, Cost: 2.4},
			{Model: "gemini-flash", Requests: 1, InputTokens: 10000, OutputTokens: 5000, FreeTier: 1},
		},
	}

	detailed := report.Detailed()

	assert.Contains(t, detailed, "Budget Report")
	assert.Contains(t, detailed, "Input:  50,000 / 100,000")
	assert.Contains(t, detailed, "Output:")
	assert.Contains(t, detailed, "Cached: 10,000")
	assert.Contains(t, detailed, "Requests: 4")
	assert.Contains(t, detailed, "By Model:")
	assert.Contains(t, detailed, "claude-sonnet-4: 3 requests, 40,000 in / 20,000 out, $2.4000")
	assert.Contains(t, detailed, "(1 free tier)")
	assert.Contains(t, detailed, "Session Duration:")
}

func TestProgressBar(t *testing.T) {
	tests := []struct {
		percent  float64
		width    int
		expected string
	}{
		{0, 10, "░░░░░░░░░░"},
		{50, 10, "▓▓▓▓▓░░░░░"},
		{100, 10, "▓▓▓▓▓▓▓▓▓▓"},
		{150, 10, "▓▓▓▓▓▓▓▓▓▓"}, // Capped at 100%
		{-10, 10, "░░░░░░░░░░"}, // Capped at 0%
		{25, 8, "▓▓░░░░░░"},
	}

	for _, tt := range tests {
		t.Run("", func(t *testing.T) {
			result := progressBar(tt.percent, tt.width)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{30 * time.Second, "30s"},
		{90 * time.Second, "1m"},
		{45 * time.Minute, "45m"},
		{1 * time.Hour, "1h"},
		{90 * time.Minute, "1h30m"},
		{2*time.Hour + 15*time.Minute, "2h15m"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := formatDuration(tt.duration)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestNewReport(t *testing.T) {
	limits := DefaultLimits()
	tracker := NewTracker(limits)

	_ = tracker.Record(priced("claude-sonnet-4", 1000, 500, 0.01))

	report := NewReport(tracker)

	assert.Equal(t, int64(1000), report.State.InputTokens)
	assert.Equal(t, int64(500), report.State.OutputTokens)
	assert.Equal(t, limits.MaxInputTokens, report.Limits.MaxInputTokens)
	assert.Greater(t, report.Usage.InputTokensPercent, float64(0))
	assert.Len(t, report.Models, 1)
}
