package budget

import (
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Report generates a human-readable report of current budget state.
type Report struct {
	State  State          `json:"state"`
	Limits Limits         `json:"limits"`
	Usage  Usage          `json:"usage"`
	Models []ModelSummary `json:"models,omitempty"`
}

// NewReport creates a report from a tracker.
func NewReport(t *Tracker) Report {
	return Report{
		State:  t.State(),
		Limits: t.Limits(),
		Usage:  t.Usage(),
		Models: t.Models(),
	}
}

// Summary returns a brief one-line summary.
func (r Report) Summary() string {
	return printer.Sprintf("Requests: %d | Tokens: %d in / %d out | Cost: $%.4f/$%.2f",
		r.State.Requests,
		r.State.InputTokens, r.State.OutputTokens,
		r.State.TotalCost, r.Limits.MaxTotalCost,
	)
}

// StatusBar returns a compact status line.
func (r Report) StatusBar() string {
	var parts []string

	parts = append(parts, printer.Sprintf("[Tokens: %.1fk/%dk %s]",
		float64(r.State.InputTokens)/1000,
		r.Limits.MaxInputTokens/1000,
		progressBar(r.Usage.InputTokensPercent, 10)))

	parts = append(parts, printer.Sprintf("[Cost: $%.2f/$%.2f %s]",
		r.State.TotalCost,
		r.Limits.MaxTotalCost,
		progressBar(r.Usage.CostPercent, 10)))

	if r.Limits.MaxRequests > 0 {
		parts = append(parts, printer.Sprintf("[Requests: %d/%d]", r.State.Requests, r.Limits.MaxRequests))
	}

	sessionDur := r.State.SessionDuration().Round(time.Minute)
	parts = append(parts, "[⏱ "+formatDuration(sessionDur)+"]")

	return strings.Join(parts, " ")
}

// Detailed returns a multi-line detailed report.
func (r Report) Detailed() string {
	var sb strings.Builder

	sb.WriteString("=== Budget Report ===\n\n")

	sb.WriteString("Token Usage:\n")
	sb.WriteString(printer.Sprintf("  Input:  %d / %d (%.1f%%)\n",
		r.State.InputTokens, r.Limits.MaxInputTokens, r.Usage.InputTokensPercent))
	sb.WriteString(printer.Sprintf("  Output: %d / %d (%.1f%%)\n",
		r.State.OutputTokens, r.Limits.MaxOutputTokens, r.Usage.OutputTokensPercent))
	sb.WriteString(printer.Sprintf("  Cached: %d\n", r.State.CachedTokens))
	sb.WriteString("\n")

	sb.WriteString("Cost:\n")
	sb.WriteString(printer.Sprintf("  Total: $%.4f / $%.2f (%.1f%%)\n",
		r.State.TotalCost, r.Limits.MaxTotalCost, r.Usage.CostPercent))
	sb.WriteString(printer.Sprintf("  Requests: %d\n", r.State.Requests))
	sb.WriteString("\n")

	if len(r.Models) > 0 {
		sb.WriteString("By Model:\n")
		for _, m := range r.Models {
			sb.WriteString(printer.Sprintf("  %s: %d requests, %d in / %d out, $%.4f",
				m.Model, m.Requests, m.InputTokens, m.OutputTokens, m.Cost))
			if m.FreeTier > 0 {
				sb.WriteString(printer.Sprintf(" (%d free tier)", m.FreeTier))
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Time:\n")
	sb.WriteString(printer.Sprintf("  Session Duration: %s / %s (%.1f%%)\n",
		formatDuration(r.State.SessionDuration()),
		formatDuration(r.Limits.MaxSessionTime),
		r.Usage.SessionTimePercent))
	if !r.State.TaskStart.IsZero() {
		sb.WriteString("  Task Duration: " + formatDuration(r.State.TaskDuration()) + "\n")
	}

	return sb.String()
}

// progressBar creates a simple ASCII progress bar.
func progressBar(percent float64, width int) string {
	percent = min(max(percent, 0), 100)
	filled := int(percent / 100 * float64(width))
	return strings.Repeat("▓", filled) + strings.Repeat("░", width-filled)
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return printer.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return printer.Sprintf("%dm", int(d.Minutes()))
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	if minutes == 0 {
		return printer.Sprintf("%dh", hours)
	}
	return printer.Sprintf("%dh%dm", hours, minutes)
}
