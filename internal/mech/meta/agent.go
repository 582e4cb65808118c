// Package meta implements the meta-cognition agent: a short review run
// that inspects recent MECH activity and tunes rotation and pacing through
// tool calls.
package meta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/charmbracelet/x/ansi"

	"github.com/rand/mech/internal/conversation"
	"github.com/rand/mech/internal/mech"
	"github.com/rand/mech/internal/observability"
	"github.com/rand/mech/internal/pipeline"
	"github.com/rand/mech/internal/provider"
	"github.com/rand/mech/internal/tools"
)

const (
	// AgentID tags meta-cognition requests and messages.
	AgentID = "meta"

	DefaultMaxToolRounds = 3

	entryPreview = 400
)

// Config configures the meta-cognition agent.
type Config struct {
	Requester mech.Requester
	State     *mech.State
	Rotator   *mech.Rotator

	// Models the review may run on. Empty means the rotation models.
	Models []string

	Settings      provider.ModelSettings
	MaxToolRounds int

	// SystemPrompt overrides the default system prompt.
	SystemPrompt string

	Sink   observability.Sink
	Logger *slog.Logger
}

// Agent runs meta-cognition reviews.
type Agent struct {
	cfg    Config
	tools  *tools.Registry
	logger *slog.Logger
}

var _ mech.MetaRunner = (*Agent)(nil)

// New creates a meta-cognition agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Requester == nil || cfg.State == nil || cfg.Rotator == nil {
		return nil, errors.New("meta: requester, state and rotator are required")
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("agent", AgentID)
	return &Agent{
		cfg:    cfg,
		tools:  tools.NewRegistry(Tools(cfg.State)...).WithLogger(logger),
		logger: logger,
	}, nil
}

// RunMeta runs one review to completion. Its model is chosen without
// touching the request counter, so reviews never trigger reviews.
func (a *Agent) RunMeta(ctx context.Context, in mech.MetaInput) error {
	var (
		model string
		err   error
	)
	if len(a.cfg.Models) > 0 {
		model, err = a.cfg.Rotator.ChooseFrom(a.cfg.Models)
	} else {
		model, err = a.cfg.Rotator.Choose()
	}
	if err != nil {
		return fmt.Errorf("choose meta model: %w", err)
	}

	conv := conversation.New(
		conversation.System(a.cfg.SystemPrompt),
		conversation.User(BuildPrompt(in)),
	)
	res := a.cfg.Requester.Request(ctx, model, conv, pipeline.Params{
		Tools:         a.tools,
		Settings:      a.cfg.Settings,
		AgentID:       AgentID,
		MaxToolRounds: a.cfg.MaxToolRounds,
	})

	var changes []string
	for _, r := range res.ToolResults {
		changes = append(changes, fmt.Sprintf("%s: %s", r.Name, r.Status()))
	}
	a.logger.Info("meta-cognition finished",
		"model", model,
		"status", res.Status,
		"tool_calls", len(res.ToolResults),
		"elapsed", res.Elapsed,
	)
	msg := observability.NewMessage(observability.TypeMetaCognition, summarize(res.Response, changes), map[string]any{
		"model":   model,
		"status":  string(res.Status),
		"changes": changes,
	})
	msg.Agent = AgentID
	observability.Emit(context.WithoutCancel(ctx), a.cfg.Sink, a.logger, msg)

	return res.Err
}

func summarize(response string, changes []string) string {
	var sb strings.Builder
	sb.WriteString("meta-cognition complete")
	if len(changes) > 0 {
		sb.WriteString(" (" + strings.Join(changes, ", ") + ")")
	}
	if r := strings.TrimSpace(response); r != "" {
		sb.WriteString(": ")
		sb.WriteString(ansi.Truncate(r, entryPreview, "…"))
	}
	return sb.String()
}

// BuildPrompt renders the review input.
func BuildPrompt(in mech.MetaInput) string {
	var sb strings.Builder
	s := in.State

	sb.WriteString("Current state:\n")
	fmt.Fprintf(&sb, "- Running time: %s\n", s.RunningTime.Round(time.Second))
	fmt.Fprintf(&sb, "- Model requests so far: %d\n", s.Requests)
	fmt.Fprintf(&sb, "- Meta-cognition frequency: every %d requests\n", s.MetaFrequency)
	fmt.Fprintf(&sb, "- Thought delay: %s\n", s.ThoughtDelay)
	if s.LastModel != "" {
		fmt.Fprintf(&sb, "- Last model used: %s\n", s.LastModel)
	}

	sb.WriteString("\nModels:\n")
	for _, m := range s.Models {
		status := "enabled"
		if slices.Contains(s.Disabled, m) {
			status = "disabled"
		}
		fmt.Fprintf(&sb, "- %s: score %d, %s\n", m, s.Scores[m], status)
	}

	sb.WriteString("\nRunning tools:\n")
	if len(in.RunningTools) == 0 {
		sb.WriteString("- none\n")
	}
	for _, rt := range in.RunningTools {
		fmt.Fprintf(&sb, "- %s (%s) running for %s\n", rt.Name, rt.ID, rt.Duration().Round(time.Second))
	}

	if len(in.Projects) > 0 {
		sb.WriteString("\nActive projects:\n")
		for _, p := range in.Projects {
			fmt.Fprintf(&sb, "- %s\n", p)
		}
	}

	sb.WriteString("\nRecent history:\n")
	if len(in.History) == 0 {
		sb.WriteString("(empty)\n")
	}
	for _, e := range in.History {
		if line := renderEntry(e); line != "" {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func renderEntry(e conversation.Entry) string {
	switch x := e.(type) {
	case conversation.Message:
		return fmt.Sprintf("[%s] %s", x.Role, preview(x.Content))
	case conversation.FunctionCall:
		return fmt.Sprintf("[call] %s(%s)", x.Name, preview(x.Arguments))
	case conversation.FunctionCallOutput:
		return fmt.Sprintf("[result] %s: %s", x.Name, preview(x.Output))
	case conversation.Thinking:
		return fmt.Sprintf("[thinking] %s", preview(x.Content))
	}
	return ""
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return ansi.Truncate(s, entryPreview, "…")
}

var defaultSystemPrompt = heredoc.Doc(`
	You are the meta-cognition supervisor of an autonomous agent that rotates
	between several language models. You do not work on the task yourself.
	Review the recent history and decide whether the way the work is being
	done should change.

	You can:
	- raise or lower model scores to favour models that make progress
	- disable models that fail or misbehave and enable them again later
	- change the thought delay between rounds
	- change how often these reviews happen
	- inject a short thought to steer the working agent

	Only act when the history gives a reason to. If things are going well,
	make no changes and reply with a one-sentence assessment.
`)
