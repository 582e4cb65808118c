package mech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/rand/mech/internal/conversation"
	"github.com/rand/mech/internal/observability"
	"github.com/rand/mech/internal/pipeline"
	"github.com/rand/mech/internal/provider"
	"github.com/rand/mech/internal/resilience"
	"github.com/rand/mech/internal/running"
	"github.com/rand/mech/internal/tools"
)

// Outcome is how a loop run ended.
type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	OutcomeFatal    Outcome = "fatal_error"
)

const (
	DefaultAgentID                = "mech"
	DefaultMaxConsecutiveFailures = 5
	DefaultHistoryWindow          = 20
)

const continuePrompt = "Continue working on the task. Call task_complete when it is done or fatal_error if it cannot be done."

// MetaInput is what a meta-cognition run sees.
type MetaInput struct {
	State        Snapshot
	RunningTools []running.Info
	Projects     []string
	History      []conversation.Entry
}

// MetaRunner runs one meta-cognition pass to completion.
type MetaRunner interface {
	RunMeta(ctx context.Context, in MetaInput) error
}

// Budget stops the loop once spending limits are reached.
type Budget interface {
	Exhausted() error
}

// Config wires a Loop. Agent, Host, Requester and State are required.
type Config struct {
	Agent     Agent
	Host      Host
	Requester Requester
	State     *State

	// Rotator defaults to one over State using Breakers.
	Rotator *Rotator

	// Delayer defaults to one over State.
	Delayer *Delayer

	Tracker  *running.Tracker
	Meta     MetaRunner
	Breakers *resilience.Set
	Budget   Budget

	// MaxRounds ends the run with OutcomeComplete after this many rounds.
	// Zero means no limit.
	MaxRounds int

	// MaxConsecutiveFailures ends the run with OutcomeFatal after this
	// many failed rounds in a row.
	MaxConsecutiveFailures int

	// HistoryWindow is how many recent entries meta-cognition sees.
	HistoryWindow int

	Wait    running.WaitOptions
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Result summarizes a run.
type Result struct {
	Outcome  Outcome
	Summary  string
	Rounds   int
	Requests int64
	MetaRuns int
	Elapsed  time.Duration
	Err      error
}

// Loop drives an agent round after round until it signals completion or
// failure.
type Loop struct {
	cfg    Config
	logger *slog.Logger
}

// New validates cfg and creates a Loop.
func New(cfg Config) (*Loop, error) {
	switch {
	case cfg.Host == nil:
		return nil, errors.New("mech: host is required")
	case cfg.Requester == nil:
		return nil, errors.New("mech: requester is required")
	case cfg.State == nil:
		return nil, errors.New("mech: state is required")
	}
	if cfg.Rotator == nil {
		cfg.Rotator = NewRotator(cfg.State, RotatorConfig{Breakers: cfg.Breakers, Metrics: cfg.Metrics})
	}
	if cfg.Delayer == nil {
		cfg.Delayer = NewDelayer(cfg.State)
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.Agent.ID == "" {
		cfg.Agent.ID = DefaultAgentID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{cfg: cfg, logger: logger.With("agent", cfg.Agent.ID)}, nil
}

// Delayer returns the loop's delayer so callers can interrupt a pause.
func (l *Loop) Delayer() *Delayer { return l.cfg.Delayer }

// Run starts with task appended to the host conversation and loops until
// the agent calls a control tool, the context ends, the budget runs out or
// the round limit is hit. A panic inside a round ends the run with
// OutcomeFatal.
func (l *Loop) Run(ctx context.Context, task string) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("mech loop panicked", "panic", r, "stack", string(debug.Stack()))
			res.Outcome = OutcomeFatal
			res.Err = fmt.Errorf("mech loop panic: %v", r)
			res.Summary = res.Err.Error()
		}
		res.Requests = l.cfg.State.Requests()
		res.Elapsed = time.Since(start)
		l.status(ctx, fmt.Sprintf("MECH finished: %s", res.Outcome), map[string]any{
			"outcome":  string(res.Outcome),
			"rounds":   res.Rounds,
			"requests": res.Requests,
			"summary":  res.Summary,
		})
	}()

	l.seed(task)
	ctl := &control{}
	registry := l.registry(ctl)
	failures := 0

	for {
		if l.stopped(ctx, &res) {
			return res
		}

		l.injectThoughts()

		model, before, after, err := l.cfg.Rotator.Pick()
		if err != nil {
			res.Outcome, res.Err, res.Summary = OutcomeFatal, err, err.Error()
			return res
		}
		res.Rounds++
		l.logger.Info("mech round", "round", res.Rounds, "model", model, "requests", after)

		hist := l.cfg.Host.History()
		out := l.cfg.Requester.Request(ctx, model, hist, pipeline.Params{
			Tools:    registry,
			Settings: l.cfg.Agent.Settings,
			AgentID:  l.cfg.Agent.ID,
			Exec:     l.cfg.Agent.Exec,
		})
		if out.Conversation != nil && out.Conversation.Len() > hist.Len() {
			l.cfg.Host.Append(out.Conversation.Entries()[hist.Len():]...)
		}
		// Tool rounds past the first are further model invocations.
		if out.Rounds > 1 {
			_, after = l.cfg.State.AddRequests(int64(out.Rounds - 1))
		}

		if out.Err != nil && !errors.Is(out.Err, context.Canceled) {
			l.cfg.Breakers.Record(model, out.Err)
		} else if out.Err == nil {
			l.cfg.Breakers.Record(model, nil)
		}

		l.status(ctx, fmt.Sprintf("round %d on %s: %s", res.Rounds, model, out.Status), map[string]any{
			"round":  res.Rounds,
			"model":  model,
			"status": string(out.Status),
		})

		if outcome, msg := ctl.get(); outcome != "" {
			res.Outcome, res.Summary = outcome, msg
			if outcome == OutcomeFatal {
				res.Err = fmt.Errorf("agent reported fatal error: %s", msg)
			}
			return res
		}

		if out.Err != nil {
			if errors.Is(out.Err, provider.ErrNoProvider) {
				res.Outcome, res.Err, res.Summary = OutcomeFatal, out.Err, out.Err.Error()
				return res
			}
			if ctx.Err() == nil {
				failures++
				l.logger.Warn("mech round failed", "model", model, "failures", failures, "error", out.Err)
				if failures >= l.cfg.MaxConsecutiveFailures {
					res.Outcome = OutcomeFatal
					res.Err = fmt.Errorf("%d consecutive failed rounds: %w", failures, out.Err)
					res.Summary = res.Err.Error()
					return res
				}
			}
		} else {
			failures = 0
			if len(out.ToolCalls) == 0 {
				l.cfg.Host.Append(conversation.User(continuePrompt))
			}
		}

		if l.cfg.State.MetaDue(before, after) {
			l.runMeta(ctx, &res)
		}

		if l.cfg.MaxRounds > 0 && res.Rounds >= l.cfg.MaxRounds {
			res.Outcome = OutcomeComplete
			res.Summary = fmt.Sprintf("round limit (%d) reached", l.cfg.MaxRounds)
			return res
		}

		l.cfg.Delayer.Wait(ctx, nil)
	}
}

// stopped checks the conditions evaluated before every round.
func (l *Loop) stopped(ctx context.Context, res *Result) bool {
	switch {
	case ctx.Err() != nil:
		res.Outcome, res.Summary = OutcomeComplete, "cancelled"
		return true
	case l.cfg.Host.IsClosed():
		res.Outcome, res.Summary = OutcomeComplete, "host closed"
		return true
	}
	if l.cfg.Budget != nil {
		if err := l.cfg.Budget.Exhausted(); err != nil {
			res.Outcome, res.Summary = OutcomeComplete, err.Error()
			return true
		}
	}
	return false
}

func (l *Loop) seed(task string) {
	hist := l.cfg.Host.History()
	var entries []conversation.Entry
	if hist.Len() == 0 && l.cfg.Agent.Instructions != "" {
		entries = append(entries, conversation.System(l.cfg.Agent.Instructions))
	}
	if task != "" {
		entries = append(entries, conversation.User(task))
	}
	l.cfg.Host.Append(entries...)
}

func (l *Loop) registry(ctl *control) *tools.Registry {
	reg := tools.NewRegistry(ctl.tools()...)
	if l.cfg.Tracker != nil {
		for _, t := range l.cfg.Tracker.Tools(l.cfg.Wait) {
			reg.Add(t)
		}
	}
	return tools.Merge(l.cfg.Agent.Tools, reg).WithLogger(l.logger)
}

func (l *Loop) injectThoughts() {
	for _, t := range l.cfg.State.DrainThoughts() {
		l.cfg.Host.Append(conversation.Developer("Injected thought: " + t))
	}
}

func (l *Loop) runMeta(ctx context.Context, res *Result) {
	if l.cfg.Meta == nil {
		return
	}
	l.cfg.Metrics.RecordMetaTrigger()
	in := MetaInput{
		State:   l.cfg.State.Snapshot(),
		History: l.cfg.Host.History().Recent(l.cfg.HistoryWindow).Entries(),
	}
	if l.cfg.Tracker != nil {
		in.RunningTools = l.cfg.Tracker.Running()
	}
	if pl, ok := l.cfg.Host.(ProjectLister); ok {
		in.Projects = pl.Projects()
	}

	l.emit(ctx, observability.TypeMetaCognition, "meta-cognition triggered", map[string]any{
		"requests": in.State.Requests,
	})
	res.MetaRuns++
	if err := l.cfg.Meta.RunMeta(ctx, in); err != nil {
		l.logger.Warn("meta-cognition failed", "error", err)
		l.emit(ctx, observability.TypeMetaCognition, "meta-cognition failed: "+err.Error(), nil)
	}
}

func (l *Loop) status(ctx context.Context, content string, fields map[string]any) {
	l.emit(ctx, observability.TypeMechStatus, content, fields)
}

func (l *Loop) emit(ctx context.Context, typ observability.MessageType, content string, fields map[string]any) {
	msg := observability.NewMessage(typ, content, fields)
	msg.Agent = l.cfg.Agent.ID
	observability.Emit(context.WithoutCancel(ctx), l.cfg.Host, l.logger, msg)
}
