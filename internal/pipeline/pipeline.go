// Package pipeline runs one model request: ask the provider, fold the
// stream, execute requested tools, and ask again until the model stops
// calling tools or the round budget runs out.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rand/mech/internal/conversation"
	"github.com/rand/mech/internal/observability"
	"github.com/rand/mech/internal/provider"
	"github.com/rand/mech/internal/stream"
	"github.com/rand/mech/internal/tools"
)

// DefaultMaxToolRounds is used when neither the call nor the model
// settings set a round budget.
const DefaultMaxToolRounds = 3

// Status is the terminal state of a request.
type Status string

const (
	StatusDone        Status = "done"
	StatusWithWarning Status = "done_with_warning"
	StatusWithError   Status = "done_with_error"
)

// Params configure one request.
type Params struct {
	// Tools executes requested calls. Nil means the model is offered no
	// tools and any call it makes ends the request with a warning.
	Tools *tools.Registry

	Settings provider.ModelSettings
	AgentID  string

	// MaxToolRounds overrides Settings.MaxToolRounds and the default.
	MaxToolRounds int

	Exec tools.Options
}

func (p Params) maxRounds() int {
	switch {
	case p.MaxToolRounds > 0:
		return p.MaxToolRounds
	case p.Settings.MaxToolRounds > 0:
		return p.Settings.MaxToolRounds
	default:
		return DefaultMaxToolRounds
	}
}

// Result is what a request produced. A Result is returned for every
// request; failures are reported through Status, Err and Errors.
type Result struct {
	Model string

	// Conversation is the caller's conversation plus every entry this
	// request appended. The caller's instance is never modified.
	Conversation *conversation.Conversation

	// Response is the assistant text of the last round.
	Response string
	Thinking string

	// ToolCalls are the calls requested in the last round.
	ToolCalls []conversation.ToolCall

	// ToolResults are the executed calls of every round.
	ToolResults []tools.Result

	Rounds  int
	Errors  []string
	Usage   stream.Usage
	Elapsed time.Duration
	Status  Status
	Err     error
}

// UsageRecorder receives the usage of every round.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, agentID string, usage stream.Usage) error
}

// Gate is consulted before every provider call. A non-nil error ends the
// request with StatusWithError.
type Gate interface {
	Acquire(ctx context.Context, model string) error
}

// Retry re-opens a failed stream on the same model. Attempt n waits
// Delay*n. Providers are never switched.
type Retry struct {
	Max   int           `yaml:"max" json:"max"`
	Delay time.Duration `yaml:"delay" json:"delay"`
}

// Pipeline issues requests against a provider registry.
type Pipeline struct {
	providers *provider.Registry
	executor  *tools.Executor
	logger    *slog.Logger
	sink      observability.Sink
	usage     UsageRecorder
	gate      Gate
	metrics   *observability.Metrics
	retry     Retry
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithSink forwards stream events and tool statuses to s.
func WithSink(s observability.Sink) Option {
	return func(p *Pipeline) { p.sink = s }
}

// WithUsageRecorder sets the usage recorder.
func WithUsageRecorder(r UsageRecorder) Option {
	return func(p *Pipeline) { p.usage = r }
}

// WithGate sets the request gate.
func WithGate(g Gate) Option {
	return func(p *Pipeline) { p.gate = g }
}

// WithMetrics records request metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithRetry enables same-model retries of failed streams.
func WithRetry(r Retry) Option {
	return func(p *Pipeline) { p.retry = r }
}

// WithExecutor replaces the tool executor.
func WithExecutor(e *tools.Executor) Option {
	return func(p *Pipeline) { p.executor = e }
}

// New creates a pipeline.
func New(providers *provider.Registry, opts ...Option) *Pipeline {
	p := &Pipeline{providers: providers}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.executor == nil {
		p.executor = tools.NewExecutor(tools.ExecutorConfig{Logger: p.logger})
	}
	return p
}

// SimpleRequest is a single round with no tools.
func (p *Pipeline) SimpleRequest(ctx context.Context, model string, conv *conversation.Conversation, settings provider.ModelSettings) *Result {
	return p.Request(ctx, model, conv, Params{Settings: settings, MaxToolRounds: 1})
}

// Request runs the ask / decide / execute cycle for model.
func (p *Pipeline) Request(ctx context.Context, model string, conv *conversation.Conversation, params Params) *Result {
	start := time.Now()
	if conv == nil {
		conv = conversation.New()
	}
	res := &Result{Model: model, Conversation: conv.Clone(), Status: StatusDone}
	defer func() {
		res.Elapsed = time.Since(start)
		p.metrics.RecordRequest(model, string(res.Status), res.Rounds, res.Elapsed)
		p.logger.Debug("request finished",
			"model", model,
			"status", res.Status,
			"rounds", res.Rounds,
			"elapsed", res.Elapsed)
	}()

	prov, err := p.providers.Resolve(model)
	if err != nil {
		res.fail(err)
		return res
	}

	maxRounds := params.maxRounds()
	providerParams := provider.Params{
		Tools:    params.Tools.Definitions(),
		Settings: params.Settings,
		AgentID:  params.AgentID,
	}

	current := res.Conversation
	for round := 1; ; round++ {
		res.Rounds = round

		acc, err := p.ask(ctx, prov, model, current, providerParams)
		if err != nil {
			res.Conversation = current
			res.fail(err)
			return res
		}

		current = acc.Conversation
		res.Conversation = current
		res.Errors = append(res.Errors, acc.Errors...)
		res.Response = acc.Text()
		res.Thinking = acc.Thinking
		res.ToolCalls = acc.ToolCalls
		p.recordUsage(ctx, params.AgentID, acc.Usage, res)

		if len(acc.ToolCalls) == 0 {
			return res
		}

		if params.Tools == nil {
			res.warn(fmt.Sprintf("model requested %d tool call(s) but no tool registry was supplied", len(acc.ToolCalls)))
			p.logger.Warn("tool calls without registry", "model", model, "calls", len(acc.ToolCalls))
			return res
		}

		results := p.executor.Execute(ctx, acc.ToolCalls, params.Tools, params.Exec)
		for _, r := range results {
			current.Push(r.Entry)
			p.metrics.RecordToolCall(r.Name, r.Status(), r.Elapsed)
			observability.Emit(ctx, p.sink, p.logger, observability.Message{
				Type:    observability.TypeToolStatus,
				Agent:   params.AgentID,
				Content: fmt.Sprintf("%s %s", r.Name, r.Status()),
				Fields: map[string]any{
					"call_id":    r.CallID,
					"tool":       r.Name,
					"status":     r.Status(),
					"elapsed_ms": r.Elapsed.Milliseconds(),
				},
			})
		}
		res.ToolResults = append(res.ToolResults, results...)

		if round >= maxRounds {
			res.warn(fmt.Sprintf("max tool rounds (%d) reached with tool results not yet seen by the model", maxRounds))
			p.logger.Warn("max tool rounds reached", "model", model, "rounds", maxRounds)
			return res
		}
	}
}

// ask runs one provider round, retrying transport failures on the same
// model when configured. On failure the conversation is left untouched.
func (p *Pipeline) ask(ctx context.Context, prov provider.Provider, model string, conv *conversation.Conversation, params provider.Params) (*stream.Result, error) {
	var lastErr error
	for attempt := 0; attempt <= p.retry.Max; attempt++ {
		if attempt > 0 {
			p.logger.Warn("retrying stream", "model", model, "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retry.Delay * time.Duration(attempt)):
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.gate != nil {
			if err := p.gate.Acquire(ctx, model); err != nil {
				return nil, err
			}
		}

		s, err := prov.Stream(ctx, model, conv.Entries(), params)
		if err != nil {
			lastErr = fmt.Errorf("open stream: %w", err)
			continue
		}
		acc, err := stream.Accumulate(ctx, s, conv,
			stream.WithModel(model),
			stream.WithObserver(p.observe(ctx, params.AgentID)))
		if err != nil {
			lastErr = err
			continue
		}
		return acc, nil
	}
	return nil, lastErr
}

func (p *Pipeline) observe(ctx context.Context, agentID string) func(stream.Event) {
	if p.sink == nil {
		return nil
	}
	return func(ev stream.Event) {
		msg := observability.Message{
			Type:      observability.TypeStreamEvent,
			Agent:     agentID,
			Timestamp: ev.Time(),
			Fields:    map[string]any{"kind": string(ev.Kind())},
		}
		switch e := ev.(type) {
		case stream.MessageDelta:
			msg.Content = e.Delta
		case stream.ToolDone:
			msg.Fields["tool"] = e.Name
			msg.Fields["call_id"] = e.CallID
		case stream.Error:
			msg.Content = e.Message
		}
		observability.Emit(ctx, p.sink, p.logger, msg)
	}
}

func (p *Pipeline) recordUsage(ctx context.Context, agentID string, usage stream.Usage, res *Result) {
	if usage.IsZero() {
		return
	}
	res.Usage = res.Usage.Add(usage)
	p.metrics.RecordTokens(usage.InputTokens, usage.OutputTokens)
	if p.usage == nil {
		return
	}
	if err := p.usage.RecordUsage(ctx, agentID, usage); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("usage not recorded: %v", err))
	}
}

func (r *Result) fail(err error) {
	r.Status = StatusWithError
	r.Err = err
	r.Errors = append(r.Errors, err.Error())
}

func (r *Result) warn(msg string) {
	r.Status = StatusWithWarning
	r.Errors = append(r.Errors, msg)
}
