package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rand/mech/internal/conversation"
)

const (
	// DefaultTimeout bounds a single tool call.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxConcurrency bounds calls in flight in parallel mode.
	DefaultMaxConcurrency = 5
)

// Options control one Execute call.
type Options struct {
	// Parallel runs calls concurrently, at most MaxConcurrency at a time.
	Parallel bool `json:"parallel" yaml:"parallel"`

	// Timeout per call. Zero means DefaultTimeout. A tool's own Timeout
	// takes precedence.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// MaxConcurrency for parallel mode. Zero means DefaultMaxConcurrency.
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency"`

	// StopOnError skips calls not yet started once a call fails. Calls
	// already in flight finish and keep their results.
	StopOnError bool `json:"stop_on_error" yaml:"stop_on_error"`
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	return o
}

// Result is the outcome of one tool call. Execute yields exactly one
// Result per input call, in input order.
type Result struct {
	CallID   string
	Name     string
	Output   string
	Err      error
	TimedOut bool
	Skipped  bool
	Elapsed  time.Duration

	// Entry is the history entry carrying Output (or the error text).
	Entry conversation.FunctionCallOutput
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Status is a one-word summary: completed, failed, timed_out or skipped.
func (r Result) Status() string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.TimedOut:
		return "timed_out"
	case r.Err != nil:
		return "failed"
	default:
		return "completed"
	}
}

// Executor runs tool calls against a Registry.
type Executor struct {
	logger  *slog.Logger
	observe func(Result)
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Logger *slog.Logger

	// OnResult is called once per finished call, from the goroutine that
	// ran it.
	OnResult func(Result)
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{logger: cfg.Logger, observe: cfg.OnResult}
}

// Execute runs calls and returns one result per call, in call order.
//
// A timeout stops waiting for the tool but does not cancel it: the tool
// receives ctx, not a deadline derived from the timeout, and may keep
// running after its timeout result is reported.
func (e *Executor) Execute(ctx context.Context, calls []conversation.ToolCall, reg *Registry, opts Options) []Result {
	opts = opts.withDefaults()
	results := make([]Result, len(calls))
	if len(calls) == 0 {
		return results
	}

	if !opts.Parallel || len(calls) == 1 {
		stopped := false
		for i, call := range calls {
			if stopped {
				results[i] = skipped(call)
				continue
			}
			results[i] = e.run(ctx, call, reg, opts)
			if !results[i].OK() && opts.StopOnError {
				stopped = true
			}
		}
		return results
	}

	// The window slides in call order: a slot is taken before a call is
	// scheduled, so calls start in order and a failure is visible to every
	// call scheduled after it.
	var stopped atomic.Bool
	sem := make(chan struct{}, opts.MaxConcurrency)
	var g errgroup.Group

	for i, call := range calls {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			results[i] = skipped(call)
			continue
		}
		if stopped.Load() {
			<-sem
			results[i] = skipped(call)
			continue
		}
		g.Go(func() error {
			defer func() { <-sem }()
			results[i] = e.run(ctx, call, reg, opts)
			if !results[i].OK() && opts.StopOnError {
				stopped.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (e *Executor) run(ctx context.Context, call conversation.ToolCall, reg *Registry, opts Options) Result {
	start := time.Now()
	res := e.invoke(ctx, call, reg, opts.Timeout)
	res.Elapsed = time.Since(start)
	res.Entry = outputEntry(res)

	if e.observe != nil {
		e.observe(res)
	}
	return res
}

func (e *Executor) invoke(ctx context.Context, call conversation.ToolCall, reg *Registry, timeout time.Duration) Result {
	res := Result{CallID: call.ID, Name: call.Function.Name}

	if err := call.Validate(); err != nil {
		res.Err = err
		return res
	}
	tool, ok := reg.Get(call.Function.Name)
	if !ok {
		res.Err = fmt.Errorf("%w: %s", ErrToolNotFound, call.Function.Name)
		return res
	}
	args, err := call.ParseArguments()
	if err != nil {
		res.Err = err
		return res
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", tool.Name, r)}
			}
		}()
		v, err := tool.Fn(ctx, args)
		done <- outcome{value: v, err: err}
	}()

	if tool.Timeout > 0 {
		timeout = tool.Timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		res.Output = Stringify(o.value)
		res.Err = o.err
	case <-timer.C:
		res.TimedOut = true
		res.Err = fmt.Errorf("%w: %s after %s; it may still be running", ErrTimeout, tool.Name, timeout)
		e.logger.Warn("tool call timed out", "tool", tool.Name, "call_id", call.ID, "timeout", timeout)
	case <-ctx.Done():
		res.Err = fmt.Errorf("tool %s: %w", tool.Name, ctx.Err())
	}
	return res
}

var errSkipped = errors.New("skipped after an earlier tool call failed")

func skipped(call conversation.ToolCall) Result {
	res := Result{CallID: call.ID, Name: call.Function.Name, Err: errSkipped, Skipped: true}
	res.Entry = outputEntry(res)
	return res
}

func outputEntry(res Result) conversation.FunctionCallOutput {
	out := res.Output
	if res.Err != nil {
		out = "Error: " + res.Err.Error()
	}
	return conversation.FunctionCallOutput{CallID: res.CallID, Name: res.Name, Output: out}
}
