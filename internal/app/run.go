package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/MakeNowJust/heredoc"

	"github.com/rand/mech/internal/conversation"
	"github.com/rand/mech/internal/mech"
	"github.com/rand/mech/internal/pipeline"
	"github.com/rand/mech/internal/running"
	"github.com/rand/mech/internal/tools"
)

var defaultInstructions = heredoc.Doc(`
	You are an autonomous agent working through a task over many rounds.
	Each round may run on a different model; the conversation so far is
	shared, so build on what earlier rounds did instead of starting over.

	Use the available tools to make progress. Long-running tools return a
	running id; collect their output with wait_for_running_tool.

	When the task is done, call task_complete with a short summary. If the
	task cannot be done, call fatal_error with the reason.
`)

// RunOptions adjust RunTask.
type RunOptions struct {
	// Host defaults to an in-memory session on the app's sink.
	Host mech.Host

	// MaxRounds overrides mech.max_rounds.
	MaxRounds int
}

// NewLoop builds a MECH loop over host with the configured agent.
func (app *App) NewLoop(host mech.Host, maxRounds int) (*mech.Loop, error) {
	cfg := app.Config
	instructions := cfg.Mech.Instructions
	if instructions == "" {
		instructions = defaultInstructions
	}
	if maxRounds <= 0 {
		maxRounds = cfg.Mech.MaxRounds
	}
	return mech.New(mech.Config{
		Agent: mech.Agent{
			ID:           mech.DefaultAgentID,
			Instructions: instructions,
			Tools:        app.Tools,
			Settings:     cfg.Pipeline.Settings,
			Exec: tools.Options{
				Parallel:       cfg.Pipeline.Parallel,
				Timeout:        cfg.Pipeline.ToolTimeout,
				MaxConcurrency: cfg.Pipeline.MaxConcurrency,
				StopOnError:    cfg.Pipeline.StopOnError,
			},
		},
		Host:                   host,
		Requester:              app.Pipeline,
		State:                  app.State,
		Rotator:                app.Rotator,
		Tracker:                app.Tracker,
		Meta:                   app.Meta,
		Breakers:               app.Breakers,
		Budget:                 app.Budget,
		MaxRounds:              maxRounds,
		MaxConsecutiveFailures: cfg.Mech.MaxConsecutiveFailures,
		HistoryWindow:          cfg.Mech.HistoryWindow,
		Wait:                   running.WaitOptions{Timeout: cfg.Pipeline.WaitTimeout},
		Logger:                 app.Logger,
		Metrics:                app.Metrics,
	})
}

// RunTask runs the MECH loop on task. When mech.command_file is set the
// file is followed for injected thoughts while the loop runs.
func (app *App) RunTask(ctx context.Context, task string, opts RunOptions) (mech.Result, error) {
	host := opts.Host
	if host == nil {
		host = mech.NewSession(app.Sink)
	}
	loop, err := app.NewLoop(host, opts.MaxRounds)
	if err != nil {
		return mech.Result{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if path := app.Config.Mech.CommandFile; path != "" {
		done := make(chan struct{})
		go func() {
			defer close(done)
			err := mech.FollowCommands(ctx, path, app.State, mech.FollowOptions{
				Delayer: loop.Delayer(),
				Logger:  app.Logger,
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				app.Logger.Warn("command file follower stopped", "path", path, "error", err)
			}
		}()
		defer func() {
			cancel()
			<-done
		}()
	}

	app.Budget.StartTask()
	defer app.Budget.EndTask()

	return loop.Run(ctx, task), nil
}

// Ask sends a single prompt to model without tools.
func (app *App) Ask(ctx context.Context, model, prompt string) (*pipeline.Result, error) {
	if prompt == "" {
		return nil, fmt.Errorf("empty prompt")
	}
	conv := conversation.New(conversation.User(prompt))
	return app.Pipeline.SimpleRequest(ctx, model, conv, app.Config.Pipeline.Settings), nil
}
