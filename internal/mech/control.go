package mech

import (
	"context"
	"strings"
	"sync"

	"github.com/MakeNowJust/heredoc"

	"github.com/rand/mech/internal/tools"
)

const (
	TaskCompleteToolName = "task_complete"
	FatalErrorToolName   = "fatal_error"
)

var (
	taskCompleteDescription = heredoc.Doc(`
		Signal that the task is finished. Call this once the work is done and
		verified. The loop stops after the current round.
	`)
	fatalErrorDescription = heredoc.Doc(`
		Signal that the task cannot be completed. Use only for unrecoverable
		problems such as missing access or contradictory requirements. The loop
		stops after the current round.
	`)
)

type taskCompleteArgs struct {
	Summary string `json:"summary" jsonschema:"description=Short summary of what was accomplished"`
}

type fatalErrorArgs struct {
	Reason string `json:"reason" jsonschema:"description=Why the task cannot continue"`
}

// control collects the stop signals raised by the control tools during
// one run.
type control struct {
	mu      sync.Mutex
	outcome Outcome
	message string
}

func (c *control) set(o Outcome, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcome != "" {
		return
	}
	c.outcome = o
	c.message = strings.TrimSpace(msg)
}

func (c *control) get() (Outcome, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome, c.message
}

func (c *control) tools() []tools.Tool {
	return []tools.Tool{
		tools.NewTyped(TaskCompleteToolName, taskCompleteDescription,
			func(_ context.Context, args taskCompleteArgs) (any, error) {
				c.set(OutcomeComplete, args.Summary)
				return "Task marked complete.", nil
			}),
		tools.NewTyped(FatalErrorToolName, fatalErrorDescription,
			func(_ context.Context, args fatalErrorArgs) (any, error) {
				c.set(OutcomeFatal, args.Reason)
				return "Fatal error recorded.", nil
			}),
	}
}
