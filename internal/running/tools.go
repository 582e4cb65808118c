package running

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rand/mech/internal/tools"
)

const (
	WaitToolName      = "wait_for_running_tool"
	TerminateToolName = "terminate_running_tool"
	ListToolName      = "list_running_tools"
)

//go:embed wait_for_running_tool.md
var waitDescription string

//go:embed terminate_running_tool.md
var terminateDescription string

//go:embed list_running_tools.md
var listDescription string

type waitArgs struct {
	ID             string `json:"id" jsonschema:"description=Running tool id"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"description=How long to wait. Default 300, at most 1800"`
}

type terminateArgs struct {
	ID string `json:"id" jsonschema:"description=Running tool id"`
}

type listArgs struct{}

// Tools returns the wait, terminate and list tools bound to t. opts set
// the poll and heartbeat intervals of waits started by the wait tool.
func (t *Tracker) Tools(opts WaitOptions) []tools.Tool {
	return []tools.Tool{
		t.waitTool(opts),
		tools.NewTyped(TerminateToolName, terminateDescription, func(ctx context.Context, args terminateArgs) (any, error) {
			if t.Terminate(args.ID) {
				return fmt.Sprintf("Terminated %s.", args.ID), nil
			}
			if info, ok := t.Get(args.ID); ok {
				return fmt.Sprintf("Tool %s is %s; only running tools can be terminated.", args.ID, info.Status), nil
			}
			return fmt.Sprintf("No running tool with id %s.", args.ID), nil
		}),
		tools.NewTyped(ListToolName, listDescription, func(ctx context.Context, _ listArgs) (any, error) {
			list := t.List()
			if len(list) == 0 {
				return "No background tools.", nil
			}
			var b strings.Builder
			for _, i := range list {
				fmt.Fprintf(&b, "%s\t%s\t%s\t%s\n", i.ID, i.Name, i.Status, roundDuration(i.Duration()))
			}
			return strings.TrimRight(b.String(), "\n"), nil
		}),
	}
}

func (t *Tracker) waitTool(opts WaitOptions) tools.Tool {
	tool := tools.NewTyped(WaitToolName, waitDescription, func(ctx context.Context, args waitArgs) (any, error) {
		o := opts
		if args.TimeoutSeconds > 0 {
			o.Timeout = time.Duration(args.TimeoutSeconds) * time.Second
		}
		o.Timeout = min(o.withDefaults().Timeout, MaxWaitTimeout)
		return t.Wait(ctx, args.ID, o).String(), nil
	})
	tool.Timeout = MaxWaitTimeout + waitToolGrace
	return tool
}

// Background wraps tool so a call starts it under the tracker and returns
// the running id at once. The wrapped tool keeps its name and schema.
func Background(t *Tracker, tool tools.Tool, agent string) tools.Tool {
	desc := tool.Description + fmt.Sprintf("\n\nRuns in the background: the call returns a running id. Use %s to collect the output.", WaitToolName)
	return tools.New(tool.Name, desc, tool.Parameters, func(ctx context.Context, args map[string]any) (any, error) {
		raw, _ := json.Marshal(args)

		// The tool outlives the call; only Terminate stops it.
		runCtx, id, err := t.Add(context.WithoutCancel(ctx), "", tool.Name, agent, string(raw))
		if err != nil {
			return nil, err
		}

		go func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fail(id, fmt.Errorf("panic: %v", r))
				}
			}()
			out, err := tool.Fn(runCtx, args)
			if err != nil {
				t.Fail(id, err)
				return
			}
			t.Complete(id, tools.Stringify(out))
		}()

		return fmt.Sprintf("Started %s in the background with id %s.", tool.Name, id), nil
	})
}
