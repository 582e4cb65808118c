package meta

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/rand/mech/internal/mech"
	"github.com/rand/mech/internal/tools"
)

const (
	SetThoughtDelayToolName  = "set_thought_delay"
	SetMetaFrequencyToolName = "set_meta_frequency"
	SetModelScoreToolName    = "set_model_score"
	DisableModelToolName     = "disable_model"
	EnableModelToolName      = "enable_model"
	InjectThoughtToolName    = "inject_thought"
)

//go:embed set_thought_delay.md
var setThoughtDelayDescription string

//go:embed set_meta_frequency.md
var setMetaFrequencyDescription string

//go:embed set_model_score.md
var setModelScoreDescription string

//go:embed disable_model.md
var disableModelDescription string

//go:embed enable_model.md
var enableModelDescription string

//go:embed inject_thought.md
var injectThoughtDescription string

type delayArgs struct {
	Seconds int `json:"seconds" jsonschema:"description=Pause between rounds in seconds,enum=0,enum=2,enum=4,enum=8,enum=16,enum=32,enum=64,enum=128"`
}

type frequencyArgs struct {
	Requests int `json:"requests" jsonschema:"description=Model requests between reviews,enum=5,enum=10,enum=20,enum=40"`
}

type scoreArgs struct {
	Model string `json:"model" jsonschema:"description=Model id exactly as listed"`
	Score int    `json:"score" jsonschema:"description=Score from 0 to 100,minimum=0,maximum=100"`
}

type modelArgs struct {
	Model string `json:"model" jsonschema:"description=Model id exactly as listed"`
}

type thoughtArgs struct {
	Thought string `json:"thought" jsonschema:"description=Guidance for the working agent"`
}

// Tools returns the tuning tools bound to state. Each call takes effect
// immediately.
func Tools(state *mech.State) []tools.Tool {
	return []tools.Tool{
		tools.NewTyped(SetThoughtDelayToolName, setThoughtDelayDescription,
			func(_ context.Context, args delayArgs) (any, error) {
				if err := state.SetThoughtDelay(args.Seconds); err != nil {
					return nil, err
				}
				return fmt.Sprintf("Thought delay set to %ds.", args.Seconds), nil
			}),
		tools.NewTyped(SetMetaFrequencyToolName, setMetaFrequencyDescription,
			func(_ context.Context, args frequencyArgs) (any, error) {
				if err := state.SetMetaFrequency(args.Requests); err != nil {
					return nil, err
				}
				return fmt.Sprintf("Meta-cognition will run every %d requests.", args.Requests), nil
			}),
		tools.NewTyped(SetModelScoreToolName, setModelScoreDescription,
			func(_ context.Context, args scoreArgs) (any, error) {
				prev := state.Score(args.Model)
				if err := state.SetModelScore(args.Model, args.Score); err != nil {
					return nil, err
				}
				return fmt.Sprintf("Score for %s changed from %d to %d.", args.Model, prev, args.Score), nil
			}),
		tools.NewTyped(DisableModelToolName, disableModelDescription,
			func(_ context.Context, args modelArgs) (any, error) {
				if err := state.DisableModel(args.Model); err != nil {
					return nil, err
				}
				return fmt.Sprintf("%s disabled.", args.Model), nil
			}),
		tools.NewTyped(EnableModelToolName, enableModelDescription,
			func(_ context.Context, args modelArgs) (any, error) {
				if err := state.EnableModel(args.Model); err != nil {
					return nil, err
				}
				return fmt.Sprintf("%s enabled.", args.Model), nil
			}),
		tools.NewTyped(InjectThoughtToolName, injectThoughtDescription,
			func(_ context.Context, args thoughtArgs) (any, error) {
				thought := strings.TrimSpace(args.Thought)
				if thought == "" {
					return nil, errors.New("thought is empty")
				}
				state.InjectThought(thought)
				return "Thought queued for the next round.", nil
			}),
	}
}
