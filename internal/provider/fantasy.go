package provider

import (
	"context"
	"fmt"

	"charm.land/fantasy"

	"github.com/rand/mech/internal/conversation"
	"github.com/rand/mech/internal/stream"
	"github.com/rand/mech/internal/tools"
)

// Fantasy adapts a fantasy.Provider (Anthropic, OpenAI, OpenRouter) to
// Provider.
type Fantasy struct {
	name     string
	provider fantasy.Provider
	models   []string
}

// NewFantasy wraps p. models, when given, are reported through
// SupportedModels.
func NewFantasy(name string, p fantasy.Provider, models ...string) *Fantasy {
	return &Fantasy{name: name, provider: p, models: models}
}

func (f *Fantasy) Name() string { return f.name }

func (f *Fantasy) SupportedModels() []string { return f.models }

func (f *Fantasy) Stream(ctx context.Context, model string, history []conversation.Entry, params Params) (stream.Stream, error) {
	lm, err := f.provider.LanguageModel(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("get language model: %w", err)
	}

	parts, err := lm.Stream(ctx, fantasyCall(history, params))
	if err != nil {
		return nil, fmt.Errorf("%s stream: %w", f.name, err)
	}

	return func(yield func(stream.Event, error) bool) {
		for part := range parts {
			ev, err := fromStreamPart(part, model)
			if err != nil {
				yield(nil, err)
				return
			}
			if ev == nil {
				continue
			}
			if !yield(ev, nil) {
				return
			}
		}
	}, nil
}

func fantasyCall(history []conversation.Entry, params Params) fantasy.Call {
	call := fantasy.Call{Prompt: fantasyPrompt(history)}

	s := params.Settings
	if s.MaxTokens > 0 {
		maxTokens := s.MaxTokens
		call.MaxOutputTokens = &maxTokens
	}
	call.Temperature = s.Temperature
	call.TopP = s.TopP

	for _, def := range params.Tools {
		call.Tools = append(call.Tools, fantasyTool(def))
	}
	if s.ToolChoice != "" && len(call.Tools) > 0 {
		choice := fantasy.ToolChoice(s.ToolChoice)
		call.ToolChoice = &choice
	}
	return call
}

func fantasyTool(def tools.Definition) fantasy.FunctionTool {
	return fantasy.FunctionTool{
		Name:        def.Name,
		Description: def.Description,
		InputSchema: def.Parameters.Map(),
	}
}

// fantasyPrompt groups consecutive assistant-side entries (text, reasoning,
// tool calls) into one assistant message and tool outputs into tool
// messages, which is the shape every fantasy backend expects.
func fantasyPrompt(history []conversation.Entry) fantasy.Prompt {
	var (
		prompt    fantasy.Prompt
		assistant []fantasy.MessagePart
		results   []fantasy.MessagePart
	)
	flush := func() {
		if len(assistant) > 0 {
			prompt = append(prompt, fantasy.Message{Role: fantasy.MessageRoleAssistant, Content: assistant})
			assistant = nil
		}
		if len(results) > 0 {
			prompt = append(prompt, fantasy.Message{Role: fantasy.MessageRoleTool, Content: results})
			results = nil
		}
	}

	for _, e := range history {
		switch x := e.(type) {
		case conversation.Message:
			switch x.Role {
			case conversation.RoleAssistant:
				if len(results) > 0 {
					flush()
				}
				if x.Content != "" {
					assistant = append(assistant, fantasy.TextPart{Text: x.Content})
				}
			case conversation.RoleSystem, conversation.RoleDeveloper:
				flush()
				prompt = append(prompt, fantasy.NewSystemMessage(x.Content))
			default:
				flush()
				prompt = append(prompt, fantasy.NewUserMessage(x.Content))
			}
		case conversation.Thinking:
			if len(results) > 0 {
				flush()
			}
			assistant = append(assistant, fantasy.ReasoningPart{Text: x.Content})
		case conversation.FunctionCall:
			if len(results) > 0 {
				flush()
			}
			assistant = append(assistant, fantasy.ToolCallPart{ToolCallID: x.CallID, ToolName: x.Name, Input: x.Arguments})
		case conversation.FunctionCallOutput:
			if len(assistant) > 0 {
				prompt = append(prompt, fantasy.Message{Role: fantasy.MessageRoleAssistant, Content: assistant})
				assistant = nil
			}
			results = append(results, fantasy.ToolResultPart{
				ToolCallID: x.CallID,
				Output:     fantasy.ToolResultOutputContentText{Text: x.Output},
			})
		}
	}
	flush()
	return prompt
}

// fromStreamPart maps one fantasy part. A nil event means the part has no
// counterpart; an error part is a transport failure.
func fromStreamPart(part fantasy.StreamPart, model string) (stream.Event, error) {
	now := stream.Now()
	switch part.Type {
	case fantasy.StreamPartTypeTextStart:
		return stream.MessageStart{Stamp: now, MessageID: part.ID}, nil
	case fantasy.StreamPartTypeTextDelta:
		return stream.MessageDelta{Stamp: now, MessageID: part.ID, Delta: part.Delta}, nil
	case fantasy.StreamPartTypeReasoningDelta:
		return stream.ThinkingDelta{Stamp: now, ID: part.ID, Delta: part.Delta}, nil
	case fantasy.StreamPartTypeToolInputStart:
		return stream.ToolStart{Stamp: now, CallID: part.ID, Name: part.ToolCallName}, nil
	case fantasy.StreamPartTypeToolInputDelta:
		return stream.ToolDelta{Stamp: now, CallID: part.ID, Delta: part.Delta}, nil
	case fantasy.StreamPartTypeToolCall:
		return stream.ToolDone{Stamp: now, CallID: part.ID, Name: part.ToolCallName, Arguments: part.ToolCallInput}, nil
	case fantasy.StreamPartTypeFinish:
		return stream.StreamEnd{
			Stamp:        now,
			FinishReason: string(part.FinishReason),
			Usage: &stream.Usage{
				Model:        model,
				InputTokens:  part.Usage.InputTokens,
				OutputTokens: part.Usage.OutputTokens,
				CachedTokens: part.Usage.CacheReadTokens,
			},
		}, nil
	case fantasy.StreamPartTypeError:
		if part.Error != nil {
			return nil, part.Error
		}
		return nil, fmt.Errorf("provider stream failed")
	case fantasy.StreamPartTypeWarnings:
		return stream.Metadata{Stamp: now, Data: map[string]any{"warnings": part.Warnings}}, nil
	default:
		return nil, nil
	}
}
