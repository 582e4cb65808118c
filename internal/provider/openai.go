package provider

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/rand/mech/internal/conversation"
	"github.com/rand/mech/internal/stream"
)

// OpenAICompat streams from any endpoint speaking the OpenAI chat
// completions protocol (xAI, DeepSeek, local gateways).
//
// Function calls and their outputs in the history are rendered as plain
// assistant and user text: several compatible servers reject replayed
// tool_calls from other vendors.
type OpenAICompat struct {
	name   string
	client openai.Client
	models []string
}

// NewOpenAICompat creates a backend for baseURL.
func NewOpenAICompat(name, baseURL, apiKey string, models ...string) *OpenAICompat {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAICompat{name: name, client: openai.NewClient(opts...), models: models}
}

func (p *OpenAICompat) Name() string { return p.name }

func (p *OpenAICompat) SupportedModels() []string { return slices.Clone(p.models) }

func (p *OpenAICompat) SupportsModel(model string) bool { return slices.Contains(p.models, model) }

func (p *OpenAICompat) Stream(ctx context.Context, model string, history []conversation.Entry, params Params) (stream.Stream, error) {
	req := openai.ChatCompletionNewParams{
		Model:         openai.ChatModel(model),
		Messages:      openAIMessages(history),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)},
	}
	if s := params.Settings; s.Temperature != nil {
		req.Temperature = openai.Float(*s.Temperature)
	}
	if s := params.Settings; s.TopP != nil {
		req.TopP = openai.Float(*s.TopP)
	}
	if params.Settings.MaxTokens > 0 {
		req.MaxCompletionTokens = openai.Int(params.Settings.MaxTokens)
	}
	for _, def := range params.Tools {
		req.Tools = append(req.Tools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        def.Name,
			Description: openai.String(def.Description),
			Parameters:  openai.FunctionParameters(def.Parameters.Map()),
		}))
	}

	return func(yield func(stream.Event, error) bool) {
		st := p.client.Chat.Completions.NewStreaming(ctx, req)
		defer st.Close()

		const msgID = "0"
		ids := map[int64]string{}
		var order []int64
		var finish string
		var usage *stream.Usage

		for st.Next() {
			chunk := st.Current()
			if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
				usage = &stream.Usage{
					Model:        model,
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
					CachedTokens: chunk.Usage.PromptTokensDetails.CachedTokens,
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
			if choice.Delta.Content != "" {
				if !yield(stream.MessageDelta{Stamp: stream.Now(), MessageID: msgID, Delta: choice.Delta.Content}, nil) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				id, seen := ids[tc.Index]
				if !seen {
					id = tc.ID
					if id == "" {
						id = "call_" + strconv.FormatInt(tc.Index, 10)
					}
					ids[tc.Index] = id
					order = append(order, tc.Index)
					if !yield(stream.ToolStart{Stamp: stream.Now(), CallID: id, Name: tc.Function.Name}, nil) {
						return
					}
				}
				if tc.Function.Arguments != "" {
					if !yield(stream.ToolDelta{Stamp: stream.Now(), CallID: id, Delta: tc.Function.Arguments}, nil) {
						return
					}
				}
			}
		}
		if err := st.Err(); err != nil {
			yield(nil, fmt.Errorf("%s stream: %w", p.name, err))
			return
		}

		for _, idx := range order {
			if !yield(stream.ToolDone{Stamp: stream.Now(), CallID: ids[idx]}, nil) {
				return
			}
		}
		yield(stream.StreamEnd{Stamp: stream.Now(), FinishReason: finish, Usage: usage}, nil)
	}, nil
}

func openAIMessages(history []conversation.Entry) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(history))
	for _, e := range history {
		switch x := e.(type) {
		case conversation.Message:
			switch x.Role {
			case conversation.RoleSystem, conversation.RoleDeveloper:
				out = append(out, openai.SystemMessage(x.Content))
			case conversation.RoleAssistant:
				out = append(out, openai.AssistantMessage(x.Content))
			default:
				out = append(out, openai.UserMessage(x.Content))
			}
		case conversation.FunctionCall:
			out = append(out, openai.AssistantMessage(fmt.Sprintf("[called %s (%s) with %s]", x.Name, x.CallID, x.Arguments)))
		case conversation.FunctionCallOutput:
			out = append(out, openai.UserMessage(fmt.Sprintf("[result of %s (%s)]\n%s", x.Name, x.CallID, x.Output)))
		case conversation.Thinking:
			// Reasoning is not replayed to compatible endpoints.
		}
	}
	return out
}
