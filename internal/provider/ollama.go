package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/ollama/ollama/api"

	"github.com/rand/mech/internal/conversation"
	"github.com/rand/mech/internal/stream"
	"github.com/rand/mech/internal/tools"
)

// OllamaPrefix namespaces local models in model ids, e.g. "ollama/llama3.1".
const OllamaPrefix = "ollama/"

// Ollama streams from a local Ollama server.
type Ollama struct {
	client *api.Client
	models []string
}

// NewOllama creates a backend for baseURL (default http://localhost:11434).
func NewOllama(baseURL string, models ...string) (*Ollama, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url: %w", err)
	}
	return &Ollama{client: api.NewClient(parsed, http.DefaultClient), models: models}, nil
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) SupportedModels() []string { return slices.Clone(o.models) }

func (o *Ollama) SupportsModel(model string) bool {
	return strings.HasPrefix(model, OllamaPrefix) || slices.Contains(o.models, model)
}

var errConsumerStopped = errors.New("consumer stopped")

func (o *Ollama) Stream(ctx context.Context, model string, history []conversation.Entry, params Params) (stream.Stream, error) {
	req := &api.ChatRequest{
		Model:    strings.TrimPrefix(model, OllamaPrefix),
		Messages: ollamaMessages(history),
		Tools:    ollamaTools(params.Tools),
		Stream:   func(b bool) *bool { return &b }(true),
	}
	options := map[string]any{}
	if s := params.Settings; s.Temperature != nil {
		options["temperature"] = *s.Temperature
	}
	if s := params.Settings; s.MaxTokens > 0 {
		options["num_predict"] = s.MaxTokens
	}
	if len(options) > 0 {
		req.Options = options
	}

	return func(yield func(stream.Event, error) bool) {
		const msgID = "0"
		err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			var events []stream.Event
			if resp.Message.Thinking != "" {
				events = append(events, stream.ThinkingDelta{Stamp: stream.Now(), Delta: resp.Message.Thinking})
			}
			if resp.Message.Content != "" {
				events = append(events, stream.MessageDelta{Stamp: stream.Now(), MessageID: msgID, Delta: resp.Message.Content})
			}
			// Ollama delivers each tool call whole.
			for _, tc := range resp.Message.ToolCalls {
				args, err := json.Marshal(map[string]any(tc.Function.Arguments))
				if err != nil {
					args = []byte("{}")
				}
				events = append(events, stream.ToolDone{
					Stamp:     stream.Now(),
					CallID:    "call_" + uuid.NewString(),
					Name:      tc.Function.Name,
					Arguments: string(args),
				})
			}
			if resp.Done {
				events = append(events, stream.StreamEnd{
					Stamp:        stream.Now(),
					FinishReason: resp.DoneReason,
					Usage: &stream.Usage{
						Model:        model,
						InputTokens:  int64(resp.PromptEvalCount),
						OutputTokens: int64(resp.EvalCount),
					},
				})
			}
			for _, ev := range events {
				if !yield(ev, nil) {
					return errConsumerStopped
				}
			}
			return nil
		})
		if err != nil && !errors.Is(err, errConsumerStopped) {
			yield(nil, fmt.Errorf("ollama chat: %w", err))
		}
	}, nil
}

func ollamaMessages(history []conversation.Entry) []api.Message {
	out := make([]api.Message, 0, len(history))
	for _, e := range history {
		switch x := e.(type) {
		case conversation.Message:
			role := string(x.Role)
			if x.Role == conversation.RoleDeveloper {
				role = string(conversation.RoleSystem)
			}
			out = append(out, api.Message{Role: role, Content: x.Content})
		case conversation.FunctionCall:
			var args map[string]any
			if err := json.Unmarshal([]byte(x.Arguments), &args); err != nil {
				args = map[string]any{}
			}
			call := api.ToolCall{Function: api.ToolCallFunction{
				Name:      x.Name,
				Arguments: api.ToolCallFunctionArguments(args),
			}}
			// Merge into the preceding assistant message when there is one.
			if n := len(out); n > 0 && out[n-1].Role == string(conversation.RoleAssistant) {
				out[n-1].ToolCalls = append(out[n-1].ToolCalls, call)
				continue
			}
			out = append(out, api.Message{Role: string(conversation.RoleAssistant), ToolCalls: []api.ToolCall{call}})
		case conversation.FunctionCallOutput:
			out = append(out, api.Message{Role: "tool", Content: x.Output})
		case conversation.Thinking:
		}
	}
	return out
}

func ollamaTools(defs []tools.Definition) []api.Tool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]api.Tool, 0, len(defs))
	for _, def := range defs {
		params := api.ToolFunctionParameters{
			Type:       "object",
			Required:   slices.Clone(def.Parameters.Required),
			Properties: make(map[string]api.ToolProperty, len(def.Parameters.Properties)),
		}
		for name, prop := range def.Parameters.Properties {
			params.Properties[name] = ollamaProperty(prop)
		}
		out = append(out, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func ollamaProperty(v any) api.ToolProperty {
	prop := api.ToolProperty{}
	m, ok := v.(map[string]any)
	if !ok {
		data, err := json.Marshal(v)
		if err != nil || json.Unmarshal(data, &m) != nil {
			return prop
		}
	}

	switch t := m["type"].(type) {
	case string:
		prop.Type = api.PropertyType{t}
	case []any:
		for _, s := range t {
			if str, ok := s.(string); ok {
				prop.Type = append(prop.Type, str)
			}
		}
	}
	if desc, ok := m["description"].(string); ok {
		prop.Description = desc
	}
	if enum, ok := m["enum"].([]any); ok {
		prop.Enum = enum
	}
	if items, ok := m["items"]; ok {
		prop.Items = items
	}
	if anyOf, ok := m["anyOf"].([]any); ok {
		for _, item := range anyOf {
			prop.AnyOf = append(prop.AnyOf, ollamaProperty(item))
		}
	}
	return prop
}
