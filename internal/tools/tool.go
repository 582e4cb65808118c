// Package tools defines tool definitions, the tool registry and the
// executor that runs model-requested tool calls.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrToolNotFound is reported when a call names an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")

	// ErrTimeout is reported when a tool does not return within its budget.
	ErrTimeout = errors.New("tool timed out")
)

// Schema is the JSON-schema object describing a tool's parameters.
// Required is always encoded as an array, never null.
type Schema struct {
	Type                 string         `json:"type"`
	Properties           map[string]any `json:"properties"`
	Required             []string       `json:"required"`
	AdditionalProperties *bool          `json:"additionalProperties,omitempty"`
}

// ObjectSchema builds an object schema from properties and required names.
func ObjectSchema(properties map[string]any, required ...string) Schema {
	return Schema{Type: "object", Properties: properties, Required: required}.normalized()
}

func (s Schema) normalized() Schema {
	if s.Type == "" {
		s.Type = "object"
	}
	if s.Properties == nil {
		s.Properties = map[string]any{}
	}
	if s.Required == nil {
		s.Required = []string{}
	}
	return s
}

// MarshalJSON materializes the defaults before encoding.
func (s Schema) MarshalJSON() ([]byte, error) {
	type plain Schema
	return json.Marshal(plain(s.normalized()))
}

// Map returns the schema as a generic JSON object, the shape most provider
// SDKs accept.
func (s Schema) Map() map[string]any {
	n := s.normalized()
	m := map[string]any{
		"type":       n.Type,
		"properties": n.Properties,
		"required":   n.Required,
	}
	if n.AdditionalProperties != nil {
		m["additionalProperties"] = *n.AdditionalProperties
	}
	return m
}

// Definition describes a tool to the model.
type Definition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  Schema `json:"parameters"`
}

// Func executes a tool with parsed JSON arguments. The returned value is
// coerced to a string with Stringify.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Tool pairs a definition with its implementation.
type Tool struct {
	Definition
	Fn Func

	// Timeout overrides Options.Timeout for this tool when positive.
	Timeout time.Duration
}

// New builds a tool from an untyped function.
func New(name, description string, params Schema, fn Func) Tool {
	return Tool{
		Definition: Definition{Name: name, Description: description, Parameters: params.normalized()},
		Fn:         fn,
	}
}

// NewTyped builds a tool whose arguments decode into T. The parameter
// schema is reflected from T.
func NewTyped[T any](name, description string, fn func(ctx context.Context, args T) (any, error)) Tool {
	return New(name, description, SchemaFor[T](), func(ctx context.Context, raw map[string]any) (any, error) {
		var args T
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("encode arguments: %w", err)
		}
		if err := json.Unmarshal(data, &args); err != nil {
			return nil, fmt.Errorf("decode arguments for %s: %w", name, err)
		}
		return fn(ctx, args)
	})
}

// Stringify coerces a tool return value to the text sent back to the model.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
