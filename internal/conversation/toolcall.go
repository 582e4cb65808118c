package conversation

import (
	"encoding/json"
	"fmt"
)

// ToolCallType is the only call type models emit today.
const ToolCallType = "function"

// ToolCall is a tool invocation detected in a model response.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

// FunctionSpec names the function and carries its JSON-encoded arguments.
type FunctionSpec struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// NewToolCall builds a function tool call.
func NewToolCall(id, name, arguments string) ToolCall {
	return ToolCall{ID: id, Type: ToolCallType, Function: FunctionSpec{Name: name, Arguments: arguments}}
}

// ValidationError reports a malformed tool call.
type ValidationError struct {
	CallID string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.CallID == "" {
		return fmt.Sprintf("invalid tool call: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid tool call %s: %s: %s", e.CallID, e.Field, e.Reason)
}

// Validate checks the structural invariants of the call. An empty
// arguments string is treated as an empty object.
func (tc ToolCall) Validate() error {
	switch {
	case tc.ID == "":
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	case tc.Type != ToolCallType:
		return &ValidationError{CallID: tc.ID, Field: "type", Reason: fmt.Sprintf("expected %q, got %q", ToolCallType, tc.Type)}
	case tc.Function.Name == "":
		return &ValidationError{CallID: tc.ID, Field: "function.name", Reason: "must not be empty"}
	}
	if _, err := tc.ParseArguments(); err != nil {
		return &ValidationError{CallID: tc.ID, Field: "function.arguments", Reason: err.Error()}
	}
	return nil
}

// ParseArguments decodes the arguments into a JSON object.
func (tc ToolCall) ParseArguments() (map[string]any, error) {
	args := map[string]any{}
	if tc.Function.Arguments == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	return args, nil
}

// Entry converts the call into a history entry.
func (tc ToolCall) Entry() FunctionCall {
	return FunctionCall{
		CallID:    tc.ID,
		Name:      tc.Function.Name,
		Arguments: tc.Function.Arguments,
		Status:    CallInProgress,
	}
}

// ToolCallFromEntry is the inverse of ToolCall.Entry.
func ToolCallFromEntry(fc FunctionCall) ToolCall {
	return NewToolCall(fc.CallID, fc.Name, fc.Arguments)
}
