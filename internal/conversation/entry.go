// Package conversation holds the append-only dialogue log shared by the
// request pipeline, the stream accumulator and the MECH loop.
package conversation

import "time"

// EntryType discriminates the variants of Entry.
type EntryType string

const (
	TypeMessage            EntryType = "message"
	TypeFunctionCall       EntryType = "function_call"
	TypeFunctionCallOutput EntryType = "function_call_output"
	TypeThinking           EntryType = "thinking"
)

// Role is the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleDeveloper, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// CallStatus tracks a function call as seen in the history.
type CallStatus string

const (
	CallInProgress CallStatus = "in_progress"
	CallCompleted  CallStatus = "completed"
	CallIncomplete CallStatus = "incomplete"
)

// Entry is one element of a Conversation. The set of implementations is
// closed: Message, FunctionCall, FunctionCallOutput and Thinking.
//
// Entries are plain values. Once appended they are never modified; a
// correction is a new entry.
type Entry interface {
	Type() EntryType
	sealed()
}

// Message is a chat message from one of the four roles.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Name      string    `json:"name,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

func (Message) Type() EntryType { return TypeMessage }
func (Message) sealed()         {}

// FunctionCall records a tool call requested by the model.
type FunctionCall struct {
	CallID    string     `json:"call_id"`
	Name      string     `json:"name"`
	Arguments string     `json:"arguments"`
	Status    CallStatus `json:"status,omitempty"`
}

func (FunctionCall) Type() EntryType { return TypeFunctionCall }
func (FunctionCall) sealed()         {}

// FunctionCallOutput carries the result of a FunctionCall back to the model.
type FunctionCallOutput struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Output string `json:"output"`
}

func (FunctionCallOutput) Type() EntryType { return TypeFunctionCallOutput }
func (FunctionCallOutput) sealed()         {}

// Thinking is reasoning content emitted by models that expose it.
type Thinking struct {
	Content   string `json:"content"`
	Signature string `json:"signature,omitempty"`
	ID        string `json:"id,omitempty"`
}

func (Thinking) Type() EntryType { return TypeThinking }
func (Thinking) sealed()         {}

// NewMessage builds a Message stamped with the current time.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now()}
}

// User is shorthand for NewMessage(RoleUser, content).
func User(content string) Message { return NewMessage(RoleUser, content) }

// Assistant is shorthand for NewMessage(RoleAssistant, content).
func Assistant(content string) Message { return NewMessage(RoleAssistant, content) }

// System is shorthand for NewMessage(RoleSystem, content).
func System(content string) Message { return NewMessage(RoleSystem, content) }

// Developer is shorthand for NewMessage(RoleDeveloper, content).
func Developer(content string) Message { return NewMessage(RoleDeveloper, content) }
