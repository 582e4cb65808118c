package conversation

import (
	"encoding/json"
	"fmt"
)

type envelope struct {
	Type EntryType `json:"type"`
}

// MarshalEntry encodes an entry with its "type" discriminator.
func MarshalEntry(e Entry) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"], _ = json.Marshal(e.Type())
	return json.Marshal(fields)
}

// UnmarshalEntry decodes one entry produced by MarshalEntry.
func UnmarshalEntry(data []byte) (Entry, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeMessage:
		var m Message
		err := json.Unmarshal(data, &m)
		return m, err
	case TypeFunctionCall:
		var fc FunctionCall
		err := json.Unmarshal(data, &fc)
		return fc, err
	case TypeFunctionCallOutput:
		var out FunctionCallOutput
		err := json.Unmarshal(data, &out)
		return out, err
	case TypeThinking:
		var th Thinking
		err := json.Unmarshal(data, &th)
		return th, err
	default:
		return nil, fmt.Errorf("unknown entry type %q", env.Type)
	}
}

// MarshalJSON encodes the conversation as an array of tagged entries.
func (c *Conversation) MarshalJSON() ([]byte, error) {
	entries := c.Entries()
	raw := make([]json.RawMessage, 0, len(entries))
	for i, e := range entries {
		b, err := MarshalEntry(e)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		raw = append(raw, b)
	}
	return json.Marshal(raw)
}

// UnmarshalJSON replaces the entries with the decoded array.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	entries := make([]Entry, 0, len(raw))
	for i, r := range raw {
		e, err := UnmarshalEntry(r)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		entries = append(entries, e)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = entries
	return nil
}
