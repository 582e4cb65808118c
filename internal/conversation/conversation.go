package conversation

import (
	"slices"
	"sync"
)

// Conversation is an ordered, append-only log of entries.
//
// A Conversation is owned by one caller at a time. The internal lock only
// protects readers from torn slices; two goroutines appending to the same
// Conversation still race on ordering.
type Conversation struct {
	mu      sync.RWMutex
	entries []Entry
}

// New creates a conversation seeded with the given entries.
func New(entries ...Entry) *Conversation {
	return &Conversation{entries: slices.Clone(entries)}
}

// Push appends entries in order.
func (c *Conversation) Push(entries ...Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entries...)
}

// Len returns the number of entries.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// At returns the entry at index i.
func (c *Conversation) At(i int) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i < 0 || i >= len(c.entries) {
		return nil, false
	}
	return c.entries[i], true
}

// Entries returns a copy of the entries in append order.
func (c *Conversation) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.entries)
}

// Clone returns a structurally independent copy. Entries are values, so
// copying the slice is enough.
func (c *Conversation) Clone() *Conversation {
	return New(c.Entries()...)
}

// Slice returns a new conversation holding entries[start:end]. Bounds are
// clamped to the valid range.
func (c *Conversation) Slice(start, end int) *Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := len(c.entries)
	start = max(0, min(start, n))
	end = max(start, min(end, n))
	return New(c.entries[start:end]...)
}

// Recent returns a new conversation holding the last n entries.
func (c *Conversation) Recent(n int) *Conversation {
	l := c.Len()
	return c.Slice(l-n, l)
}

// Clear drops every entry.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
}

// Pop removes and returns the last entry.
func (c *Conversation) Pop() (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return nil, false
	}
	last := c.entries[len(c.entries)-1]
	c.entries = c.entries[: len(c.entries)-1 : len(c.entries)-1]
	return last, true
}

// Find returns the first entry matching pred.
func (c *Conversation) Find(pred func(Entry) bool) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if pred(e) {
			return e, true
		}
	}
	return nil, false
}

// Filter returns every entry matching pred.
func (c *Conversation) Filter(pred func(Entry) bool) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Entry
	for _, e := range c.entries {
		if pred(e) {
			out = append(out, e)
		}
	}
	return out
}

// Some reports whether any entry matches pred.
func (c *Conversation) Some(pred func(Entry) bool) bool {
	_, ok := c.Find(pred)
	return ok
}

// LastMessage returns the most recent message of any role.
func (c *Conversation) LastMessage() (Message, bool) {
	return c.lastMessage(func(Message) bool { return true })
}

// LastAssistantMessage returns the most recent assistant message.
func (c *Conversation) LastAssistantMessage() (Message, bool) {
	return c.lastMessage(func(m Message) bool { return m.Role == RoleAssistant })
}

func (c *Conversation) lastMessage(match func(Message) bool) (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.entries) - 1; i >= 0; i-- {
		if m, ok := c.entries[i].(Message); ok && match(m) {
			return m, true
		}
	}
	return Message{}, false
}

// MessagesByRole returns all messages spoken by role, oldest first.
func (c *Conversation) MessagesByRole(role Role) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Message
	for _, e := range c.entries {
		if m, ok := e.(Message); ok && m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

// ToolCalls returns every function call seen so far.
func (c *Conversation) ToolCalls() []FunctionCall {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []FunctionCall
	for _, e := range c.entries {
		if fc, ok := e.(FunctionCall); ok {
			out = append(out, fc)
		}
	}
	return out
}

// PendingCalls returns function calls that have no matching output yet.
func (c *Conversation) PendingCalls() []FunctionCall {
	c.mu.RLock()
	defer c.mu.RUnlock()
	answered := make(map[string]bool)
	for _, e := range c.entries {
		if out, ok := e.(FunctionCallOutput); ok {
			answered[out.CallID] = true
		}
	}
	var pending []FunctionCall
	for _, e := range c.entries {
		if fc, ok := e.(FunctionCall); ok && !answered[fc.CallID] {
			pending = append(pending, fc)
		}
	}
	return pending
}

// Resolved reports whether every function call has an output.
func (c *Conversation) Resolved() bool {
	return len(c.PendingCalls()) == 0
}
