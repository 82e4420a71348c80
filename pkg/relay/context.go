package relay

import "sync"

// Message is one entry of a conversation transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConversationContext is the ordered message history of one conversation.
// It is owned by one active SpeechSession at a time; ownership transfers to
// the ContextCache when the session drains. The session's event loop writes
// it while drain and inspection may read from other goroutines, so access
// is locked internally.
type ConversationContext struct {
	mu       sync.Mutex
	messages []Message
}

// NewConversationContext creates an empty context.
func NewConversationContext() *ConversationContext {
	return &ConversationContext{}
}

// NewConversationContextWith creates a context seeded with a copy of msgs.
func NewConversationContextWith(msgs []Message) *ConversationContext {
	c := &ConversationContext{}
	if len(msgs) > 0 {
		c.messages = make([]Message, len(msgs))
		copy(c.messages, msgs)
	}
	return c
}

// Add appends a message entry.
func (c *ConversationContext) Add(role, content string) {
	c.mu.Lock()
	c.messages = append(c.messages, Message{Role: role, Content: content})
	c.mu.Unlock()
}

// Messages returns a copy of the message history.
func (c *ConversationContext) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages.
func (c *ConversationContext) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}
