package models

// MessageRole is the speaker of a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is a single conversation entry owned by a session.
// Ord is the append order within the session, starting at 0.
type Message struct {
	ID        string
	SessionID string
	Role      MessageRole
	Content   string
	Ord       int
}
