package types

import "time"

// Role represents the message role
type Role string

const (
	// RoleUser represents a user message
	RoleUser Role = "user"

	// RoleAssistant represents an assistant message
	RoleAssistant Role = "assistant"

	// RoleSystem represents a system message
	RoleSystem Role = "system"

	// RoleTool represents a tool result message
	RoleTool Role = "tool"
)

// Message represents a transcript message with its metadata bag.
// The metadata bag is opaque to transports; the compaction engine owns
// a single reserved key inside it.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Parts     []Part         `json:"parts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt,omitzero"`
}

// NewTextMessage creates a message with a single text part.
func NewTextMessage(id string, role Role, text string) *Message {
	return &Message{
		ID:    id,
		Role:  role,
		Parts: []Part{{Type: PartTypeText, Text: text}},
	}
}

// PartCount returns the number of parts in the message.
func (m *Message) PartCount() int {
	if m == nil {
		return 0
	}
	return len(m.Parts)
}

// Clone returns a copy of the message. Parts and the metadata map are
// copied; metadata values are shared.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Parts != nil {
		out.Parts = make([]Part, len(m.Parts))
		copy(out.Parts, m.Parts)
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
