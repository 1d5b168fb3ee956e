// Package convert provides utilities for converting messages to and from
// their stored row format.
package convert

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/youssefsiam38/chatcompact/types"
)

// MessageRow is the column layout shared by the SQL thread stores.
type MessageRow struct {
	ThreadID  string
	Position  int
	ID        string
	Role      string
	Data      []byte
	CreatedAt time.Time
}

// ToMessageRow converts a types.Message to its row format. The full message,
// including parts and metadata, is stored as JSON in Data.
func ToMessageRow(threadID string, position int, msg *types.Message) (*MessageRow, error) {
	if msg == nil {
		return nil, fmt.Errorf("message at position %d is nil", position)
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("message at position %d has no id", position)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message %s: %w", msg.ID, err)
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return &MessageRow{
		ThreadID:  threadID,
		Position:  position,
		ID:        msg.ID,
		Role:      string(msg.Role),
		Data:      data,
		CreatedAt: createdAt,
	}, nil
}

// FromMessageRow converts a stored row back to a types.Message.
func FromMessageRow(row *MessageRow) (*types.Message, error) {
	var msg types.Message
	if err := json.Unmarshal(row.Data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message %s: %w", row.ID, err)
	}
	if msg.ID == "" {
		msg.ID = row.ID
	}
	if msg.Role == "" {
		msg.Role = types.Role(row.Role)
	}
	return &msg, nil
}

// EncodeMetadata marshals thread metadata into a JSON object.
func EncodeMetadata(md map[string]json.RawMessage) ([]byte, error) {
	if len(md) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return data, nil
}

// DecodeMetadata parses a JSON object of thread metadata. Empty input
// decodes to an empty map.
func DecodeMetadata(data []byte) (map[string]json.RawMessage, error) {
	md := make(map[string]json.RawMessage)
	if len(data) == 0 {
		return md, nil
	}
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	if md == nil {
		md = make(map[string]json.RawMessage)
	}
	return md, nil
}
