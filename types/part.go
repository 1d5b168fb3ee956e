package types

import (
	"encoding/json"
	"fmt"
)

// PartType represents the kind of a message part
type PartType string

const (
	// PartTypeText represents plain text
	PartTypeText PartType = "text"

	// PartTypeReasoning represents model reasoning text
	PartTypeReasoning PartType = "reasoning"

	// PartTypeToolCall represents a tool invocation with its input and output
	PartTypeToolCall PartType = "tool-call"

	// PartTypeSource represents a cited source
	PartTypeSource PartType = "source"

	// PartTypeFile represents an attached file
	PartTypeFile PartType = "file"
)

// Known reports whether t is one of the part kinds with a typed shape.
func (t PartType) Known() bool {
	switch t {
	case PartTypeText, PartTypeReasoning, PartTypeToolCall, PartTypeSource, PartTypeFile:
		return true
	default:
		return false
	}
}

// Part is one piece of message content. Only the fields relevant to Type
// are populated. Parts of an unrecognized type keep their original JSON
// object in Raw and are re-encoded verbatim.
type Part struct {
	Type PartType `json:"type"`

	// Text and reasoning content
	Text string `json:"text,omitempty"`

	// Tool call content
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`

	// Source content
	SourceID string `json:"sourceId,omitempty"`
	URL      string `json:"url,omitempty"`
	Title    string `json:"title,omitempty"`

	// File content
	MediaType string `json:"mediaType,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Data      []byte `json:"data,omitempty"`

	// Raw holds the full JSON object of an unrecognized part.
	Raw json.RawMessage `json:"-"`
}

// TextPart creates a text part.
func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// partAlias prevents MarshalJSON/UnmarshalJSON recursion.
type partAlias Part

// MarshalJSON encodes known parts field by field and unknown parts from Raw.
func (p Part) MarshalJSON() ([]byte, error) {
	if !p.Type.Known() && len(p.Raw) > 0 {
		return p.Raw, nil
	}
	return json.Marshal(partAlias(p))
}

// UnmarshalJSON decodes a part, keeping the raw object for unrecognized types.
func (p *Part) UnmarshalJSON(data []byte) error {
	var head struct {
		Type PartType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("invalid message part: %w", err)
	}

	if !head.Type.Known() {
		*p = Part{Type: head.Type, Raw: append(json.RawMessage(nil), data...)}
		return nil
	}

	var alias partAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return fmt.Errorf("invalid %s part: %w", head.Type, err)
	}
	*p = Part(alias)
	return nil
}
