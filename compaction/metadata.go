package compaction

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/youssefsiam38/chatcompact/types"
)

// MetadataKey is the reserved key used both on message metadata and on the
// thread record's metadata.
const MetadataKey = "compression"

// EventMessagePrefix prefixes the ID of compression event messages.
const EventMessagePrefix = "compression-event-"

// maxEventArtifacts caps the artifact summaries quoted in an event message.
const maxEventArtifacts = 5

// PinnedState is the pin fact embedded in a message.
type PinnedState struct {
	PinnedAt time.Time `json:"pinnedAt"`
	PinnedBy PinnedBy  `json:"pinnedBy,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// StateKind distinguishes transcript messages from compression event messages.
type StateKind string

const (
	KindMessage StateKind = "message"
	KindEvent   StateKind = "event"
)

// CompressionState is the compaction fact embedded in a message.
type CompressionState struct {
	SnapshotID   string    `json:"snapshotId"`
	CompressedAt time.Time `json:"compressedAt"`
	Surviving    bool      `json:"surviving"`
	Kind         StateKind `json:"kind"`
	Reason       string    `json:"reason,omitempty"`
	ArtifactIDs  []string  `json:"artifactIds,omitempty"`
}

// MessageMetadata is the value stored under MetadataKey on a message.
type MessageMetadata struct {
	Pinned      *PinnedState      `json:"pinned,omitempty"`
	Compression *CompressionState `json:"compression,omitempty"`
}

func (m MessageMetadata) empty() bool {
	return m.Pinned == nil && m.Compression == nil
}

var metadataEquality = cmp.Options{cmpopts.EquateEmpty()}

// ReadMetadata returns the compaction metadata embedded in m. It accepts the
// typed value as well as its decoded JSON form; malformed values read as empty.
func ReadMetadata(m *types.Message) MessageMetadata {
	if m == nil || m.Metadata == nil {
		return MessageMetadata{}
	}
	switch v := m.Metadata[MetadataKey].(type) {
	case nil:
		return MessageMetadata{}
	case MessageMetadata:
		return v
	case *MessageMetadata:
		if v == nil {
			return MessageMetadata{}
		}
		return *v
	case json.RawMessage:
		return decodeMetadata(v)
	case []byte:
		return decodeMetadata(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return MessageMetadata{}
		}
		return decodeMetadata(raw)
	}
}

func decodeMetadata(raw []byte) MessageMetadata {
	var md MessageMetadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return MessageMetadata{}
	}
	return md
}

// WithPinnedState sets or, when state is nil, clears the pin fact of m.
// m itself is returned when nothing changes.
func WithPinnedState(m *types.Message, state *PinnedState) *types.Message {
	if m == nil {
		return nil
	}
	cur := ReadMetadata(m)
	if cmp.Equal(cur.Pinned, state, metadataEquality) {
		return m
	}
	next := cur
	if state != nil {
		s := *state
		next.Pinned = &s
	} else {
		next.Pinned = nil
	}
	return withMetadata(m, next)
}

// WithCompressionState sets or, when state is nil, clears the compaction
// fact of m. m itself is returned when nothing changes.
func WithCompressionState(m *types.Message, state *CompressionState) *types.Message {
	if m == nil {
		return nil
	}
	cur := ReadMetadata(m)
	if cmp.Equal(cur.Compression, state, metadataEquality) {
		return m
	}
	next := cur
	if state != nil {
		s := *state
		s.ArtifactIDs = append([]string(nil), state.ArtifactIDs...)
		next.Compression = &s
	} else {
		next.Compression = nil
	}
	return withMetadata(m, next)
}

func withMetadata(m *types.Message, md MessageMetadata) *types.Message {
	out := m.Clone()
	if md.empty() {
		delete(out.Metadata, MetadataKey)
		if len(out.Metadata) == 0 {
			out.Metadata = nil
		}
		return out
	}
	if out.Metadata == nil {
		out.Metadata = make(map[string]any, 1)
	}
	out.Metadata[MetadataKey] = md
	return out
}

// IsEventMessage reports whether m is a compression event message.
func IsEventMessage(m *types.Message) bool {
	st := ReadMetadata(m).Compression
	return st != nil && st.Kind == KindEvent
}

// ExtractPinnedMessages rebuilds pins from the metadata embedded in msgs,
// in transcript order.
func ExtractPinnedMessages(msgs []*types.Message) []PinnedMessage {
	var pins []PinnedMessage
	for _, m := range msgs {
		p := ReadMetadata(m).Pinned
		if p == nil {
			continue
		}
		by := p.PinnedBy
		if by == "" {
			by = PinnedByUser
		}
		pins = append(pins, PinnedMessage{
			ID:       m.ID,
			Message:  m,
			PinnedAt: p.PinnedAt,
			PinnedBy: by,
			Reason:   p.Reason,
		})
	}
	return pins
}

// EventMessageID returns the deterministic ID of a snapshot's event message.
func EventMessageID(snapshotID string) string {
	return EventMessagePrefix + snapshotID
}

// CompressionEventMessage renders a snapshot as a system message with a
// human-readable digest. Only artifacts referenced by the snapshot are
// quoted when it lists any.
func CompressionEventMessage(snap *Snapshot, artifacts []Artifact, budget *int) *types.Message {
	if snap == nil {
		return nil
	}

	var b strings.Builder
	b.WriteString("Conversation compacted")
	if snap.Reason != "" {
		fmt.Fprintf(&b, " (%s)", snap.Reason)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Tokens before: %s\n", formatOptionalInt(snap.TokensBefore))
	fmt.Fprintf(&b, "Tokens after: %s\n", formatOptionalInt(snap.TokensAfter))
	fmt.Fprintf(&b, "Tokens saved: %s\n", formatOptionalInt(snap.TokensSaved))
	if budget != nil {
		fmt.Fprintf(&b, "Budget: %d tokens\n", *budget)
	} else {
		b.WriteString("Budget: unlimited\n")
	}

	quoted := artifactsForSnapshot(snap, artifacts)
	if len(quoted) > maxEventArtifacts {
		quoted = quoted[:maxEventArtifacts]
	}
	if len(quoted) > 0 {
		b.WriteString("Summaries:\n")
		for _, a := range quoted {
			line := collapseWhitespace(a.Summary)
			if a.Title != "" {
				line = a.Title + ": " + line
			}
			fmt.Fprintf(&b, "- %s\n", truncateRunes(line, summaryLineLimit))
		}
	}

	msg := &types.Message{
		ID:        EventMessageID(snap.ID),
		Role:      types.RoleSystem,
		Parts:     []types.Part{types.TextPart(strings.TrimRight(b.String(), "\n"))},
		CreatedAt: snap.CreatedAt,
	}
	return WithCompressionState(msg, &CompressionState{
		SnapshotID:   snap.ID,
		CompressedAt: snap.CreatedAt,
		Surviving:    true,
		Kind:         KindEvent,
		Reason:       snap.Reason,
		ArtifactIDs:  snap.ArtifactIDs,
	})
}

func artifactsForSnapshot(snap *Snapshot, artifacts []Artifact) []Artifact {
	if len(snap.ArtifactIDs) == 0 {
		return artifacts
	}
	byID := make(map[string]Artifact, len(artifacts))
	for _, a := range artifacts {
		byID[a.ID] = a
	}
	out := make([]Artifact, 0, len(snap.ArtifactIDs))
	for _, id := range snap.ArtifactIDs {
		if a, ok := byID[id]; ok {
			out = append(out, a)
		}
	}
	return out
}

func formatOptionalInt(v *int) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%d", *v)
}

// UpsertCompressionEvent replaces the message with event's ID in place or
// appends event. msgs itself is returned when nothing changes.
func UpsertCompressionEvent(msgs []*types.Message, event *types.Message) []*types.Message {
	if event == nil {
		return msgs
	}
	for i, m := range msgs {
		if m == nil || m.ID != event.ID {
			continue
		}
		if EquivalentMessages(m, event) {
			return msgs
		}
		out := make([]*types.Message, len(msgs))
		copy(out, msgs)
		out[i] = event
		return out
	}
	out := make([]*types.Message, len(msgs), len(msgs)+1)
	copy(out, msgs)
	return append(out, event)
}

// ApplySnapshot stamps the compaction fact of snap onto every message the
// snapshot decided on. Undecided messages and event messages are left
// alone. msgs itself is returned when nothing changes.
func ApplySnapshot(msgs []*types.Message, snap *Snapshot) []*types.Message {
	if snap == nil {
		return msgs
	}
	surviving := toSet(snap.SurvivingMessageIDs)
	excluded := toSet(snap.ExcludedMessageIDs)

	var out []*types.Message
	for i, m := range msgs {
		if m == nil || IsEventMessage(m) {
			continue
		}
		var keep bool
		switch {
		case excluded[m.ID]:
			keep = false
		case surviving[m.ID]:
			keep = true
		default:
			continue
		}
		next := WithCompressionState(m, &CompressionState{
			SnapshotID:   snap.ID,
			CompressedAt: snap.CreatedAt,
			Surviving:    keep,
			Kind:         KindMessage,
			Reason:       snap.Reason,
			ArtifactIDs:  snap.ArtifactIDs,
		})
		if next == m {
			continue
		}
		if out == nil {
			out = make([]*types.Message, len(msgs))
			copy(out, msgs)
		}
		out[i] = next
	}
	if out == nil {
		return msgs
	}
	return out
}

// ClearCompressionState removes compaction facts and event messages from
// msgs. Pin facts are kept. msgs itself is returned when nothing changes.
func ClearCompressionState(msgs []*types.Message) []*types.Message {
	changed := false
	out := make([]*types.Message, 0, len(msgs))
	for _, m := range msgs {
		if IsEventMessage(m) {
			changed = true
			continue
		}
		next := WithCompressionState(m, nil)
		if next != m {
			changed = true
		}
		out = append(out, next)
	}
	if !changed {
		return msgs
	}
	return out
}

// EquivalentMessages compares two messages structurally, treating the typed
// and decoded-JSON forms of the compaction metadata as equal.
func EquivalentMessages(a, b *types.Message) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.ID != b.ID || a.Role != b.Role || !a.CreatedAt.Equal(b.CreatedAt) {
		return false
	}
	if !cmp.Equal(a.Parts, b.Parts, metadataEquality) {
		return false
	}
	if !cmp.Equal(ReadMetadata(a), ReadMetadata(b), metadataEquality) {
		return false
	}
	return cmp.Equal(otherMetadata(a), otherMetadata(b), metadataEquality)
}

func otherMetadata(m *types.Message) map[string]any {
	out := make(map[string]any, len(m.Metadata))
	for k, v := range m.Metadata {
		if k != MetadataKey {
			out[k] = v
		}
	}
	return out
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
