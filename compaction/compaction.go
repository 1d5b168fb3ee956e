package compaction

import (
	"time"

	"github.com/youssefsiam38/chatcompact/types"
)

// Logger interface for compaction logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a no-op implementation of Logger.
type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return noopLogger{} }

// Usage is point-in-time token accounting for a payload.
//
// TotalTokens always equals PinnedTokens + ArtifactTokens + SurvivingTokens.
// RemainingTokens is max(Budget-TotalTokens, 0) whenever Budget is set.
type Usage struct {
	TotalTokens             int       `json:"totalTokens"`
	PinnedTokens            int       `json:"pinnedTokens"`
	ArtifactTokens          int       `json:"artifactTokens"`
	SurvivingTokens         int       `json:"survivingTokens"`
	Budget                  *int      `json:"budget,omitempty"`
	RemainingTokens         *int      `json:"remainingTokens,omitempty"`
	EstimatedResponseTokens *int      `json:"estimatedResponseTokens,omitempty"`
	UpdatedAt               time.Time `json:"updatedAt"`
}

// PinnedBy identifies who pinned a message.
type PinnedBy string

const (
	PinnedByUser   PinnedBy = "user"
	PinnedBySystem PinnedBy = "system"
)

// PinnedMessage is a message protected from trimming.
type PinnedMessage struct {
	// ID equals the pinned message's ID.
	ID string `json:"id"`

	// Message is the copy of the message taken at pin time. The live
	// transcript copy wins when both exist.
	Message *types.Message `json:"message,omitempty"`

	// PinnedAt orders pins that are not found in the transcript.
	PinnedAt time.Time `json:"pinnedAt"`

	PinnedBy PinnedBy `json:"pinnedBy,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// Artifact is a generated summary standing in for trimmed messages.
type Artifact struct {
	ID               string     `json:"id"`
	Title            string     `json:"title,omitempty"`
	Summary          string     `json:"summary"`
	Category         string     `json:"category,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        *time.Time `json:"updatedAt,omitempty"`
	TokensSaved      *int       `json:"tokensSaved,omitempty"`
	SourceMessageIDs []string   `json:"sourceMessageIds,omitempty"`
	Editable         bool       `json:"editable,omitempty"`
}

// Snapshot records one compaction decision. SurvivingMessageIDs and
// ExcludedMessageIDs never share an ID.
type Snapshot struct {
	ID                  string    `json:"id"`
	CreatedAt           time.Time `json:"createdAt"`
	SurvivingMessageIDs []string  `json:"survivingMessageIds"`
	ArtifactIDs         []string  `json:"artifactIds"`
	ExcludedMessageIDs  []string  `json:"excludedMessageIds,omitempty"`
	TokensBefore        *int      `json:"tokensBefore,omitempty"`
	TokensAfter         *int      `json:"tokensAfter,omitempty"`
	TokensSaved         *int      `json:"tokensSaved,omitempty"`
	Reason              string    `json:"reason,omitempty"`
}

// EventType classifies an entry of the compaction audit log.
type EventType string

const (
	EventPinned    EventType = "pinned"
	EventUnpinned  EventType = "unpinned"
	EventArtifact  EventType = "artifact"
	EventSnapshot  EventType = "snapshot"
	EventUsage     EventType = "usage"
	EventError     EventType = "error"
	EventHydrated  EventType = "hydrated"
	EventPersisted EventType = "persisted"
)

// EventLevel is the severity of an Event.
type EventLevel string

const (
	LevelInfo  EventLevel = "info"
	LevelWarn  EventLevel = "warn"
	LevelError EventLevel = "error"
)

// Event is an append-only audit log entry.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Level     EventLevel     `json:"level,omitempty"`
	Message   string         `json:"message,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ModelMetadata describes the active model's budget parameters.
type ModelMetadata struct {
	ModelID             string     `json:"modelId,omitempty"`
	ModelLabel          string     `json:"modelLabel,omitempty"`
	ContextWindowTokens *int       `json:"contextWindowTokens,omitempty"`
	MaxOutputTokens     *int       `json:"maxOutputTokens,omitempty"`
	LastUpdatedAt       *time.Time `json:"lastUpdatedAt,omitempty"`
}

// PersistedState is the durable projection of a StateStore. It is stored
// under MetadataKey in the thread record's metadata.
type PersistedState struct {
	Snapshot       *Snapshot     `json:"snapshot"`
	Artifacts      []Artifact    `json:"artifacts"`
	Usage          *Usage        `json:"usage"`
	Metadata       ModelMetadata `json:"metadata"`
	ShouldCompress bool          `json:"shouldCompress"`
	OverBudget     bool          `json:"overBudget"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy of the state.
func (s *PersistedState) Clone() *PersistedState {
	if s == nil {
		return nil
	}
	return deepCopy(s)
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }
