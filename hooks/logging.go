package hooks

import (
	"context"

	"github.com/youssefsiam38/chatcompact/compaction"
)

// LoggingHooks provides built-in logging hooks for observability
type LoggingHooks struct {
	logger compaction.Logger
}

// NewLoggingHooks creates logging hooks with the provided logger
func NewLoggingHooks(logger compaction.Logger) *LoggingHooks {
	if logger == nil {
		logger = compaction.NopLogger()
	}
	return &LoggingHooks{logger: logger}
}

// Register adds every logging hook to the registry.
func (h *LoggingHooks) Register(r *Registry) {
	r.OnBeforeCompaction(h.BeforeCompaction)
	r.OnAfterCompaction(h.AfterCompaction)
	r.OnCompactionError(h.CompactionError)
	r.OnPersist(h.Persist)
}

// BeforeCompaction logs before a summarization cycle
func (h *LoggingHooks) BeforeCompaction(ctx context.Context, threadID string, usage *compaction.Usage) error {
	args := []any{"thread_id", threadID}
	if usage != nil {
		args = append(args, "total_tokens", usage.TotalTokens)
		if usage.Budget != nil {
			args = append(args, "budget", *usage.Budget)
		}
	}
	h.logger.Info("starting compaction", args...)
	return nil
}

// AfterCompaction logs the applied snapshot
func (h *LoggingHooks) AfterCompaction(ctx context.Context, threadID string, snapshot *compaction.Snapshot, artifacts []compaction.Artifact) error {
	if snapshot == nil {
		return nil
	}

	reduction := float64(0)
	if snapshot.TokensBefore != nil && snapshot.TokensAfter != nil && *snapshot.TokensBefore > 0 {
		reduction = float64(*snapshot.TokensBefore-*snapshot.TokensAfter) / float64(*snapshot.TokensBefore) * 100
	}

	h.logger.Info("compaction complete",
		"thread_id", threadID,
		"snapshot_id", snapshot.ID,
		"surviving", len(snapshot.SurvivingMessageIDs),
		"excluded", len(snapshot.ExcludedMessageIDs),
		"artifacts", len(artifacts),
		"reduction_pct", reduction,
	)
	return nil
}

// CompactionError logs a failed summarization
func (h *LoggingHooks) CompactionError(ctx context.Context, threadID string, err error) {
	h.logger.Error("compaction failed", "thread_id", threadID, "error", err)
}

// Persist logs a state write
func (h *LoggingHooks) Persist(ctx context.Context, threadID string, state *compaction.PersistedState) error {
	args := []any{"thread_id", threadID}
	if state != nil {
		args = append(args, "artifacts", len(state.Artifacts), "should_compress", state.ShouldCompress)
		if state.Snapshot != nil {
			args = append(args, "snapshot_id", state.Snapshot.ID)
		}
	}
	h.logger.Debug("compression state persisted", args...)
	return nil
}
