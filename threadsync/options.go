package threadsync

import (
	"time"

	"github.com/youssefsiam38/chatcompact/compaction"
	"github.com/youssefsiam38/chatcompact/hooks"
	"github.com/youssefsiam38/chatcompact/metrics"
	"github.com/youssefsiam38/chatcompact/storage"
	"github.com/youssefsiam38/chatcompact/types"
)

// Options configures a Syncer. Store is required.
type Options struct {
	// Store is the external thread store that holds transcripts and the
	// persisted compression record.
	Store storage.ThreadStore

	// State is the in-memory compression state. Defaults to a fresh store;
	// pass compaction.Default() to share the process-wide one.
	State *compaction.StateStore

	// Summarizer runs when the payload crosses the threshold. Defaults to
	// compaction.NewDefaultSummarizer().
	Summarizer compaction.Summarizer

	Hooks     *hooks.Registry
	Metrics   *metrics.Metrics
	Logger    compaction.Logger
	Estimator compaction.TokenEstimator

	// Models are the selectable models. When compaction is enabled each one
	// must declare a positive context window.
	Models      []compaction.Model
	ActiveModel string
	Config      compaction.Config

	// OnError receives summarization and persistence failures.
	OnError func(threadID string, err error)

	// OnTranscript receives the transcript whenever the syncer rewrites it
	// outside a Sync call, for example after an asynchronous compaction.
	OnTranscript func(threadID string, messages []*types.Message)

	Now func() time.Time
}

// Status is the lifecycle state of the current thread.
type Status string

const (
	StatusUnloaded   Status = "unloaded"
	StatusHydrating  Status = "hydrating"
	StatusSynced     Status = "synced"
	StatusDirty      Status = "dirty"
	StatusPersisting Status = "persisting"
)

// SideEffects reports what a Sync call changed. Messages is the transcript
// the host should adopt; it is the input slice when nothing was stamped.
type SideEffects struct {
	ThreadID string
	Messages []*types.Message
	Payload  *compaction.Payload
	Status   Status

	Hydrated            bool
	UsageChanged        bool
	CompactionScheduled bool
	Persisted           bool
}
