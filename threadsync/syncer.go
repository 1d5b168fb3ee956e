// Package threadsync keeps a conversation thread, its compression state and
// the external thread store consistent.
//
// The host calls Sync on every transcript change. The syncer recomputes
// usage when the transcript content changes, starts the summarizer in the
// background when the payload crosses the threshold, stamps compaction
// decisions onto the transcript and persists the compression record.
package threadsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/youssefsiam38/chatcompact/compaction"
	"github.com/youssefsiam38/chatcompact/hooks"
	"github.com/youssefsiam38/chatcompact/metrics"
	"github.com/youssefsiam38/chatcompact/storage"
	"github.com/youssefsiam38/chatcompact/types"
)

const tracerName = "github.com/youssefsiam38/chatcompact/threadsync"

// ManualCompactionReason is the snapshot reason used by Compact when the
// caller gives none.
const ManualCompactionReason = "manual"

var (
	// ErrSuperseded is returned when a newer thread switch overtook the operation.
	ErrSuperseded = errors.New("superseded by a newer thread switch")

	// ErrNoThread is returned when an operation needs a loaded thread.
	ErrNoThread = errors.New("no thread loaded")

	// ErrMessageNotFound is returned when a message id is not in the transcript.
	ErrMessageNotFound = errors.New("message not found in transcript")

	// ErrCompactionInProgress is returned by Compact while a cycle is running.
	ErrCompactionInProgress = errors.New("compaction already in progress")
)

// Syncer orchestrates compaction for one active thread at a time. All state
// changes are serialized behind a single mutex; only the summarizer runs
// outside it.
type Syncer struct {
	mu sync.Mutex

	store        storage.ThreadStore
	state        *compaction.StateStore
	summarizer   compaction.Summarizer
	hooks        *hooks.Registry
	metrics      *metrics.Metrics
	logger       compaction.Logger
	estimator    compaction.TokenEstimator
	tracer       trace.Tracer
	onError      func(threadID string, err error)
	onTranscript func(threadID string, messages []*types.Message)
	now          func() time.Time

	models      []compaction.Model
	activeModel string
	config      compaction.Config

	threadID   string
	generation uint64
	status     Status
	transcript []*types.Message
	// transcript as last read from or written to the store
	saved   []*types.Message
	payload *compaction.Payload

	// signature of the transcript the payload was computed from
	signature string
	// forces a recompute when pins, artifacts or the model changed
	dirty bool
	// signature at which the last cycle finished, to avoid re-running on
	// an unchanged transcript that still exceeds the threshold
	compactedSig string
	inFlight     bool

	hydrated      *compaction.PersistedState
	lastPersisted *compaction.PersistedState
	recordPresent bool

	// callbacks to run once the mutex is released
	pending []func()
	wg      sync.WaitGroup
}

// New validates the configuration and creates a Syncer. Configuration
// errors are the only errors the syncer reports synchronously.
func New(opts Options) (*Syncer, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: thread store is required", compaction.ErrInvalidConfig)
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if err := compaction.ValidateModels(opts.Config.Normalize(nil).Enabled, opts.Models); err != nil {
		return nil, err
	}
	if opts.ActiveModel != "" && findModel(opts.Models, opts.ActiveModel) == nil {
		return nil, fmt.Errorf("%w: unknown active model %q", compaction.ErrInvalidConfig, opts.ActiveModel)
	}

	s := &Syncer{
		store:        opts.Store,
		state:        opts.State,
		summarizer:   opts.Summarizer,
		hooks:        opts.Hooks,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		estimator:    opts.Estimator,
		tracer:       otel.Tracer(tracerName),
		onError:      opts.OnError,
		onTranscript: opts.OnTranscript,
		now:          opts.Now,
		models:       append([]compaction.Model(nil), opts.Models...),
		activeModel:  opts.ActiveModel,
		config:       opts.Config,
		status:       StatusUnloaded,
	}
	if s.state == nil {
		s.state = compaction.NewStateStore()
	}
	if s.summarizer == nil {
		s.summarizer = compaction.NewDefaultSummarizer()
	}
	if s.hooks == nil {
		s.hooks = hooks.NewRegistry()
	}
	if s.logger == nil {
		s.logger = compaction.NopLogger()
	}
	if s.estimator == nil {
		s.estimator = compaction.CharEstimator{}
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s, nil
}

// unlock releases the mutex and runs the callbacks queued while it was held.
func (s *Syncer) unlock() {
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

func (s *Syncer) afterUnlock(fn func()) {
	s.pending = append(s.pending, fn)
}

// Sync reconciles the compression state with the given transcript. It
// hydrates first when threadID differs from the loaded thread or the thread
// is still hydrating; a pending hydration is then superseded. A nil
// transcript on a thread switch adopts the stored transcript.
func (s *Syncer) Sync(ctx context.Context, threadID string, transcript []*types.Message) (*SideEffects, error) {
	ctx, span := s.tracer.Start(ctx, "threadsync.Sync", trace.WithAttributes(
		attribute.String("thread_id", threadID),
		attribute.Int("messages", len(transcript)),
	))
	defer span.End()

	fx := &SideEffects{ThreadID: threadID}

	s.mu.Lock()
	if threadID != s.threadID || s.status == StatusUnloaded || s.status == StatusHydrating {
		s.mu.Unlock()

		hydrated, err := s.SwitchThread(ctx, threadID)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		fx.Hydrated = hydrated.Hydrated
		if transcript == nil {
			transcript = hydrated.Messages
		}

		s.mu.Lock()
		if s.threadID != threadID || s.status == StatusHydrating {
			s.mu.Unlock()
			return nil, ErrSuperseded
		}
	}
	defer s.unlock()

	s.syncLocked(ctx, transcript, false, fx)

	span.SetAttributes(
		attribute.String("status", string(fx.Status)),
		attribute.Bool("compaction_scheduled", fx.CompactionScheduled),
	)
	return fx, nil
}

// SwitchThread makes threadID the active thread and hydrates the store from
// its persisted record. Switching abandons in-flight work for the previous
// thread. Re-hydrating an unchanged record is a no-op.
func (s *Syncer) SwitchThread(ctx context.Context, threadID string) (*SideEffects, error) {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.inFlight = false
	if threadID != s.threadID {
		s.threadID = threadID
		s.resetThreadLocked()
	}
	s.status = StatusHydrating
	s.mu.Unlock()

	thread, err := s.store.GetThread(ctx, threadID)
	if errors.Is(err, storage.ErrThreadNotFound) {
		thread, err = nil, nil
	}
	var ps *compaction.PersistedState
	if err == nil && thread != nil {
		ps, err = decodePersisted(thread.Metadata[compaction.MetadataKey])
	}

	s.mu.Lock()
	defer s.unlock()

	if gen != s.generation {
		return nil, ErrSuperseded
	}

	fx := &SideEffects{ThreadID: threadID}
	if err != nil {
		// The in-memory state stays authoritative until the next successful persist.
		s.reportLocked("Hydrate", compaction.WrapErrorWithThread("Hydrate", threadID, fmt.Errorf("%w: %v", compaction.ErrStorageError, err)))
	}

	var messages []*types.Message
	if thread != nil {
		messages = thread.Messages
	}

	if ps != nil && !compaction.EqualPersisted(ps, s.hydrated) {
		s.state.Hydrate(ps)
		s.hydrated = ps.Clone()
		s.lastPersisted = ps.Clone()
		s.recordPresent = true
		s.dirty = true
		fx.Hydrated = true
		s.logger.Debug("hydrated compression state", "thread_id", threadID)
	}

	s.transcript = messages
	s.saved = messages
	cfg := s.resolvedConfigLocked()
	s.applyConfigLocked(cfg)
	s.syncPinsLocked()
	s.transcript = s.stampLocked(messages)
	s.settleLocked()

	fx.Messages = s.transcript
	fx.Status = s.status
	return fx, nil
}

func (s *Syncer) resetThreadLocked() {
	s.inFlight = false
	s.transcript = nil
	s.saved = nil
	s.payload = nil
	s.signature = ""
	s.compactedSig = ""
	s.dirty = true
	s.hydrated = nil
	s.lastPersisted = nil
	s.recordPresent = false
	s.state.Reset()
}

// syncLocked is the shared body of Sync, Pin and Unpin.
func (s *Syncer) syncLocked(ctx context.Context, transcript []*types.Message, saveTranscript bool, fx *SideEffects) {
	s.transcript = transcript

	cfg := s.resolvedConfigLocked()
	s.applyConfigLocked(cfg)

	if !cfg.Enabled {
		s.clearCompactionLocked()
	}
	s.syncPinsLocked()

	payload := s.recomputeLocked(cfg, fx)
	fx.Payload = payload

	if cfg.Enabled && payload.ShouldCompress {
		s.scheduleLocked(ctx, cfg, payload, "threshold", fx)
	}

	s.persistLocked(ctx, saveTranscript, fx)

	fx.Messages = s.transcript
	fx.Status = s.status
}

// applyConfigLocked pushes the resolved config and model metadata into the
// store when they changed.
func (s *Syncer) applyConfigLocked(cfg compaction.NormalizedConfig) {
	st := s.state.Snapshot()
	if !cmp.Equal(st.Config, cfg) {
		s.state.SetConfig(cfg)
		s.dirty = true
	}

	var md compaction.ModelMetadata
	if m := s.activeModelLocked(); m != nil {
		md = m.Metadata(s.now())
	}
	if !cmp.Equal(st.Metadata, md, cmpopts.IgnoreFields(compaction.ModelMetadata{}, "LastUpdatedAt")) {
		s.state.SetMetadata(md)
	}
}

func (s *Syncer) clearCompactionLocked() {
	st := s.state.Snapshot()
	if st.Snapshot != nil {
		s.state.SetSnapshot(nil)
		s.dirty = true
	}
	if len(st.Artifacts) > 0 {
		s.state.SetArtifacts(nil)
		s.dirty = true
	}
}

// syncPinsLocked replaces the store's pins with those embedded in the
// transcript when the two differ structurally.
func (s *Syncer) syncPinsLocked() {
	fromTranscript := compaction.ExtractPinnedMessages(s.transcript)
	if samePins(fromTranscript, s.state.Snapshot().Pinned) {
		return
	}
	s.state.SetPinned(fromTranscript)
	s.dirty = true
}

// recomputeLocked rebuilds the payload when the transcript signature changed
// or the inputs were marked dirty. The store's usage is written only when it
// changed meaningfully.
func (s *Syncer) recomputeLocked(cfg compaction.NormalizedConfig, fx *SideEffects) *compaction.Payload {
	sig := signature(s.transcript)
	if sig == s.signature && !s.dirty && s.payload != nil {
		return s.payload
	}
	s.signature = sig
	s.dirty = false

	st := s.state.Snapshot()
	p := compaction.BuildPayload(compaction.PayloadInput{
		Messages:                s.transcript,
		Pinned:                  st.Pinned,
		Artifacts:               st.Artifacts,
		Snapshot:                st.Snapshot,
		Config:                  cfg,
		Estimator:               s.estimator,
		EstimatedResponseTokens: s.responseTokensLocked(),
		Now:                     s.now(),
	})
	s.payload = p

	if usageChanged(st.Usage, &p.Usage) || st.ShouldCompress != p.ShouldCompress || st.OverBudget != p.OverBudget {
		usage := p.Usage
		s.state.SetUsage(&usage, p.ShouldCompress, p.OverBudget)
		s.metrics.ObserveUsage(&usage)
		s.status = StatusDirty
		fx.UsageChanged = true
	}
	return p
}

// scheduleLocked starts a background summarization cycle unless one is
// running or the transcript has not changed since the last cycle.
func (s *Syncer) scheduleLocked(ctx context.Context, cfg compaction.NormalizedConfig, payload *compaction.Payload, reason string, fx *SideEffects) {
	if s.inFlight || s.signature == s.compactedSig {
		return
	}

	sc := s.summarizeContextLocked(cfg, payload, reason)
	gen, threadID, sig, before := s.generation, s.threadID, s.signature, payload.Usage

	s.inFlight = true
	s.status = StatusDirty
	fx.CompactionScheduled = true

	// The cycle outlives the Sync call that started it.
	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, _ = s.runCompaction(bg, gen, threadID, sig, sc, before)
	}()
}

func (s *Syncer) summarizeContextLocked(cfg compaction.NormalizedConfig, payload *compaction.Payload, reason string) *compaction.SummarizeContext {
	st := s.state.Snapshot()
	usage := payload.Usage

	var budget *int
	if cfg.MaxTokenBudget != nil {
		budget = compaction.IntPtr(*cfg.MaxTokenBudget)
	}
	var model string
	if m := s.activeModelLocked(); m != nil {
		model = m.ID
	}

	return &compaction.SummarizeContext{
		Messages:       conversationMessages(s.transcript),
		PinnedMessages: st.Pinned,
		Artifacts:      st.Artifacts,
		Snapshot:       st.Snapshot,
		Budget:         budget,
		Usage:          &usage,
		Reason:         reason,
		Model:          model,
	}
}

// Compact runs a summarization cycle now, regardless of the threshold, and
// returns the applied snapshot.
func (s *Syncer) Compact(ctx context.Context, reason string) (*compaction.Snapshot, error) {
	if reason == "" {
		reason = ManualCompactionReason
	}

	s.mu.Lock()
	if s.status == StatusUnloaded {
		s.mu.Unlock()
		return nil, ErrNoThread
	}
	cfg := s.resolvedConfigLocked()
	if !cfg.Enabled {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: compaction is disabled", compaction.ErrInvalidConfig)
	}
	if len(conversationMessages(s.transcript)) == 0 {
		s.mu.Unlock()
		return nil, compaction.ErrNoMessagesToCompact
	}
	if s.inFlight {
		s.mu.Unlock()
		return nil, ErrCompactionInProgress
	}

	payload := s.recomputeLocked(cfg, &SideEffects{})
	sc := s.summarizeContextLocked(cfg, payload, reason)
	gen, threadID, sig, before := s.generation, s.threadID, s.signature, payload.Usage
	s.inFlight = true
	s.status = StatusDirty
	s.unlock()

	return s.runCompaction(ctx, gen, threadID, sig, sc, before)
}

// runCompaction calls the summarizer and applies its result if the thread
// generation is unchanged. A stale result is discarded silently.
func (s *Syncer) runCompaction(ctx context.Context, gen uint64, threadID, sig string, sc *compaction.SummarizeContext, before compaction.Usage) (*compaction.Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "threadsync.Compact", trace.WithAttributes(
		attribute.String("thread_id", threadID),
		attribute.String("reason", sc.Reason),
		attribute.Int("messages", len(sc.Messages)),
		attribute.Int("tokens_before", before.TotalTokens),
	))
	defer span.End()

	if err := s.hooks.TriggerBeforeCompaction(ctx, threadID, sc.Usage); err != nil {
		s.mu.Lock()
		defer s.unlock()
		if gen == s.generation {
			s.inFlight = false
			s.compactedSig = sig
			s.state.AppendEvent(compaction.Event{
				Type:    compaction.EventError,
				Level:   compaction.LevelWarn,
				Message: "compaction vetoed",
				Payload: map[string]any{"error": err.Error()},
			})
			s.settleLocked()
		}
		s.metrics.RecordCompaction(metrics.ResultVetoed, 0)
		s.logger.Info("compaction vetoed by hook", "thread_id", threadID, "error", err)
		span.SetStatus(codes.Error, "vetoed")
		return nil, err
	}

	start := time.Now()
	res, err := s.summarizer.Summarize(ctx, sc)
	s.metrics.ObserveSummarize(time.Since(start))

	s.mu.Lock()
	defer s.unlock()

	if gen != s.generation {
		s.metrics.RecordCompaction(metrics.ResultDiscarded, 0)
		s.logger.Debug("discarding stale compaction result", "thread_id", threadID)
		return nil, ErrSuperseded
	}
	s.inFlight = false
	s.compactedSig = sig

	if err == nil && res == nil {
		err = compaction.ErrSummarizationFailed
	}
	if err == nil && !s.resolvedConfigLocked().Enabled {
		s.metrics.RecordCompaction(metrics.ResultDiscarded, 0)
		s.settleLocked()
		return nil, fmt.Errorf("%w: compaction was disabled", compaction.ErrInvalidConfig)
	}
	if err != nil {
		err = compaction.NewCompactionError("Summarize", err).WithThread(threadID).WithContext("reason", sc.Reason)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.RecordCompaction(metrics.ResultFailed, 0)
		s.reportLocked("Summarize", err)
		s.afterUnlock(func() { s.hooks.TriggerCompactionError(ctx, threadID, err) })
		s.settleLocked()
		return nil, err
	}

	snap := s.applyLocked(ctx, sc, res, before)
	span.SetAttributes(attribute.Int("tokens_after", *snap.TokensAfter))
	return snap, nil
}

// applyLocked turns a summarizer result into a snapshot, updates the store
// and persists.
func (s *Syncer) applyLocked(ctx context.Context, sc *compaction.SummarizeContext, res *compaction.SummarizeResult, before compaction.Usage) *compaction.Snapshot {
	threadID := s.threadID

	keep := make(map[string]bool, len(res.SurvivingMessageIDs)+len(sc.PinnedMessages))
	var surviving []string
	for _, id := range res.SurvivingMessageIDs {
		if !keep[id] {
			keep[id] = true
			surviving = append(surviving, id)
		}
	}
	for _, p := range sc.PinnedMessages {
		keep[p.ID] = true
	}
	var excluded []string
	for _, m := range sc.Messages {
		if !keep[m.ID] {
			excluded = append(excluded, m.ID)
		}
	}
	artifactIDs := make([]string, 0, len(res.Artifacts))
	for _, a := range res.Artifacts {
		artifactIDs = append(artifactIDs, a.ID)
	}

	snap := &compaction.Snapshot{
		ID:                  uuid.NewString(),
		CreatedAt:           s.now(),
		SurvivingMessageIDs: surviving,
		ArtifactIDs:         artifactIDs,
		ExcludedMessageIDs:  excluded,
		TokensBefore:        compaction.IntPtr(before.TotalTokens),
		Reason:              sc.Reason,
	}

	// Second pass: the final usage under the proposed snapshot.
	cfg := s.resolvedConfigLocked()
	st := s.state.Snapshot()
	final := compaction.BuildPayload(compaction.PayloadInput{
		Messages:                s.transcript,
		Pinned:                  st.Pinned,
		Artifacts:               res.Artifacts,
		Snapshot:                snap,
		Config:                  cfg,
		Estimator:               s.estimator,
		EstimatedResponseTokens: s.responseTokensLocked(),
		Now:                     s.now(),
	})
	saved := max(before.TotalTokens-final.Usage.TotalTokens, 0)
	snap.TokensAfter = compaction.IntPtr(final.Usage.TotalTokens)
	snap.TokensSaved = compaction.IntPtr(saved)

	usage := final.Usage
	s.state.SetArtifacts(res.Artifacts)
	s.state.SetSnapshot(snap)
	s.state.SetUsage(&usage, final.ShouldCompress, final.OverBudget)
	s.metrics.ObserveUsage(&usage)
	s.metrics.RecordCompaction(metrics.ResultApplied, saved)
	s.payload = final
	s.signature = signature(s.transcript)

	s.logger.Info("compaction applied",
		"thread_id", threadID,
		"snapshot_id", snap.ID,
		"excluded", len(excluded),
		"artifacts", len(artifactIDs),
		"tokens_saved", saved,
	)

	hookSnap := *snap
	hookArtifacts := append([]compaction.Artifact(nil), res.Artifacts...)
	s.afterUnlock(func() {
		_ = s.hooks.TriggerAfterCompaction(ctx, threadID, &hookSnap, hookArtifacts)
	})

	previous := s.transcript
	s.persistLocked(ctx, false, &SideEffects{})
	if s.onTranscript != nil && !sameMessages(previous, s.transcript) {
		messages := s.transcript
		s.afterUnlock(func() { s.onTranscript(threadID, messages) })
	}
	return snap
}

// persistLocked stamps the transcript and writes it together with the
// persisted record when either changed since the last write. Disabled
// compaction clears both.
func (s *Syncer) persistLocked(ctx context.Context, saveTranscript bool, fx *SideEffects) {
	threadID := s.threadID
	enabled := s.resolvedConfigLocked().Enabled

	messages := s.stampLocked(s.transcript)
	s.transcript = messages
	transcriptChanged := saveTranscript || !sameMessages(messages, s.saved)

	var ps *compaction.PersistedState
	var stateChanged bool
	if enabled {
		ps = s.state.Persisted()
		stateChanged = !compaction.EqualPersisted(ps, s.lastPersisted)
	} else {
		stateChanged = s.recordPresent
	}

	if !transcriptChanged && !stateChanged {
		s.settleLocked()
		return
	}

	s.status = StatusPersisting

	// The record and the stamps it describes are written together.
	if err := s.store.SaveMessages(ctx, threadID, messages); err != nil {
		s.persistFailedLocked(threadID, err)
		return
	}
	s.saved = messages

	if stateChanged {
		var value json.RawMessage
		if enabled {
			raw, err := json.Marshal(ps)
			if err != nil {
				s.persistFailedLocked(threadID, err)
				return
			}
			value = raw
		}
		if err := s.store.SetMetadata(ctx, threadID, compaction.MetadataKey, value); err != nil {
			s.persistFailedLocked(threadID, err)
			return
		}

		if enabled {
			s.lastPersisted = ps.Clone()
			s.recordPresent = true
			s.state.AppendEvent(compaction.Event{
				Type:    compaction.EventPersisted,
				Level:   compaction.LevelInfo,
				Payload: map[string]any{"threadId": threadID},
			})
			s.afterUnlock(func() { _ = s.hooks.TriggerPersist(ctx, threadID, ps) })
		} else {
			s.lastPersisted = nil
			s.recordPresent = false
		}
	}

	fx.Persisted = true
	s.settleLocked()
}

func (s *Syncer) persistFailedLocked(threadID string, err error) {
	s.metrics.RecordPersistError()
	s.status = StatusDirty
	s.reportLocked("Persist", compaction.WrapErrorWithThread("Persist", threadID, fmt.Errorf("%w: %v", compaction.ErrStorageError, err)))
}

// reportLocked records a non-fatal failure as an error event, logs it and
// queues the OnError callback.
func (s *Syncer) reportLocked(op string, err error) {
	threadID := s.threadID
	s.state.AppendEvent(compaction.Event{
		Type:    compaction.EventError,
		Level:   compaction.LevelError,
		Message: err.Error(),
		Payload: map[string]any{"op": op, "threadId": threadID},
	})
	s.logger.Error("compaction sync failed", "op", op, "thread_id", threadID, "error", err)
	if s.onError != nil {
		s.afterUnlock(func() { s.onError(threadID, err) })
	}
}

// stampLocked applies the snapshot in effect to msgs, or clears every stamp
// when compaction is disabled.
func (s *Syncer) stampLocked(msgs []*types.Message) []*types.Message {
	cfg := s.resolvedConfigLocked()
	if !cfg.Enabled {
		return compaction.ClearCompressionState(msgs)
	}

	st := s.state.Snapshot()
	if st.Snapshot == nil {
		return msgs
	}
	out := compaction.ApplySnapshot(msgs, st.Snapshot)
	return compaction.UpsertCompressionEvent(out, compaction.CompressionEventMessage(st.Snapshot, st.Artifacts, cfg.MaxTokenBudget))
}

func (s *Syncer) settleLocked() {
	if s.inFlight {
		s.status = StatusDirty
		return
	}
	s.status = StatusSynced
}

// Pin pins a transcript message, stamps it and persists the transcript.
func (s *Syncer) Pin(ctx context.Context, messageID, reason string) (*SideEffects, error) {
	s.mu.Lock()
	defer s.unlock()

	idx := indexOf(s.transcript, messageID)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}

	now := s.now()
	err := s.state.Pin(compaction.PinnedMessage{
		ID:       messageID,
		Message:  s.transcript[idx],
		PinnedAt: now,
		PinnedBy: compaction.PinnedByUser,
		Reason:   reason,
	})
	if err != nil {
		return nil, err
	}

	msgs := append([]*types.Message(nil), s.transcript...)
	msgs[idx] = compaction.WithPinnedState(msgs[idx], &compaction.PinnedState{
		PinnedAt: now,
		PinnedBy: compaction.PinnedByUser,
		Reason:   reason,
	})
	s.dirty = true

	fx := &SideEffects{ThreadID: s.threadID}
	s.syncLocked(ctx, msgs, true, fx)
	return fx, nil
}

// Unpin removes a pin from a transcript message and persists the transcript.
func (s *Syncer) Unpin(ctx context.Context, messageID string) (*SideEffects, error) {
	s.mu.Lock()
	defer s.unlock()

	idx := indexOf(s.transcript, messageID)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}

	s.state.Unpin(messageID)
	msgs := append([]*types.Message(nil), s.transcript...)
	msgs[idx] = compaction.WithPinnedState(msgs[idx], nil)
	s.dirty = true

	fx := &SideEffects{ThreadID: s.threadID}
	s.syncLocked(ctx, msgs, true, fx)
	return fx, nil
}

// SetActiveModel selects the model whose context window drives the budget.
// The change takes effect on the next Sync.
func (s *Syncer) SetActiveModel(modelID string) error {
	s.mu.Lock()
	defer s.unlock()

	if modelID != "" && findModel(s.models, modelID) == nil {
		return fmt.Errorf("%w: unknown model %q", compaction.ErrInvalidConfig, modelID)
	}
	s.activeModel = modelID
	s.dirty = true
	return nil
}

// SetConfig replaces the compaction policy. Disabling compaction clears
// every compression stamp and the persisted record on the next Sync.
func (s *Syncer) SetConfig(cfg compaction.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.unlock()

	if err := compaction.ValidateModels(cfg.Normalize(nil).Enabled, s.models); err != nil {
		return err
	}
	s.config = cfg
	s.dirty = true
	s.compactedSig = ""
	return nil
}

// SetModels replaces the selectable models after validating them.
func (s *Syncer) SetModels(models []compaction.Model) error {
	s.mu.Lock()
	defer s.unlock()

	if err := compaction.ValidateModels(s.config.Normalize(nil).Enabled, models); err != nil {
		return err
	}
	s.models = append([]compaction.Model(nil), models...)
	if findModel(s.models, s.activeModel) == nil {
		s.activeModel = ""
	}
	s.dirty = true
	return nil
}

// State returns a copy of the compression state.
func (s *Syncer) State() compaction.State {
	return s.state.Snapshot()
}

// Status returns the lifecycle state of the active thread.
func (s *Syncer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Transcript returns the active thread's transcript as last stamped.
func (s *Syncer) Transcript() []*types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

// ThreadID returns the active thread id.
func (s *Syncer) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// Subscribe registers fn to receive the compression state after every
// change. fn runs on its own goroutine, in change order, so it may call
// back into the Syncer. The returned function removes the subscription;
// states queued but not yet delivered are dropped.
func (s *Syncer) Subscribe(fn func(compaction.State)) func() {
	var (
		mu     sync.Mutex
		queue  []compaction.State
		closed bool
	)
	wake := make(chan struct{}, 1)
	done := make(chan struct{})

	unsubscribe := s.state.Subscribe(func(st compaction.State) {
		mu.Lock()
		if closed {
			mu.Unlock()
			return
		}
		queue = append(queue, st)
		mu.Unlock()

		select {
		case wake <- struct{}{}:
		default:
		}
	})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-wake:
			}

			mu.Lock()
			batch := queue
			queue = nil
			mu.Unlock()

			for _, st := range batch {
				fn(st)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			mu.Lock()
			closed = true
			queue = nil
			mu.Unlock()
			close(done)
		})
	}
}

// Wait blocks until background compaction cycles have finished.
func (s *Syncer) Wait() {
	s.wg.Wait()
}

func (s *Syncer) activeModelLocked() *compaction.Model {
	if s.activeModel != "" {
		return findModel(s.models, s.activeModel)
	}
	if len(s.models) > 0 {
		m := s.models[0]
		return &m
	}
	return nil
}

func (s *Syncer) resolvedConfigLocked() compaction.NormalizedConfig {
	return s.config.Normalize(s.activeModelLocked())
}

func (s *Syncer) responseTokensLocked() *int {
	if m := s.activeModelLocked(); m != nil && m.MaxOutputTokens > 0 {
		return compaction.IntPtr(m.MaxOutputTokens)
	}
	return nil
}
