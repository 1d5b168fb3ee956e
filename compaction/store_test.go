package compaction

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() *StateStore {
	return NewStateStore(WithStoreClock(func() time.Time { return fixedNow }))
}

func TestStateStorePinLimit(t *testing.T) {
	s := newTestStore()
	s.SetConfig(NormalizedConfig{Enabled: true, CompressionThreshold: DefaultTrigger, PinnedMessageLimit: 2})

	require.NoError(t, s.Pin(PinnedMessage{ID: "m1"}))
	require.NoError(t, s.Pin(PinnedMessage{ID: "m2"}))
	assert.ErrorIs(t, s.Pin(PinnedMessage{ID: "m3"}), ErrPinLimitReached)

	// Re-pinning an existing message is not a new pin.
	assert.NoError(t, s.Pin(PinnedMessage{ID: "m1", Reason: "updated"}))

	st := s.Snapshot()
	require.Len(t, st.Pinned, 2)
	assert.Equal(t, PinnedByUser, st.Pinned[0].PinnedBy)
	assert.Equal(t, fixedNow, st.Pinned[0].PinnedAt)

	assert.True(t, s.Unpin("m2"))
	assert.False(t, s.Unpin("m2"))
	assert.NoError(t, s.Pin(PinnedMessage{ID: "m3"}))
}

func TestStateStoreArtifacts(t *testing.T) {
	s := newTestStore()
	s.AddArtifact(Artifact{ID: "b", Summary: "second", CreatedAt: fixedNow})
	s.AddArtifact(Artifact{ID: "a", Summary: "first", CreatedAt: fixedNow.Add(-time.Minute)})

	st := s.Snapshot()
	require.Len(t, st.Artifacts, 2)
	assert.Equal(t, "a", st.Artifacts[0].ID)

	require.NoError(t, s.UpdateArtifact("a", func(a *Artifact) { a.Summary = "edited" }))
	assert.ErrorIs(t, s.UpdateArtifact("missing", func(*Artifact) {}), ErrArtifactNotFound)

	st = s.Snapshot()
	assert.Equal(t, "edited", st.Artifacts[0].Summary)
	require.NotNil(t, st.Artifacts[0].UpdatedAt)

	assert.True(t, s.RemoveArtifact("b"))
	assert.False(t, s.RemoveArtifact("b"))
	assert.Len(t, s.Snapshot().Artifacts, 1)
}

func TestStateStoreSnapshotIsACopy(t *testing.T) {
	s := newTestStore()
	s.SetSnapshot(&Snapshot{ID: "s1", SurvivingMessageIDs: []string{"m1"}})
	s.SetUsage(&Usage{TotalTokens: 5, Budget: IntPtr(10)}, false, false)

	st := s.Snapshot()
	st.Snapshot.SurvivingMessageIDs[0] = "changed"
	*st.Usage.Budget = 99

	again := s.Snapshot()
	assert.Equal(t, "m1", again.Snapshot.SurvivingMessageIDs[0])
	assert.Equal(t, 10, *again.Usage.Budget)
}

func TestStateStoreEventCap(t *testing.T) {
	s := newTestStore()
	for i := 0; i < MaxEvents+15; i++ {
		s.AppendEvent(Event{Type: EventUsage, Message: fmt.Sprintf("e%d", i)})
	}

	events := s.Snapshot().Events
	require.Len(t, events, MaxEvents)
	assert.Equal(t, "e15", events[0].Message)
	assert.Equal(t, fmt.Sprintf("e%d", MaxEvents+14), events[MaxEvents-1].Message)
	assert.NotEmpty(t, events[0].ID)
	assert.Equal(t, LevelInfo, events[0].Level)
}

func TestStateStoreHydrateAndPersisted(t *testing.T) {
	s := newTestStore()
	ps := &PersistedState{
		Snapshot:       &Snapshot{ID: "s1", SurvivingMessageIDs: []string{"m1"}},
		Artifacts:      []Artifact{{ID: "a1", Summary: "sum", CreatedAt: fixedNow}},
		Usage:          &Usage{TotalTokens: 7, Budget: IntPtr(10), RemainingTokens: IntPtr(3)},
		Metadata:       ModelMetadata{ModelID: "model-a", ContextWindowTokens: IntPtr(10)},
		ShouldCompress: true,
		UpdatedAt:      fixedNow,
	}

	s.Hydrate(ps)
	ps.Snapshot.ID = "mutated"

	out := s.Persisted()
	assert.Equal(t, "s1", out.Snapshot.ID, "hydration deep-copies its input")
	assert.True(t, out.ShouldCompress)
	assert.Equal(t, "model-a", out.Metadata.ModelID)

	out.Artifacts[0].Summary = "mutated"
	assert.Equal(t, "sum", s.Persisted().Artifacts[0].Summary, "persisted projection is a copy")

	ps.Snapshot.ID = "s1"
	assert.True(t, EqualPersisted(ps, s.Persisted()))

	s.Hydrate(nil)
	cleared := s.Persisted()
	assert.Nil(t, cleared.Snapshot)
	assert.Empty(t, cleared.Artifacts)
	assert.False(t, cleared.ShouldCompress)
}

func TestStateStoreResetAndSubscribe(t *testing.T) {
	s := newTestStore()

	var mu sync.Mutex
	var seen []State
	unsubscribe := s.Subscribe(func(st State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, st)
	})

	require.NoError(t, s.Pin(PinnedMessage{ID: "m1"}))
	s.Reset()

	mu.Lock()
	require.Len(t, seen, 2)
	assert.Len(t, seen[0].Pinned, 1)
	assert.Empty(t, seen[1].Pinned)
	mu.Unlock()

	unsubscribe()
	s.AddArtifact(Artifact{ID: "x"})

	mu.Lock()
	assert.Len(t, seen, 2)
	mu.Unlock()

	assert.Equal(t, DefaultNormalizedConfig(), s.Snapshot().Config)
}

func TestDefaultStoreReset(t *testing.T) {
	Default().AddArtifact(Artifact{ID: "global"})
	ResetDefault()
	assert.Empty(t, Default().Snapshot().Artifacts)
}

func TestStateStoreConcurrentAccess(t *testing.T) {
	s := newTestStore()
	s.SetConfig(NormalizedConfig{PinnedMessageLimit: 0})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Pin(PinnedMessage{ID: fmt.Sprintf("m%d", i)})
			_ = s.Snapshot()
			_ = s.Persisted()
		}(i)
	}
	wg.Wait()

	assert.Len(t, s.Snapshot().Pinned, 20)
}
