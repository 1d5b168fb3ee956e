package compaction

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youssefsiam38/chatcompact/types"
)

func TestWithPinnedStateIsIdempotent(t *testing.T) {
	m := types.NewTextMessage("m1", types.RoleUser, "hello")
	p := &PinnedState{PinnedAt: fixedNow, PinnedBy: PinnedByUser, Reason: "important"}

	once := WithPinnedState(m, p)
	require.NotSame(t, m, once)
	assert.Nil(t, m.Metadata, "input is not mutated")

	twice := WithPinnedState(once, p)
	assert.Same(t, once, twice)

	// An equal value behind a different pointer is still a no-op.
	copied := *p
	assert.Same(t, once, WithPinnedState(once, &copied))
}

func TestWithPinnedStateClear(t *testing.T) {
	m := types.NewTextMessage("m1", types.RoleUser, "hello")
	m.Metadata = map[string]any{"other": "kept"}

	pinned := WithPinnedState(m, &PinnedState{PinnedAt: fixedNow})
	cleared := WithPinnedState(pinned, nil)

	assert.Nil(t, ReadMetadata(cleared).Pinned)
	assert.NotContains(t, cleared.Metadata, MetadataKey)
	assert.Equal(t, "kept", cleared.Metadata["other"])

	assert.Same(t, m, WithPinnedState(m, nil), "clearing an absent pin is a no-op")
}

func TestPinAndCompressionStatesAreIndependent(t *testing.T) {
	m := types.NewTextMessage("m1", types.RoleUser, "hello")
	pin := &PinnedState{PinnedAt: fixedNow}
	st := &CompressionState{SnapshotID: "s1", CompressedAt: fixedNow, Surviving: true, Kind: KindMessage}

	m = WithPinnedState(m, pin)
	m = WithCompressionState(m, st)

	md := ReadMetadata(m)
	require.NotNil(t, md.Pinned)
	require.NotNil(t, md.Compression)

	m = WithCompressionState(m, nil)
	md = ReadMetadata(m)
	assert.NotNil(t, md.Pinned)
	assert.Nil(t, md.Compression)
}

func TestReadMetadataAcceptsDecodedJSON(t *testing.T) {
	m := WithCompressionState(
		WithPinnedState(types.NewTextMessage("m1", types.RoleUser, "hi"), &PinnedState{PinnedAt: fixedNow, PinnedBy: PinnedBySystem}),
		&CompressionState{SnapshotID: "s1", CompressedAt: fixedNow, Surviving: false, Kind: KindMessage, ArtifactIDs: []string{"a1"}},
	)

	raw, err := json.Marshal(m)
	require.NoError(t, err)

	var decoded types.Message
	require.NoError(t, json.Unmarshal(raw, &decoded))
	_, isMap := decoded.Metadata[MetadataKey].(map[string]any)
	require.True(t, isMap)

	md := ReadMetadata(&decoded)
	require.NotNil(t, md.Pinned)
	assert.True(t, md.Pinned.PinnedAt.Equal(fixedNow))
	assert.Equal(t, PinnedBySystem, md.Pinned.PinnedBy)
	require.NotNil(t, md.Compression)
	assert.Equal(t, []string{"a1"}, md.Compression.ArtifactIDs)

	// Same facts in map form: writers are no-ops.
	assert.Same(t, &decoded, WithPinnedState(&decoded, &PinnedState{PinnedAt: fixedNow, PinnedBy: PinnedBySystem}))
}

func TestReadMetadataMalformed(t *testing.T) {
	for _, v := range []any{"garbage", 42, json.RawMessage(`{"pinned":"nope"}`)} {
		m := &types.Message{ID: "m", Metadata: map[string]any{MetadataKey: v}}
		assert.Equal(t, MessageMetadata{}, ReadMetadata(m))
	}
	assert.Equal(t, MessageMetadata{}, ReadMetadata(nil))
}

func TestExtractPinnedMessagesRoundTrip(t *testing.T) {
	p := PinnedState{PinnedAt: fixedNow, PinnedBy: PinnedBySystem, Reason: "contract"}
	msgs := []*types.Message{
		types.NewTextMessage("m0", types.RoleUser, "unpinned"),
		WithPinnedState(types.NewTextMessage("m1", types.RoleUser, "pinned"), &p),
		WithPinnedState(types.NewTextMessage("m2", types.RoleUser, "default by"), &PinnedState{PinnedAt: fixedNow}),
	}

	pins := ExtractPinnedMessages(msgs)
	require.Len(t, pins, 2)

	got := pins[0]
	assert.Equal(t, "m1", got.ID)
	assert.Same(t, msgs[1], got.Message)
	assert.Equal(t, p, PinnedState{PinnedAt: got.PinnedAt, PinnedBy: got.PinnedBy, Reason: got.Reason})
	assert.Equal(t, PinnedByUser, pins[1].PinnedBy)
}

func TestCompressionEventMessage(t *testing.T) {
	snap := &Snapshot{
		ID:           "s1",
		CreatedAt:    fixedNow,
		ArtifactIDs:  []string{"a1", "a2", "a3", "a4", "a5", "a6"},
		TokensBefore: IntPtr(1000),
		TokensAfter:  IntPtr(400),
		TokensSaved:  IntPtr(600),
		Reason:       "threshold",
	}
	var artifacts []Artifact
	for _, id := range snap.ArtifactIDs {
		artifacts = append(artifacts, Artifact{ID: id, Summary: "summary of " + id})
	}
	artifacts = append(artifacts, Artifact{ID: "unrelated", Summary: "not in snapshot"})

	ev := CompressionEventMessage(snap, artifacts, IntPtr(2000))

	assert.Equal(t, "compression-event-s1", ev.ID)
	assert.Equal(t, types.RoleSystem, ev.Role)
	text := MessageText(ev)
	assert.Contains(t, text, "Tokens before: 1000")
	assert.Contains(t, text, "Tokens after: 400")
	assert.Contains(t, text, "Tokens saved: 600")
	assert.Contains(t, text, "Budget: 2000 tokens")
	assert.Contains(t, text, "summary of a5")
	assert.NotContains(t, text, "summary of a6")
	assert.NotContains(t, text, "not in snapshot")
	assert.True(t, IsEventMessage(ev))

	// Deterministic for the same snapshot.
	assert.True(t, EquivalentMessages(ev, CompressionEventMessage(snap, artifacts, IntPtr(2000))))
	assert.Nil(t, CompressionEventMessage(nil, nil, nil))
}

func TestUpsertCompressionEvent(t *testing.T) {
	snap := &Snapshot{ID: "s1", CreatedAt: fixedNow, TokensSaved: IntPtr(1)}
	base := []*types.Message{types.NewTextMessage("m1", types.RoleUser, "hi")}

	withEvent := UpsertCompressionEvent(base, CompressionEventMessage(snap, nil, nil))
	require.Len(t, withEvent, 2)
	assert.Len(t, base, 1, "input slice untouched")

	same := UpsertCompressionEvent(withEvent, CompressionEventMessage(snap, nil, nil))
	assert.Same(t, &withEvent[0], &same[0], "unchanged event returns the same slice")

	snap.TokensSaved = IntPtr(5)
	replaced := UpsertCompressionEvent(withEvent, CompressionEventMessage(snap, nil, nil))
	require.Len(t, replaced, 2)
	assert.Contains(t, MessageText(replaced[1]), "Tokens saved: 5")
	assert.Contains(t, MessageText(withEvent[1]), "Tokens saved: 1")
}

func TestApplySnapshotStampsDecidedMessages(t *testing.T) {
	msgs := []*types.Message{
		types.NewTextMessage("m1", types.RoleUser, "old"),
		types.NewTextMessage("m2", types.RoleAssistant, "kept"),
		types.NewTextMessage("m3", types.RoleUser, "new, undecided"),
	}
	snap := &Snapshot{ID: "s1", CreatedAt: fixedNow, SurvivingMessageIDs: []string{"m2"}, ExcludedMessageIDs: []string{"m1"}}

	stamped := ApplySnapshot(msgs, snap)

	require.Len(t, stamped, 3)
	st1 := ReadMetadata(stamped[0]).Compression
	require.NotNil(t, st1)
	assert.False(t, st1.Surviving)
	assert.Equal(t, "s1", st1.SnapshotID)
	st2 := ReadMetadata(stamped[1]).Compression
	require.NotNil(t, st2)
	assert.True(t, st2.Surviving)
	assert.Same(t, msgs[2], stamped[2])

	again := ApplySnapshot(stamped, snap)
	assert.Same(t, &stamped[0], &again[0], "second application is a no-op")

	assert.Same(t, &msgs[0], &ApplySnapshot(msgs, nil)[0])
}

func TestClearCompressionState(t *testing.T) {
	snap := &Snapshot{ID: "s1", CreatedAt: fixedNow, SurvivingMessageIDs: []string{"m1"}}
	pinned := WithPinnedState(types.NewTextMessage("m1", types.RoleUser, "hi"), &PinnedState{PinnedAt: fixedNow})
	msgs := ApplySnapshot([]*types.Message{pinned}, snap)
	msgs = UpsertCompressionEvent(msgs, CompressionEventMessage(snap, nil, nil))

	cleared := ClearCompressionState(msgs)

	require.Len(t, cleared, 1)
	md := ReadMetadata(cleared[0])
	assert.Nil(t, md.Compression)
	assert.NotNil(t, md.Pinned, "pins survive clearing")

	assert.Same(t, &cleared[0], &ClearCompressionState(cleared)[0])
}

func TestEquivalentMessagesIgnoresMetadataForm(t *testing.T) {
	m := WithPinnedState(types.NewTextMessage("m1", types.RoleUser, "hi"), &PinnedState{PinnedAt: fixedNow.In(time.FixedZone("X", 3600))})
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	var decoded types.Message
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.True(t, EquivalentMessages(m, &decoded))

	decoded.Parts[0].Text = strings.ToUpper(decoded.Parts[0].Text)
	assert.False(t, EquivalentMessages(m, &decoded))
}
