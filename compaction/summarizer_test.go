package compaction

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youssefsiam38/chatcompact/types"
)

func newTestSummarizer() *DefaultSummarizer {
	s := NewDefaultSummarizer()
	s.Now = func() time.Time { return fixedNow }
	s.NewID = func() string { return "fixed" }
	return s
}

func TestDefaultSummarizerKeepsPinsAndRecent(t *testing.T) {
	var msgs []*types.Message
	for i := 1; i <= 9; i++ {
		role := types.RoleUser
		if i%2 == 0 {
			role = types.RoleAssistant
		}
		msgs = append(msgs, msg(fmt.Sprintf("m%d", i), role, 50))
	}

	res, err := newTestSummarizer().Summarize(context.Background(), &SummarizeContext{
		Messages:       msgs,
		PinnedMessages: []PinnedMessage{{ID: "m2", Message: msgs[1]}},
		Budget:         IntPtr(120),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"m2", "m4", "m5", "m6", "m7", "m8", "m9"}, res.SurvivingMessageIDs)
	require.Len(t, res.Artifacts, 1)

	a := res.Artifacts[0]
	assert.Equal(t, []string{"m1", "m3"}, a.SourceMessageIDs)
	assert.NotContains(t, a.SourceMessageIDs, "m2")
	assert.NotContains(t, a.SourceMessageIDs, "m9")
	assert.Equal(t, "fixed", a.ID)
	assert.Equal(t, "artifact-fixed", ArtifactMessage(a).ID)
	assert.Equal(t, fixedNow, a.CreatedAt)
	require.NotNil(t, a.TokensSaved)
	assert.Equal(t, max(100-EstimateArtifact(nil, a), 0), *a.TokensSaved)

	lines := strings.Split(a.Summary, "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "- user: "))
	assert.True(t, strings.HasPrefix(lines[1], "- user: "))
}

func TestDefaultSummarizerUnlimitedBudgetKeepsEverything(t *testing.T) {
	var msgs []*types.Message
	for i := 0; i < 20; i++ {
		msgs = append(msgs, msg(fmt.Sprintf("m%d", i), types.RoleUser, 100))
	}

	res, err := newTestSummarizer().Summarize(context.Background(), &SummarizeContext{Messages: msgs})
	require.NoError(t, err)

	assert.Len(t, res.SurvivingMessageIDs, 20)
	assert.Empty(t, res.Artifacts)
}

func TestDefaultSummarizerFitsBudget(t *testing.T) {
	// survivor budget = 1000 - 0 - 512 - 256 = 232 tokens
	var msgs []*types.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, msg(fmt.Sprintf("m%d", i), types.RoleUser, 30))
	}

	res, err := newTestSummarizer().Summarize(context.Background(), &SummarizeContext{
		Messages: msgs,
		Budget:   IntPtr(1000),
	})
	require.NoError(t, err)

	// 7 * 30 = 210 fits, the eighth would need 240.
	assert.Equal(t, []string{"m3", "m4", "m5", "m6", "m7", "m8", "m9"}, res.SurvivingMessageIDs)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, []string{"m0", "m1", "m2"}, res.Artifacts[0].SourceMessageIDs)
}

func TestDefaultSummarizerCarriesExistingArtifacts(t *testing.T) {
	var msgs []*types.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, msg(fmt.Sprintf("m%d", i), types.RoleUser, 30))
	}
	existing := []Artifact{
		{ID: "note", Summary: "Deadline is Friday.", Editable: true},
		{ID: "old-digest", Summary: "earlier", SourceMessageIDs: []string{"m0", "m1"}},
		{ID: "partial", Summary: "mixed", SourceMessageIDs: []string{"m2", "m9"}},
	}

	res, err := newTestSummarizer().Summarize(context.Background(), &SummarizeContext{
		Messages:  msgs,
		Artifacts: existing,
		Budget:    IntPtr(1000),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"m3", "m4", "m5", "m6", "m7", "m8", "m9"}, res.SurvivingMessageIDs)
	var ids []string
	for _, a := range res.Artifacts {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"note", "partial", "fixed"}, ids)
	assert.True(t, res.Artifacts[0].Editable)

	res, err = newTestSummarizer().Summarize(context.Background(), &SummarizeContext{
		Messages:  msgs,
		Artifacts: existing,
	})
	require.NoError(t, err)
	assert.Equal(t, existing, res.Artifacts, "nothing trimmed keeps every artifact")
}

func TestDefaultSummarizerDigestLimits(t *testing.T) {
	var msgs []*types.Message
	for i := 0; i < 14; i++ {
		msgs = append(msgs, types.NewTextMessage(fmt.Sprintf("m%d", i), types.RoleAssistant, strings.Repeat("word  ", 100)))
	}
	s := newTestSummarizer()
	s.MinSurvivors = 0

	res, err := s.Summarize(context.Background(), &SummarizeContext{Messages: msgs, Budget: IntPtr(0)})
	require.NoError(t, err)
	require.Len(t, res.Artifacts, 1)

	lines := strings.Split(res.Artifacts[0].Summary, "\n")
	require.Len(t, lines, DefaultMaxSummaryLines)
	for _, line := range lines[:DefaultMaxSummaryLines-1] {
		assert.LessOrEqual(t, utf8.RuneCountInString(line), summaryLineLimit)
		assert.True(t, strings.HasSuffix(line, "…"))
		assert.NotContains(t, line, "  ", "whitespace is collapsed")
	}
	assert.Equal(t, "- … 3 more messages", lines[DefaultMaxSummaryLines-1])
	assert.Len(t, res.Artifacts[0].SourceMessageIDs, 14)
}

func TestDefaultSummarizerNilContext(t *testing.T) {
	_, err := NewDefaultSummarizer().Summarize(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoMessagesToCompact)
}

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"truncated", 5, "trun…"},
		{"héllo wörld", 4, "hél…"},
	}
	for _, tt := range tests {
		if got := truncateRunes(tt.in, tt.n); got != tt.want {
			t.Errorf("truncateRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
