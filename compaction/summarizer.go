package compaction

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/youssefsiam38/chatcompact/types"
)

// Default values of the local summarizer.
const (
	DefaultMinSurvivors             = 6
	DefaultReservedCompletionTokens = 512
	DefaultSummaryTokenBudget       = 256
	DefaultMaxSummaryLines          = 12

	summaryLineLimit = 280
)

// SummarizeContext is the input of a Summarizer.
type SummarizeContext struct {
	Messages       []*types.Message
	PinnedMessages []PinnedMessage
	Artifacts      []Artifact
	Snapshot       *Snapshot
	Budget         *int
	Usage          *Usage
	Reason         string

	// Model is the active chat model ID, not the summarization model.
	Model string
}

// SummarizeResult is the output of a Summarizer. Artifacts is the full set
// of artifacts in effect after the run.
type SummarizeResult struct {
	Artifacts           []Artifact
	SurvivingMessageIDs []string
	Usage               *Usage
}

// Summarizer decides which messages survive and produces summary artifacts
// for the rest.
type Summarizer interface {
	Summarize(ctx context.Context, sc *SummarizeContext) (*SummarizeResult, error)
}

// DefaultSummarizer is the local greedy trimmer. It keeps the newest
// messages that fit the survivor budget and folds the rest into a single
// bulleted digest artifact. It never performs I/O.
type DefaultSummarizer struct {
	// MinSurvivors is the number of newest non-pinned messages always kept.
	MinSurvivors int

	// ReservedCompletionTokens and SummaryTokenBudget are subtracted from the
	// budget to get the survivor budget.
	ReservedCompletionTokens int
	SummaryTokenBudget       int

	// MaxSummaryLines caps the digest length.
	MaxSummaryLines int

	Estimator TokenEstimator
	Now       func() time.Time
	NewID     func() string
}

// NewDefaultSummarizer creates a DefaultSummarizer with default limits.
func NewDefaultSummarizer() *DefaultSummarizer {
	return &DefaultSummarizer{
		MinSurvivors:             DefaultMinSurvivors,
		ReservedCompletionTokens: DefaultReservedCompletionTokens,
		SummaryTokenBudget:       DefaultSummaryTokenBudget,
		MaxSummaryLines:          DefaultMaxSummaryLines,
	}
}

// Summarize walks the transcript newest to oldest. Pinned messages always
// survive; any other message survives while fewer than MinSurvivors have
// been kept or while its cost still fits the survivor budget.
//
// Existing artifacts are carried forward ahead of the new digest unless
// every one of their source messages is folded into it again.
func (s *DefaultSummarizer) Summarize(_ context.Context, sc *SummarizeContext) (*SummarizeResult, error) {
	if sc == nil {
		return nil, ErrNoMessagesToCompact
	}
	est := estimatorOrDefault(s.Estimator)

	pinned := make(map[string]bool, len(sc.PinnedMessages))
	for _, p := range sc.PinnedMessages {
		pinned[p.ID] = true
	}

	pinnedTokens := 0
	for _, m := range sc.Messages {
		if m != nil && pinned[m.ID] {
			pinnedTokens += est.Estimate(MessageText(m))
		}
	}

	// Artifacts without sources are never superseded.
	standingTokens := 0
	for _, a := range sc.Artifacts {
		if len(a.SourceMessageIDs) == 0 {
			standingTokens += EstimateArtifact(est, a)
		}
	}

	unlimited := sc.Budget == nil
	survivorBudget := 0
	if !unlimited {
		survivorBudget = max(*sc.Budget-pinnedTokens-standingTokens-s.ReservedCompletionTokens-s.SummaryTokenBudget, 0)
	}

	keep := make(map[string]bool, len(sc.Messages))
	var trimmed []*types.Message
	kept, used := 0, 0
	for i := len(sc.Messages) - 1; i >= 0; i-- {
		m := sc.Messages[i]
		if m == nil || IsEventMessage(m) {
			continue
		}
		if pinned[m.ID] {
			keep[m.ID] = true
			continue
		}
		cost := est.Estimate(MessageText(m))
		if kept < s.MinSurvivors || unlimited || used+cost <= survivorBudget {
			keep[m.ID] = true
			kept++
			used += cost
			continue
		}
		trimmed = append(trimmed, m)
	}

	result := &SummarizeResult{}
	for _, m := range sc.Messages {
		if m != nil && keep[m.ID] {
			result.SurvivingMessageIDs = append(result.SurvivingMessageIDs, m.ID)
		}
	}

	result.Artifacts = carriedArtifacts(sc.Artifacts, trimmed)
	if len(trimmed) == 0 {
		return result, nil
	}

	// trimmed was collected newest first.
	for i, j := 0, len(trimmed)-1; i < j; i, j = i+1, j-1 {
		trimmed[i], trimmed[j] = trimmed[j], trimmed[i]
	}

	now := s.now()
	artifact := Artifact{
		ID:        s.newID(),
		Title:     "Earlier conversation",
		Summary:   s.digest(trimmed),
		Category:  "summary",
		CreatedAt: now,
		Editable:  true,
	}
	for _, m := range trimmed {
		artifact.SourceMessageIDs = append(artifact.SourceMessageIDs, m.ID)
	}
	trimmedTokens := EstimateMessages(est, trimmed)
	artifact.TokensSaved = IntPtr(max(trimmedTokens-EstimateArtifact(est, artifact), 0))

	result.Artifacts = append(result.Artifacts, artifact)
	return result, nil
}

// carriedArtifacts returns the existing artifacts that still describe
// something the new digest does not.
func carriedArtifacts(existing []Artifact, trimmed []*types.Message) []Artifact {
	folded := make(map[string]bool, len(trimmed))
	for _, m := range trimmed {
		folded[m.ID] = true
	}

	var out []Artifact
	for _, a := range existing {
		superseded := len(a.SourceMessageIDs) > 0
		for _, id := range a.SourceMessageIDs {
			if !folded[id] {
				superseded = false
				break
			}
		}
		if !superseded {
			out = append(out, deepCopy(a))
		}
	}
	return out
}

// digest renders one role-prefixed bullet per message.
func (s *DefaultSummarizer) digest(msgs []*types.Message) string {
	limit := s.MaxSummaryLines
	if limit <= 0 {
		limit = DefaultMaxSummaryLines
	}

	lines := make([]string, 0, min(len(msgs), limit))
	for i, m := range msgs {
		if len(lines) == limit-1 && len(msgs)-i > 1 {
			lines = append(lines, fmt.Sprintf("- … %d more messages", len(msgs)-i))
			break
		}
		text := collapseWhitespace(MessageText(m))
		if text == "" {
			text = "(no text)"
		}
		lines = append(lines, truncateRunes(fmt.Sprintf("- %s: %s", m.Role, text), summaryLineLimit))
	}
	return strings.Join(lines, "\n")
}

func (s *DefaultSummarizer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *DefaultSummarizer) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncateRunes shortens s to at most n runes, marking the cut with an ellipsis.
func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
