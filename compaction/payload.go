package compaction

import (
	"sort"
	"time"

	"github.com/youssefsiam38/chatcompact/types"
)

// ArtifactMessagePrefix prefixes the ID of artifact stand-in messages.
const ArtifactMessagePrefix = "artifact-"

// PayloadInput is everything BuildPayload reads.
type PayloadInput struct {
	// Messages is the base transcript, oldest first.
	Messages  []*types.Message
	Pinned    []PinnedMessage
	Artifacts []Artifact

	// Snapshot is the compaction decision in effect, if any.
	Snapshot *Snapshot

	Config    NormalizedConfig
	Estimator TokenEstimator

	// EstimatedResponseTokens is copied into the usage record.
	EstimatedResponseTokens *int

	// Now stamps Usage.UpdatedAt. Callers pass a fixed value to keep the
	// result reproducible.
	Now time.Time
}

// Payload is the message list to send to the model plus its accounting.
type Payload struct {
	Messages            []*types.Message
	PinnedMessageIDs    []string
	ArtifactIDs         []string
	SurvivingMessageIDs []string
	Usage               Usage
	ShouldCompress      bool
	OverBudget          bool
}

// BuildPayload assembles the payload: pinned messages first, then surviving
// non-pinned messages in transcript order, then one system stand-in per
// artifact. It performs no I/O and never fails; identical input yields
// identical output.
func BuildPayload(in PayloadInput) *Payload {
	est := estimatorOrDefault(in.Estimator)

	position := make(map[string]int, len(in.Messages))
	for i, m := range in.Messages {
		if m == nil {
			continue
		}
		if _, seen := position[m.ID]; !seen {
			position[m.ID] = i
		}
	}

	pins := orderPins(in.Pinned, position)
	pinnedIDs := make(map[string]bool, len(pins))

	out := &Payload{}
	pinnedTokens := 0
	for _, p := range pins {
		if pinnedIDs[p.ID] {
			continue
		}
		msg := p.Message
		if idx, ok := position[p.ID]; ok {
			msg = in.Messages[idx]
		}
		if msg == nil {
			continue
		}
		pinnedIDs[p.ID] = true
		out.Messages = append(out.Messages, msg)
		out.PinnedMessageIDs = append(out.PinnedMessageIDs, p.ID)
		pinnedTokens += est.Estimate(MessageText(msg))
	}

	survivingTokens := 0
	emitted := make(map[string]bool, len(in.Messages))
	for _, m := range in.Messages {
		if m == nil || IsEventMessage(m) {
			continue
		}
		if pinnedIDs[m.ID] {
			if !emitted[m.ID] {
				emitted[m.ID] = true
				out.SurvivingMessageIDs = append(out.SurvivingMessageIDs, m.ID)
			}
			continue
		}
		if emitted[m.ID] || !survives(m, in.Snapshot) {
			continue
		}
		emitted[m.ID] = true
		out.Messages = append(out.Messages, m)
		out.SurvivingMessageIDs = append(out.SurvivingMessageIDs, m.ID)
		survivingTokens += est.Estimate(MessageText(m))
	}

	artifactTokens := 0
	for _, a := range in.Artifacts {
		out.Messages = append(out.Messages, ArtifactMessage(a))
		out.ArtifactIDs = append(out.ArtifactIDs, a.ID)
		artifactTokens += EstimateArtifact(est, a)
	}

	out.Usage = Usage{
		PinnedTokens:    pinnedTokens,
		ArtifactTokens:  artifactTokens,
		SurvivingTokens: survivingTokens,
		TotalTokens:     pinnedTokens + artifactTokens + survivingTokens,
		UpdatedAt:       in.Now,
	}
	if in.EstimatedResponseTokens != nil {
		out.Usage.EstimatedResponseTokens = IntPtr(*in.EstimatedResponseTokens)
	}

	evaluateBudget(out, in.Config)
	return out
}

// orderPins sorts pins by transcript position; pins missing from the
// transcript follow, ordered by PinnedAt then ID.
func orderPins(pins []PinnedMessage, position map[string]int) []PinnedMessage {
	out := make([]PinnedMessage, len(pins))
	copy(out, pins)
	sort.SliceStable(out, func(i, j int) bool {
		pi, iok := position[out[i].ID]
		pj, jok := position[out[j].ID]
		switch {
		case iok && jok:
			return pi < pj
		case iok != jok:
			return iok
		case !out[i].PinnedAt.Equal(out[j].PinnedAt):
			return out[i].PinnedAt.Before(out[j].PinnedAt)
		default:
			return out[i].ID < out[j].ID
		}
	})
	return out
}

// survives applies the snapshot to a non-pinned message. Excluded IDs never
// survive. A non-empty surviving list only decides messages stamped with
// this snapshot; every other message survives.
func survives(m *types.Message, snap *Snapshot) bool {
	if snap == nil {
		return true
	}
	for _, id := range snap.ExcludedMessageIDs {
		if id == m.ID {
			return false
		}
	}
	if len(snap.SurvivingMessageIDs) == 0 {
		return true
	}
	for _, id := range snap.SurvivingMessageIDs {
		if id == m.ID {
			return true
		}
	}
	st := ReadMetadata(m).Compression
	if st != nil && st.SnapshotID == snap.ID {
		return false
	}
	return true
}

func evaluateBudget(p *Payload, cfg NormalizedConfig) {
	total := p.Usage.TotalTokens
	if cfg.MaxTokenBudget == nil {
		return
	}
	budget := *cfg.MaxTokenBudget
	p.Usage.Budget = IntPtr(budget)
	p.Usage.RemainingTokens = IntPtr(max(budget-total, 0))

	switch {
	case budget > 0:
		p.OverBudget = total > budget
	case budget == 0:
		p.OverBudget = total > 0
	default:
		p.OverBudget = true
	}

	if !cfg.Enabled {
		return
	}
	if budget <= 0 {
		p.ShouldCompress = total > 0
		return
	}
	p.ShouldCompress = p.OverBudget || float64(total)/float64(budget) >= cfg.CompressionThreshold
}

// ArtifactMessage returns the system stand-in sent in place of an artifact.
func ArtifactMessage(a Artifact) *types.Message {
	return &types.Message{
		ID:        ArtifactMessagePrefix + a.ID,
		Role:      types.RoleSystem,
		Parts:     []types.Part{types.TextPart(a.Summary)},
		CreatedAt: a.CreatedAt,
	}
}
