package compaction

import (
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/youssefsiam38/chatcompact/types"
)

// DefaultCharsPerToken is the character-to-token ratio of the default estimator.
const DefaultCharsPerToken = 4

// TokenEstimator maps text to a token count. Implementations must be pure
// and monotonic non-decreasing in the length of text.
type TokenEstimator interface {
	Estimate(text string) int
}

// CharEstimator approximates tokens as ceil(runes / CharsPerToken).
type CharEstimator struct {
	CharsPerToken int
}

// Estimate returns the approximate token count of text.
func (e CharEstimator) Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	cpt := e.CharsPerToken
	if cpt <= 0 {
		cpt = DefaultCharsPerToken
	}
	return (n + cpt - 1) / cpt
}

// ApproximateTokens estimates tokens with the default estimator.
func ApproximateTokens(text string) int {
	return CharEstimator{}.Estimate(text)
}

func estimatorOrDefault(e TokenEstimator) TokenEstimator {
	if e == nil {
		return CharEstimator{}
	}
	return e
}

// MessageText extracts the countable text of a message. Every known part
// kind contributes: text and reasoning verbatim, tool calls as name plus
// JSON input and output, sources as title plus URL, files by filename
// only. Unknown kinds contribute their "text" or "content" field.
func MessageText(m *types.Message) string {
	if m == nil {
		return ""
	}
	pieces := make([]string, 0, len(m.Parts))
	for _, p := range m.Parts {
		if s := partText(p); s != "" {
			pieces = append(pieces, s)
		}
	}
	return strings.Join(pieces, "\n")
}

func partText(p types.Part) string {
	switch p.Type {
	case types.PartTypeText, types.PartTypeReasoning:
		return p.Text
	case types.PartTypeToolCall:
		return joinNonEmpty(" ", p.ToolName, string(p.Input), string(p.Output))
	case types.PartTypeSource:
		return joinNonEmpty(" ", p.Title, p.URL)
	case types.PartTypeFile:
		// File bytes are not sent as text.
		return p.Filename
	default:
		return unknownPartText(p)
	}
}

func unknownPartText(p types.Part) string {
	if len(p.Raw) == 0 {
		return p.Text
	}
	for _, field := range []string{"text", "content"} {
		v := gjson.GetBytes(p.Raw, field)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		if v.Type == gjson.String {
			return v.Str
		}
		return v.Raw
	}
	return ""
}

func joinNonEmpty(sep string, parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}

// EstimateMessage returns the token count of a single message.
func EstimateMessage(e TokenEstimator, m *types.Message) int {
	return estimatorOrDefault(e).Estimate(MessageText(m))
}

// EstimateMessages sums the token counts of msgs.
func EstimateMessages(e TokenEstimator, msgs []*types.Message) int {
	e = estimatorOrDefault(e)
	total := 0
	for _, m := range msgs {
		total += e.Estimate(MessageText(m))
	}
	return total
}

// EstimateArtifact returns the token count of an artifact's title and summary.
func EstimateArtifact(e TokenEstimator, a Artifact) int {
	return estimatorOrDefault(e).Estimate(joinNonEmpty("\n", a.Title, a.Summary))
}

// EstimateArtifacts sums the token counts of artifacts.
func EstimateArtifacts(e TokenEstimator, artifacts []Artifact) int {
	total := 0
	for _, a := range artifacts {
		total += EstimateArtifact(e, a)
	}
	return total
}
