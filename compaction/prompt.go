package compaction

import (
	"fmt"
	"strings"

	"github.com/youssefsiam38/chatcompact/types"
)

// CompressionSystemPrompt instructs the model how to compact a transcript.
const CompressionSystemPrompt = `You compact chat transcripts so they fit a model's context window.

You receive the current token usage, the token budget, the pinned messages, the existing summary artifacts and the full transcript. Decide which messages must stay verbatim and summarize the rest.

Rules:
- Pinned messages always stay. List them in surviving_message_ids anyway.
- Keep the most recent exchanges verbatim.
- Only use message ids that appear in the transcript.
- Each artifact summarizes a contiguous stretch of trimmed messages. Reference them in source_message_ids.
- Summaries must preserve decisions, facts, names, numbers, open questions and pending tasks.
- Do not repeat content already covered by an existing artifact.
- Prefer fewer, denser artifacts.

Respond only through the provided schema.`

// transcriptLineLimit caps the text quoted for each transcript line.
const transcriptLineLimit = 640

// pinnedSnippetLimit caps the text quoted for each pinned message.
const pinnedSnippetLimit = 200

// PromptInput is the data rendered into the compaction prompt.
type PromptInput struct {
	Messages       []*types.Message
	PinnedMessages []PinnedMessage
	Artifacts      []Artifact
	Usage          *Usage
	Budget         *int
	Reason         string
}

// BuildCompressionPrompt renders the user prompt for a remote summarizer.
func BuildCompressionPrompt(in PromptInput) string {
	var b strings.Builder

	pinned := make(map[string]bool, len(in.PinnedMessages))
	for _, p := range in.PinnedMessages {
		pinned[p.ID] = true
	}

	b.WriteString("## Usage\n")
	if in.Usage != nil {
		fmt.Fprintf(&b, "total=%d pinned=%d artifacts=%d surviving=%d\n",
			in.Usage.TotalTokens, in.Usage.PinnedTokens, in.Usage.ArtifactTokens, in.Usage.SurvivingTokens)
	} else {
		b.WriteString("unknown\n")
	}
	if in.Budget != nil {
		fmt.Fprintf(&b, "Token budget: %d\n", *in.Budget)
	} else {
		b.WriteString("Token budget: unlimited\n")
	}
	if in.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", in.Reason)
	}

	b.WriteString("\n## Pinned messages\n")
	if len(in.PinnedMessages) == 0 {
		b.WriteString("None\n")
	}
	for _, p := range in.PinnedMessages {
		role := types.Role("unknown")
		text := ""
		if p.Message != nil {
			role = p.Message.Role
			text = MessageText(p.Message)
		}
		fmt.Fprintf(&b, "- id=%s role=%s: %s\n", p.ID, role, truncateRunes(collapseWhitespace(text), pinnedSnippetLimit))
	}

	b.WriteString("\n## Existing artifacts\n")
	if len(in.Artifacts) == 0 {
		b.WriteString("None\n")
	}
	for _, a := range in.Artifacts {
		title := a.Title
		if title == "" {
			title = "Untitled"
		}
		fmt.Fprintf(&b, "- id=%s %s: %s\n", a.ID, title, truncateRunes(collapseWhitespace(a.Summary), transcriptLineLimit))
	}

	b.WriteString("\n## Transcript (oldest to newest)\n")
	for i, m := range in.Messages {
		if m == nil || IsEventMessage(m) {
			continue
		}
		fmt.Fprintf(&b, "[%d] id=%s role=%s pinned=%t: %s\n",
			i, m.ID, m.Role, pinned[m.ID], truncateRunes(collapseWhitespace(MessageText(m)), transcriptLineLimit))
	}

	return b.String()
}
