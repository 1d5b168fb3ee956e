// Package compaction decides which messages of a chat transcript are sent
// to a model once the transcript approaches the model's context window.
//
// Three authorities are merged into one surviving set: pinned messages,
// which are never trimmed; the latest Snapshot, which records the survivors
// of the last compaction run; and summary Artifacts, which stand in for the
// trimmed messages.
//
// # Payload
//
// BuildPayload is a pure reducer. It orders pins by transcript position,
// applies the snapshot, appends one system message per artifact and
// computes Usage:
//
//	p := compaction.BuildPayload(compaction.PayloadInput{
//	    Messages:  transcript,
//	    Pinned:    state.Pinned,
//	    Artifacts: state.Artifacts,
//	    Snapshot:  state.Snapshot,
//	    Config:    cfg.Normalize(model),
//	})
//	if p.ShouldCompress {
//	    // run a Summarizer
//	}
//
// Messages stamped with a different snapshot, or with none, always survive.
//
// # Summarizers
//
// DefaultSummarizer trims locally: the newest six messages and whatever
// else fits the budget survive, the rest become a bulleted digest.
// CompressionHandler asks a model through a Generator (AnthropicGenerator
// or OpenAIGenerator) for survivors and artifacts, and surfaces every
// failure to the caller.
//
// # Message metadata
//
// The decision is embedded in each message under MetadataKey. The
// writers return the input unchanged when nothing differs, which keeps
// callers from re-persisting identical transcripts.
//
// # Token Counting
//
// Token counts use a character-based approximation (~4 characters per
// token). Any TokenEstimator can replace it.
package compaction
