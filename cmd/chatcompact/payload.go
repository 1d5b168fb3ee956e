package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/youssefsiam38/chatcompact/api"
	"github.com/youssefsiam38/chatcompact/compaction"
	"github.com/youssefsiam38/chatcompact/config"
	"github.com/youssefsiam38/chatcompact/types"
)

func newPayloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "payload <transcript.json|->",
		Short: "Show the payload and token usage for a transcript",
		Long: `Build the request payload for a transcript without calling a model.

The transcript is a JSON array of messages. Pins stamped on the messages
are honoured.

Examples:
  # Inspect a saved transcript against the active model
  chatcompact payload thread.json

  # Pipe a transcript and pick a model
  cat thread.json | chatcompact payload --model gpt-4o -`,
		Args: cobra.ExactArgs(1),
		RunE: runPayload,
	}
}

func runPayload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	msgs, err := readTranscript(cmd, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, buildPayloadReport(cfg, msgs, time.Now().UTC()))
}

// buildPayloadReport computes the payload for msgs under cfg's active
// model.
func buildPayloadReport(cfg *config.Config, msgs []*types.Message, now time.Time) api.PayloadResponse {
	var model *compaction.Model
	for i := range cfg.Models {
		if cfg.Models[i].ID == cfg.ActiveModel {
			model = &cfg.Models[i]
			break
		}
	}

	var responseTokens *int
	if model != nil && model.MaxOutputTokens > 0 {
		responseTokens = compaction.IntPtr(model.MaxOutputTokens)
	}

	p := compaction.BuildPayload(compaction.PayloadInput{
		Messages:                msgs,
		Pinned:                  compaction.ExtractPinnedMessages(msgs),
		Config:                  cfg.Compaction.Normalize(model),
		Estimator:               compaction.CharEstimator{},
		EstimatedResponseTokens: responseTokens,
		Now:                     now,
	})

	return api.PayloadResponse{
		Messages:            p.Messages,
		PinnedMessageIDs:    p.PinnedMessageIDs,
		ArtifactIDs:         p.ArtifactIDs,
		SurvivingMessageIDs: p.SurvivingMessageIDs,
		Usage:               p.Usage,
		ShouldCompress:      p.ShouldCompress,
		OverBudget:          p.OverBudget,
	}
}
