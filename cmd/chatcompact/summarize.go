package main

import (
	"github.com/spf13/cobra"

	"github.com/youssefsiam38/chatcompact"
	"github.com/youssefsiam38/chatcompact/compaction"
	"github.com/youssefsiam38/chatcompact/storage"
	"github.com/youssefsiam38/chatcompact/threadsync"
	"github.com/youssefsiam38/chatcompact/types"
)

// summarizeThreadID names the scratch thread used by the summarize command.
const summarizeThreadID = "cli"

// SummarizeOutput is printed by the summarize command.
type SummarizeOutput struct {
	Snapshot  *compaction.Snapshot  `json:"snapshot"`
	Artifacts []compaction.Artifact `json:"artifacts"`
	Usage     *compaction.Usage     `json:"usage"`
	Messages  []*types.Message      `json:"messages"`
}

func newSummarizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summarize <transcript.json|->",
		Short: "Compact a transcript with the configured summarizer",
		Long: `Run one compaction cycle over a transcript and print the snapshot,
the summary artifacts and the stamped transcript.

The configured store is not touched; the transcript lives in memory.

Examples:
  # Summarize locally
  chatcompact summarize thread.json

  # Summarize with Claude
  CHATCOMPACT_SUMMARIZER_PROVIDER=anthropic chatcompact summarize thread.json`,
		Args: cobra.ExactArgs(1),
		RunE: runSummarize,
	}
}

func runSummarize(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	msgs, err := readTranscript(cmd, args[0])
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	client, err := chatcompact.NewClient(ctx, cfg,
		chatcompact.WithLogger(logger),
		chatcompact.WithStore(storage.NewMemoryStore()),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	var syncErr error
	syncer, err := client.NewSyncer(func(o *threadsync.Options) {
		o.OnError = func(_ string, err error) { syncErr = err }
	})
	if err != nil {
		return err
	}

	if _, err := syncer.Sync(ctx, summarizeThreadID, msgs); err != nil {
		return err
	}
	syncer.Wait()
	if syncErr != nil {
		return syncErr
	}

	if syncer.State().Snapshot == nil {
		if _, err := syncer.Compact(ctx, threadsync.ManualCompactionReason); err != nil {
			return err
		}
	}

	state := syncer.State()
	return printJSON(cmd, SummarizeOutput{
		Snapshot:  state.Snapshot,
		Artifacts: state.Artifacts,
		Usage:     state.Usage,
		Messages:  syncer.Transcript(),
	})
}
