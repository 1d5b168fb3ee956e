// Package main implements the chatcompact command: an HTTP compaction
// server plus offline payload and summarize tools.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/youssefsiam38/chatcompact"
	"github.com/youssefsiam38/chatcompact/config"
	"github.com/youssefsiam38/chatcompact/internal/logging"
	"github.com/youssefsiam38/chatcompact/types"
)

var (
	// configPath is the YAML config file; empty uses defaults and env
	configPath string
	// modelID overrides the configured active model
	modelID    string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "chatcompact",
		Short: "Keep chat transcripts inside a model's context window",
		Long: `chatcompact estimates the token cost of chat transcripts and folds
older messages into summaries when a thread nears its model's budget.

Configuration is read from --config and CHATCOMPACT_* environment variables.`,
		Version:       chatcompact.Version,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&modelID, "model", "", "active model ID (overrides config)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newPayloadCmd())
	root.AddCommand(newSummarizeCmd())
	return root
}

// loadConfig loads the config and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if modelID != "" {
		cfg.ActiveModel = modelID
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// newLogger builds the zap logger described by cfg.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Format)
}

// readTranscript reads a JSON array of messages from path, or from stdin
// when path is "-".
func readTranscript(cmd *cobra.Command, path string) ([]*types.Message, error) {
	var (
		content []byte
		err     error
	)
	if path == "-" {
		content, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		content, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read file %s: %w", path, err)
		}
	}

	var msgs []*types.Message
	if err := json.Unmarshal(content, &msgs); err != nil {
		return nil, fmt.Errorf("failed to decode transcript: %w", err)
	}
	return msgs, nil
}

// printJSON writes v as indented JSON to the command's output.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
