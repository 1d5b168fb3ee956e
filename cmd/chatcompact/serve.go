package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/youssefsiam38/chatcompact"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the compaction HTTP server",
		Long: `Run the compaction HTTP server until interrupted.

Examples:
  # Serve with defaults on :8080
  chatcompact serve

  # Serve with a config file and a Postgres store
  CHATCOMPACT_STORE_DRIVER=pgx CHATCOMPACT_STORE_DSN=postgres://localhost/chat \
    chatcompact serve --config chatcompact.yaml`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := chatcompact.NewClient(ctx, cfg, chatcompact.WithLogger(logger.Named("chatcompact")))
	if err != nil {
		logger.Error("failed to create client", "error", err)
		return err
	}
	defer client.Close()

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("server failed", "error", err)
		return err
	}
	if ctx.Err() != nil && cmd.Context().Err() == nil {
		logger.Info("shutdown signal received")
	}
	return nil
}
