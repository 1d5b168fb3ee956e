// Package chatcompact keeps long chat transcripts inside a model's context
// window.
//
// Every turn the host hands the full transcript to a syncer. The syncer
// estimates the token usage of the payload that would be sent to the
// model: pinned messages first, then summary artifacts, then the messages
// that survived the last compaction. When usage crosses the configured
// threshold of the active model's budget, a summarizer folds older
// messages into artifacts and a new snapshot records which messages
// survive. The transcript itself is never truncated; compression state is
// stamped onto messages and persisted in the thread's metadata.
//
// # Quick Start
//
//	cfg, err := config.Load("chatcompact.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := chatcompact.NewClient(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	syncer, err := client.NewSyncer()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fx, err := syncer.Sync(ctx, "thread-1", transcript)
//	// fx.Payload.Messages is what to send to the model.
//
// # Summarizers
//
// The "default" provider summarizes locally without a model. The
// "anthropic" and "openai" providers call a model through
// compaction.CompressionHandler with a structured output schema. The
// "remote" provider forwards to another chatcompact server's
// POST /api/compress.
//
// # Storage
//
// Threads live in memory, in PostgreSQL through pgx ("pgx") or lib/pq
// ("postgres"), or in SQLite ("sqlite"). See the storage package.
//
// # Hooks
//
// Register callbacks on Client.Hooks to observe or veto compaction:
//
//	client.Hooks().OnBeforeCompaction(func(ctx context.Context, threadID string, usage *compaction.Usage) error {
//	    if threadID == "audit" {
//	        return errors.New("compaction disabled for audit threads")
//	    }
//	    return nil
//	})
//
// # HTTP API
//
// Client.Start serves the api package router, which exposes compression,
// payload previews, stored thread state and Prometheus metrics.
package chatcompact
