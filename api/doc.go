// Package api serves the compaction engine over HTTP.
//
// # Endpoints
//
// Compaction:
//   - POST /api/compress - Run the LLM-backed summarizer on a transcript
//   - POST /api/payload - Preview the payload and usage for a transcript
//
// Threads (only when a thread store is configured):
//   - GET /api/threads/{id}/compression - Persisted compression state;
//     ?format=html adds rendered artifact summaries
//
// Operations:
//   - GET /healthz - Liveness probe
//   - GET /metrics - Prometheus metrics
//
// Errors are returned as {"error": "<message>"}. Malformed requests get a
// 4xx status and are never partially processed.
//
// Client is a compaction.Summarizer that calls POST /api/compress, so a
// syncer can delegate summarization to a remote server.
package api
