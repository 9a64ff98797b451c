// Package logging provides structured logging for exambuddy.
//
// The package wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Dual output (stdout + OpenTelemetry logs bridge)
//   - Automatic context field injection (trace_id, job, session, request)
//   - Secret redaction at the encoder
//   - Level-aware sampling (errors never sampled)
//
// # Usage
//
//	logger, err := logging.NewLogger(logging.FromConfig(cfg.Logging), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithJob(ctx, logging.Job{ID: job.ID, Kind: "file"})
//	logger.Info(ctx, "job completed", zap.Int("chunks", n))
//
// Output carries the correlation fields:
//
//	{
//	  "ts": "2025-11-24T10:15:30Z",
//	  "level": "info",
//	  "msg": "job completed",
//	  "job.id": "0b6c...",
//	  "job.kind": "file",
//	  "chunks": 12
//	}
//
// Use RedactedString or Secret for values that must never be printed:
//
//	logger.Info(ctx, "llm configured", logging.Secret("api_key", cfg.LLM.APIKey))
package logging
