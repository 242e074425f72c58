// Package logx configures housekeeper's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Worker processes tagged with their task and correlation id
package logx
