// Package services defines shared utilities consumed by the pipeline engine
// and the backend adapters.
//
// Key responsibilities:
//   - Context helpers that stamp work unit IDs, stage names, resource pools,
//     run keys, and correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper, and Classify, which maps
//     any error chain onto the engine's failure taxonomy (congestion, timeout,
//     permanent invalid request, credential exhaustion, quality rejection).
//
// Backend adapters must tag their failures with these markers; the step
// executor decides retries, backoff, and credential escalation purely from the
// classified kind.
package services
