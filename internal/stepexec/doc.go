// Package stepexec runs one work unit's stages to a terminal state.
//
// Each attempt awaits the pool's rate delay, calls the backend under a
// per-call timeout, optionally runs the quality gate, and classifies the
// outcome. Transient failures (congestion, timeouts, unknown errors, quality
// rejections) are retried with exponential backoff until the attempt budget of
// max_retries+1 calls per stage is spent. Congestion feeds the rate controller,
// and a threshold crossing escalates the pool's credentials. Every state
// transition is written to the checkpoint store before the next one begins.
package stepexec
