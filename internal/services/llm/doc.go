// Package llm provides an OpenRouter chat client that serves as kiln's
// analysis backend and quality-gate judge.
//
// # Entry Points
//
// NewClient: construct client from Config.
// Client.Analyze: run one analysis stage (implements backend.Analyzer).
// Client.JudgeArtifact: accept or reject an artifact against a criterion.
// Client.CompleteJSON: send system/user prompts, receive a JSON response.
// Client.HealthCheck: verify API key and model availability.
//
// # Error Classification
//
// Every call issues exactly one HTTP request. Failures are tagged with the
// markers from internal/services so the step executor can decide what to do:
// 429 is congestion (with any Retry-After hint exposed), 408/504 and network
// timeouts are timeouts, 401/402/403 mean the credential is spent, other 4xx
// responses are permanent, and 5xx responses stay unclassified and are
// retried as transient.
//
// # Credentials
//
// Analyze uses the credential carried on the request when present, falling
// back to the configured api_key. The judge always uses the configured key.
package llm
