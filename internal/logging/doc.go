// Package logging assembles structured slog loggers and formatting helpers used
// across kiln.
//
// It owns the console/JSON handlers, centralizes level and output plumbing, and
// exposes context-aware helpers so engine code automatically tags log lines
// with run keys, unit IDs, stages, pools, and correlation IDs. The package also
// provides a no-op logger for tests and wiring code that cannot fail.
package logging
