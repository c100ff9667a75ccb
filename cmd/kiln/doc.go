// Package main hosts the kiln CLI entrypoint and command graph.
//
// The Cobra-based command tree runs directive and matrix workflows in the
// foreground, inspects checkpoint records and run history, checks backend
// readiness, and scaffolds configuration. It centralizes configuration
// resolution and logger setup so subcommands only deal with presentation.
//
// Keep this package lean: engine behavior lives in internal/pipeline and the
// packages it wires; commands here translate flags into workflows and
// reports into tables.
package main
