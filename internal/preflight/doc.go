// Package preflight provides readiness checks for the directories, backends,
// and artifact storage a kiln run depends on.
//
// The CLI "kiln check" command runs RunAll and prints one line per result.
// Checks that need a network call are single-shot and bounded by a short
// timeout; features that are not configured are skipped.
package preflight
