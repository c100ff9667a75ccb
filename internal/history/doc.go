// Package history keeps a SQLite log of finished runs.
//
// Every Run row stores the report totals for one invocation of the
// coordinator plus the state each unit ended that invocation in. Checkpoint
// files remain the source of truth for resuming; history only answers "what
// happened" questions for the CLI. The schema is embedded and versioned the
// same way the store verifies it on open: a mismatch asks the operator to
// delete the database rather than migrating it.
package history
