// Package checkpoint persists per-run execution state.
//
// A run is identified by a run key and stored as <state_dir>/<run_key>.json,
// guarded by an advisory lock on <run_key>.lock so two processes never write
// the same record. Every write replaces the file through a temp file and an
// atomic rename; a crash mid-write leaves the previous record intact. A
// missing file means nothing has run yet.
//
// Units recorded as completed or failed are terminal: the store refuses to
// overwrite them, so a resumed run can never re-execute or re-bill them.
package checkpoint
