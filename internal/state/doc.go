// Package state owns the durable per-project migration record.
//
// Ownership boundary:
// - the SQLite-backed record table keyed by (project, direction, key)
// - guarded status transitions, attempt counts, and last error capture
// - interrupted-run recovery and the run ledger
package state
