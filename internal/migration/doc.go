// Package migration drives export and import runs for one project.
//
// Ownership boundary:
// - Run lifecycle: lock, state store, run ledger, metrics, summary.
// - Export: file sync to staging, artifact metadata into the manifest,
//   project descriptor last.
// - Import: project shell, file sync to target, artifact creation with
//   one-shot semantics.
// - Per-artifact error capture and the run outcome taxonomy.
package migration
