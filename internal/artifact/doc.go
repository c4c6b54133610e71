// Package artifact owns the typed model of a migrated project.
//
// Ownership boundary:
// - artifact kinds and dependency tiers
// - per-artifact migration status and its legal transitions
// - the stable record key derived from source-side identifiers
package artifact
