// Package manifest owns the staged, hand-editable migration snapshot.
//
// Ownership boundary:
// - the staging directory layout under output_dir/<project>
// - TOML encoding of artifact entries and the project descriptor
// - atomic writes and the completeness marker read by import
package manifest
