// Package lock owns the per-project, per-direction run lock.
//
// Ownership boundary:
// - exclusive non-blocking acquisition of the lock file
// - holder identification for rejected runs
// - release on normal exit; the OS drops the lock if the process dies
package lock
