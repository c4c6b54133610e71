// Package scheduler owns migration ordering.
//
// Ownership boundary:
// - tier order: project files, then runtimes, then workloads
// - waves of mutually independent records inside a tier
// - prerequisite gating of records whose dependencies did not complete
package scheduler
