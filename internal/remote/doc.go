// Package remote owns the workload-management API boundary.
//
// Ownership boundary:
// - the Client contract consumed by the orchestrators
// - the HTTP adapter for the v2 workspace API and its error mapping
// - project shell, runtime catalog, and artifact listing/creation calls
package remote
