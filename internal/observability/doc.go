// Package observability exposes per-run metrics and the optional status server.
//
// Ownership boundary:
// - Prometheus collectors for one migration run and their textfile export.
// - gin middleware for request logging and request metrics.
// - HTTP status surface serving health, record state, and metrics.
package observability
