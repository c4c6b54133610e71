// Package tools provides command execution shared by the sync and probe adapters.
//
// Ownership boundary:
// - local command execution with cancellation
// - remote command execution over SSH
// - shell quoting for remote command lines
package tools
