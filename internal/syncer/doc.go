// Package syncer owns the bulk file transfer boundary.
//
// Ownership boundary:
// - the Delegate contract: delta sync of a directory tree with exclusions
// - the rsync delegate and its transfer statistics
// - source tree listing (local or over SSH) and the staging free-space probe
package syncer
