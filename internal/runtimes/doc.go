// Package runtimes owns legacy-engine to runtime resolution.
//
// Ownership boundary:
// - the default engine mapping and the mapping file that replaces it
// - two-tier resolution where a per-artifact override always wins
// - best-match selection of a target runtime from reported attributes
package runtimes
