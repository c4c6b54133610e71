// Package ignore owns export file selection.
//
// Ownership boundary:
// - loading the project-root ignore file and its defaults
// - gitignore precedence: later rules win, "!" re-includes, directory rules recurse
// - turning a listed source tree into anchored sync exclusions
package ignore
