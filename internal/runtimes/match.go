package runtimes

import (
	"fmt"

	"github.com/danmuck/migratectl/internal/artifact"
)

type criterion func(have, want artifact.RuntimeRef) bool

// Criteria from strictest to loosest.
var matchLevels = []criterion{
	func(h, w artifact.RuntimeRef) bool {
		return h.Kernel == w.Kernel && h.Edition == w.Edition && h.Editor == w.Editor &&
			h.ShortVersion == w.ShortVersion && h.FullVersion == w.FullVersion
	},
	func(h, w artifact.RuntimeRef) bool {
		return h.Kernel == w.Kernel && h.Edition == w.Edition && h.Editor == w.Editor &&
			h.ShortVersion == w.ShortVersion
	},
	func(h, w artifact.RuntimeRef) bool {
		return h.Kernel == w.Kernel && h.Edition == w.Edition && h.Editor == w.Editor
	},
	func(h, w artifact.RuntimeRef) bool {
		return h.Kernel == w.Kernel && h.Editor == w.Editor
	},
	func(h, w artifact.RuntimeRef) bool {
		return h.Kernel == w.Kernel
	},
}

// Available reports whether identifier is one of the candidates.
func Available(candidates []artifact.RuntimeRef, identifier string) bool {
	if identifier == "" {
		return false
	}
	for _, c := range candidates {
		if c.Identifier == identifier {
			return true
		}
	}
	return false
}

// BestMatch picks the candidate closest to want. The first candidate satisfying
// the strictest level wins.
func BestMatch(candidates []artifact.RuntimeRef, want artifact.RuntimeRef) (string, error) {
	if want.Kernel == "" {
		return "", fmt.Errorf("%w: runtime has no kernel", ErrNoCandidates)
	}
	for _, level := range matchLevels {
		for _, c := range candidates {
			if c.Identifier != "" && level(c, want) {
				return c.Identifier, nil
			}
		}
	}
	return "", fmt.Errorf("%w: kernel=%q", ErrNoCandidates, want.Kernel)
}
