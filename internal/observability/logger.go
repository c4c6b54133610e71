package observability

import (
	"github.com/rs/zerolog"
)

// RunLogger scopes logger to one migration run.
func RunLogger(logger zerolog.Logger, project, direction, runID string) zerolog.Logger {
	return logger.With().
		Str("project", project).
		Str("direction", direction).
		Str("run_id", runID).
		Logger()
}
