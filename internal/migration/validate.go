package migration

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/danmuck/migratectl/internal/artifact"
	"github.com/danmuck/migratectl/internal/config"
	"github.com/danmuck/migratectl/internal/manifest"
	"github.com/danmuck/migratectl/internal/remote"
)

// ValidateExport checks that the configured user exists on the source.
func ValidateExport(ctx context.Context, cfg config.Project, client remote.Client) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if client == nil {
		return nil
	}
	return validateUser(ctx, cfg, client)
}

// ValidateImport checks the staging area and the target before an import:
// staged files present, the manifest complete and parseable, runtime keys
// resolvable, and the user and team known to the target. It reads only.
func ValidateImport(ctx context.Context, cfg config.Project, client remote.Client) (manifest.Snapshot, error) {
	if err := cfg.Validate(); err != nil {
		return manifest.Snapshot{}, err
	}
	layout := manifest.NewLayout(cfg.OutputDir, cfg.Name)

	info, err := os.Stat(layout.DataDir())
	if err != nil || !info.IsDir() {
		return manifest.Snapshot{}, fatal("validate staging", fmt.Errorf("staged files missing at %s", layout.DataDir()))
	}
	snap, err := manifest.Load(layout)
	if err != nil {
		return manifest.Snapshot{}, fatal("validate manifest", err)
	}
	if err := validateSnapshot(snap); err != nil {
		return manifest.Snapshot{}, fatal("validate manifest", err)
	}

	if client == nil {
		return snap, nil
	}
	if err := validateUser(ctx, cfg, client); err != nil {
		return manifest.Snapshot{}, err
	}
	if team := snap.Project.Team; team != "" {
		ok, err := client.TeamExists(ctx, team)
		if err != nil {
			return manifest.Snapshot{}, abort(ctx, "check team", err)
		}
		if !ok {
			return manifest.Snapshot{}, &config.ConfigurationError{
				Section: cfg.Name,
				Key:     "team",
				Reason:  fmt.Sprintf("team %q does not exist on target", team),
			}
		}
	}
	return snap, nil
}

func validateUser(ctx context.Context, cfg config.Project, client remote.Client) error {
	ok, err := client.UserExists(ctx, cfg.Username)
	if err != nil {
		return abort(ctx, "check user", err)
	}
	if !ok {
		return &config.ConfigurationError{
			Path:    cfg.Path,
			Section: cfg.Name,
			Key:     "username",
			Reason:  fmt.Sprintf("user %q does not exist", cfg.Username),
		}
	}
	return nil
}

// validateSnapshot reports every structural problem of a manifest at once.
func validateSnapshot(snap manifest.Snapshot) error {
	var problems []error
	runtimeKeys := map[artifact.Key]bool{}
	for _, entry := range snap.Runtimes {
		key, err := entry.Key()
		if err != nil {
			problems = append(problems, err)
			continue
		}
		runtimeKeys[key] = true
	}
	seen := map[artifact.Key]bool{}
	for _, entry := range snap.Workloads {
		key, err := entry.Key()
		if err != nil {
			problems = append(problems, err)
			continue
		}
		if seen[key] {
			problems = append(problems, fmt.Errorf("%w: duplicate %s", manifest.ErrInvalidEntry, key))
		}
		seen[key] = true
		if entry.RuntimeKey != "" && entry.RuntimeOverride == "" {
			rk, err := artifact.ParseKey(entry.RuntimeKey)
			if err != nil {
				problems = append(problems, fmt.Errorf("%w: %s runtime_key: %v", manifest.ErrInvalidEntry, key, err))
			} else if rk.Kind() != artifact.KindRuntime || !runtimeKeys[rk] {
				problems = append(problems, fmt.Errorf("%w: %s references missing runtime %s", manifest.ErrInvalidEntry, key, rk))
			}
		}
		if _, err := entry.Dependencies(); err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(problems...)
}
