package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/danmuck/migratectl/internal/artifact"
	"github.com/danmuck/migratectl/internal/config"
	"github.com/danmuck/migratectl/internal/logging"
	"github.com/danmuck/migratectl/internal/manifest"
	"github.com/danmuck/migratectl/internal/migration"
	"github.com/danmuck/migratectl/internal/runtimes"
	"github.com/danmuck/migratectl/internal/state"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var directionArgs = []string{string(artifact.DirectionExport), string(artifact.DirectionImport)}

func newRootCmd(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:   "migratectl",
		Short: "Resumable project migration between workspaces",
		Long: `migratectl copies a project's files and artifacts from a source workspace
to a staging directory (export) and recreates them on a target workspace
(import). Both directions keep durable per-artifact state, so an interrupted
or partially failed run is resumed by running the same command again.

Exit codes:
  0    every artifact completed
  1    some artifacts failed; rerun to retry them
  2    configuration error or fatal step failure
  3    another run holds the lock for this project and direction
  130  interrupted`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(opts.stdout)
	root.SetErr(opts.stderr)
	root.PersistentFlags().StringVarP(&opts.project, "project", "p", "", "Project section of the config file")
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (default ~/.migratectl/<direction>-config.toml)")

	root.AddCommand(newExportCmd(opts))
	root.AddCommand(newImportCmd(opts))
	root.AddCommand(newValidateCmd(opts))
	root.AddCommand(newStatusCmd(opts))
	root.AddCommand(newRuntimesCmd(opts))
	root.AddCommand(newConfigCmd(opts))
	return root
}

func newExportCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Stage a project's files and artifact metadata from the source workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadProject(artifact.DirectionExport)
			if err != nil {
				return exitWith(migration.ExitFatal, err)
			}
			layout := manifest.NewLayout(cfg.OutputDir, cfg.Name)
			logging.AttachFile(layout.LogPath())

			client, err := opts.client(cfg)
			if err != nil {
				return exitWith(migration.ExitFatal, err)
			}
			exporter, err := migration.NewExporter(cfg, migration.ExportDeps{
				Client:   client,
				Delegate: opts.newDelegate(cfg, layout),
				Tree:     opts.newTree(cfg),
				Source:   cfg.Endpoint(),
			})
			if err != nil {
				return exitWith(migration.ExitFatal, err)
			}
			summary, err := exporter.Run(cmd.Context())
			return opts.report(summary, err)
		},
	}
}

func newImportCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Recreate a staged project on the target workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadProject(artifact.DirectionImport)
			if err != nil {
				return exitWith(migration.ExitFatal, err)
			}
			layout := manifest.NewLayout(cfg.OutputDir, cfg.Name)
			logging.AttachFile(layout.LogPath())

			client, err := opts.client(cfg)
			if err != nil {
				return exitWith(migration.ExitFatal, err)
			}
			importer, err := migration.NewImporter(cfg, migration.ImportDeps{
				Client:   client,
				Delegate: opts.newDelegate(cfg, layout),
				Target:   cfg.Endpoint(),
			})
			if err != nil {
				return exitWith(migration.ExitFatal, err)
			}
			summary, err := importer.Run(cmd.Context())
			return opts.report(summary, err)
		},
	}
}

// report renders the run summary on stderr and maps the result to an exit
// code.
func (o *options) report(summary migration.Summary, err error) error {
	if rerr := summary.Render(o.stderr); rerr != nil {
		log.Warn().Msgf("migratectl.report render failed err=%q", rerr.Error())
	}
	if code := migration.ExitCode(summary, err); code != migration.ExitComplete {
		return exitWith(code, nil)
	}
	return nil
}

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:       "validate export|import",
		Short:     "Check configuration, credentials and staging without migrating",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: directionArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			direction, err := artifact.ParseDirection(args[0])
			if err != nil {
				return exitWith(migration.ExitFatal, err)
			}
			cfg, err := opts.loadProject(direction)
			if err != nil {
				return exitWith(migration.ExitFatal, err)
			}
			client, err := opts.client(cfg)
			if err != nil {
				return exitWith(migration.ExitFatal, err)
			}

			ctx := cmd.Context()
			if direction == artifact.DirectionExport {
				if err := migration.ValidateExport(ctx, cfg, client); err != nil {
					return exitWith(migration.ExitCode(migration.Summary{}, err), err)
				}
				fmt.Fprintf(opts.stdout, "export %s: ok (user %s)\n", cfg.Name, cfg.Username)
				return nil
			}
			snap, err := migration.ValidateImport(ctx, cfg, client)
			if err != nil {
				return exitWith(migration.ExitCode(migration.Summary{}, err), err)
			}
			fmt.Fprintf(opts.stdout, "import %s: ok (%d runtimes, %d workloads, exported %s)\n",
				cfg.Name, len(snap.Runtimes), len(snap.Workloads), exportedAt(snap.Project))
			return nil
		},
	}
}

func exportedAt(p manifest.Project) string {
	if p.ExportedAt.IsZero() {
		return "at unknown time"
	}
	return humanize.Time(p.ExportedAt)
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:       "status export|import",
		Short:     "Print recorded artifact states and the run ledger of a project",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: directionArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			direction, err := artifact.ParseDirection(args[0])
			if err != nil {
				return exitWith(migration.ExitFatal, err)
			}
			cfg, err := opts.loadProject(direction)
			if err != nil {
				return exitWith(migration.ExitFatal, err)
			}
			layout := manifest.NewLayout(cfg.OutputDir, cfg.Name)
			if _, err := os.Stat(layout.StatePath()); errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(opts.stdout, "%s %s: no runs recorded\n", direction, cfg.Name)
				return nil
			}

			store, err := state.Open(layout.StatePath(), cfg.Name, direction)
			if err != nil {
				return exitWith(migration.ExitFatal, err)
			}
			defer store.Close()
			return printStatus(cmd, opts, store, direction, cfg.Name)
		},
	}
}

func printStatus(cmd *cobra.Command, opts *options, store *state.Store, direction artifact.Direction, project string) error {
	ctx := cmd.Context()
	records, err := store.List(ctx)
	if err != nil {
		return exitWith(migration.ExitFatal, err)
	}
	runs, err := store.Runs(ctx)
	if err != nil {
		return exitWith(migration.ExitFatal, err)
	}

	out := opts.stdout
	fmt.Fprintf(out, "%s %s: %d records, %d runs\n", direction, project, len(records), len(runs))
	for _, rec := range records {
		line := fmt.Sprintf("  %-11s %-28s attempts=%d", rec.Status, rec.Key, rec.Attempts)
		if rec.TargetID != "" {
			line += " target=" + rec.TargetID
		}
		if !rec.UpdatedAt.IsZero() {
			line += " updated " + humanize.Time(rec.UpdatedAt)
		}
		fmt.Fprintln(out, line)
		if rec.LastError != "" {
			fmt.Fprintf(out, "      %s\n", rec.LastError)
		}
	}
	for _, run := range runs {
		outcome := run.Outcome
		if outcome == "" {
			outcome = "running"
		}
		fmt.Fprintf(out, "  run %s %s started %s\n", run.ID, outcome, run.StartedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func newRuntimesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runtimes",
		Short: "Manage the legacy engine to runtime mapping",
	}

	var output string
	populate := &cobra.Command{
		Use:   "populate",
		Short: "Write the engine mapping file from the runtimes available on the target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadProject(artifact.DirectionImport)
			if err != nil {
				return exitWith(migration.ExitFatal, err)
			}
			target := strings.TrimSpace(output)
			if target == "" {
				target = cfg.RuntimeMapFile
			}
			if target == "" {
				return exitWith(migration.ExitFatal, &config.ConfigurationError{
					Path: cfg.Path, Section: cfg.Name, Key: "runtime_map_file",
					Reason: "required when --output is not given",
				})
			}

			client, err := opts.newClient(cfg, runtimes.DefaultMapping())
			if err != nil {
				return exitWith(migration.ExitFatal, err)
			}
			available, err := client.ListRuntimes(cmd.Context())
			if err != nil {
				return exitWith(migration.ExitFatal, fmt.Errorf("list runtimes: %w", err))
			}
			mapping, err := runtimes.Populate(available)
			if err != nil {
				return exitWith(migration.ExitFatal, err)
			}
			if err := runtimes.WriteFile(target, mapping); err != nil {
				return exitWith(migration.ExitFatal, err)
			}

			fmt.Fprintf(opts.stdout, "wrote %d engine mappings to %s\n", mapping.Len(), target)
			entries := mapping.Entries()
			engines := mapping.Engines()
			sort.Strings(engines)
			for _, engine := range engines {
				fmt.Fprintf(opts.stdout, "  %-10s %s\n", engine, entries[engine])
			}
			return nil
		},
	}
	populate.Flags().StringVarP(&output, "output", "o", "", "Mapping file to write (default runtime_map_file)")
	cmd.AddCommand(populate)
	return cmd
}

func newConfigCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage migratectl config files",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:       "init export|import",
		Short:     "Write an example config file",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: directionArgs,
		RunE: func(_ *cobra.Command, args []string) error {
			direction, err := artifact.ParseDirection(args[0])
			if err != nil {
				return exitWith(migration.ExitFatal, err)
			}
			path, err := opts.resolveConfigPath(direction)
			if err != nil {
				return exitWith(migration.ExitFatal, err)
			}
			if err := config.WriteTemplate(path, string(direction), force); err != nil {
				return exitWith(migration.ExitFatal, err)
			}
			fmt.Fprintf(opts.stdout, "wrote %s config template to %s\n", direction, path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	cmd.AddCommand(initCmd)
	return cmd
}
