package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/danmuck/migratectl/internal/artifact"
	"github.com/danmuck/migratectl/internal/config"
	"github.com/danmuck/migratectl/internal/manifest"
	"github.com/danmuck/migratectl/internal/remote"
	"github.com/danmuck/migratectl/internal/runtimes"
	"github.com/danmuck/migratectl/internal/syncer"
)

// options holds the persistent flags and the collaborator factories shared
// by every subcommand.
type options struct {
	project    string
	configPath string
	stdout     io.Writer
	stderr     io.Writer

	newClient   func(cfg config.Project, mapping runtimes.Mapping) (remote.Client, error)
	newDelegate func(cfg config.Project, layout manifest.Layout) syncer.Delegate
	newTree     func(cfg config.Project) syncer.Tree
}

func newOptions(stdout, stderr io.Writer) *options {
	return &options{
		stdout: stdout,
		stderr: stderr,
		newClient: func(cfg config.Project, mapping runtimes.Mapping) (remote.Client, error) {
			c, err := remote.NewHTTPClient(cfg.HTTPConfig(mapping))
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		newDelegate: func(cfg config.Project, layout manifest.Layout) syncer.Delegate {
			return syncer.NewRsync(cfg.RsyncConfig(layout.ExcludePath()))
		},
		newTree: func(cfg config.Project) syncer.Tree {
			return cfg.Tree()
		},
	}
}

// resolveConfigPath returns --config or the per-direction default file.
func (o *options) resolveConfigPath(direction artifact.Direction) (string, error) {
	if p := strings.TrimSpace(o.configPath); p != "" {
		return p, nil
	}
	return config.DefaultPath(string(direction))
}

// loadProject reads the --project section of the direction's config file.
func (o *options) loadProject(direction artifact.Direction) (config.Project, error) {
	path, err := o.resolveConfigPath(direction)
	if err != nil {
		return config.Project{}, err
	}
	if strings.TrimSpace(o.project) == "" {
		reason := "--project is required"
		if sections, serr := config.Sections(path); serr == nil && len(sections) > 0 {
			sort.Strings(sections)
			reason = fmt.Sprintf("--project is required (available: %s)", strings.Join(sections, ", "))
		}
		return config.Project{}, &config.ConfigurationError{Path: path, Reason: reason}
	}
	return config.Load(path, o.project)
}

// client builds the remote client with the project's runtime mapping.
func (o *options) client(cfg config.Project) (remote.Client, error) {
	mapping, err := runtimes.LoadOrDefault(cfg.RuntimeMapFile)
	if err != nil {
		return nil, &config.ConfigurationError{
			Path: cfg.Path, Section: cfg.Name, Key: "runtime_map_file", Reason: err.Error(),
		}
	}
	return o.newClient(cfg, mapping)
}
