package config

import (
	"strconv"

	"github.com/danmuck/migratectl/internal/remote"
	"github.com/danmuck/migratectl/internal/runtimes"
	"github.com/danmuck/migratectl/internal/syncer"
	"github.com/danmuck/migratectl/internal/tools"
)

// Remote reports whether the project files live on an SSH host.
func (p Project) Remote() bool {
	return p.SSH.Host != ""
}

// HTTPConfig builds the workspace API client config.
func (p Project) HTTPConfig(mapping runtimes.Mapping) remote.HTTPConfig {
	cfg := remote.DefaultHTTPConfig()
	cfg.BaseURL = p.URL
	cfg.APIKey = p.APIKey
	cfg.CAPath = p.CAPath
	cfg.Timeout = p.RequestTimeout
	cfg.Mapping = mapping
	return cfg
}

// Runner returns the command runner for the host holding the project files.
func (p Project) Runner() tools.CommandRunner {
	if !p.Remote() {
		return tools.ExecRunner{}
	}
	return tools.SSHRunner{
		Host:                        p.SSH.Host,
		Port:                        strconv.Itoa(p.SSH.Port),
		User:                        p.SSH.User,
		KeyPath:                     p.SSH.KeyPath,
		KnownHostsPath:              p.SSH.KnownHostsPath,
		InsecureSkipHostKeyChecking: p.SSH.InsecureSkipHostKey,
		Timeout:                     p.RequestTimeout,
	}
}

// Tree returns the file tree reader for the project files.
func (p Project) Tree() syncer.Tree {
	if !p.Remote() {
		return syncer.LocalTree{}
	}
	return syncer.RemoteTree{Runner: p.Runner()}
}

// Endpoint is the rsync location of the project files.
func (p Project) Endpoint() syncer.Endpoint {
	return syncer.Endpoint{User: p.SSH.User, Host: p.SSH.Host, Path: p.FilesRoot}
}

// RsyncConfig builds the file sync delegate config. The rsync binary runs
// locally; SSH settings only apply to its transport.
func (p Project) RsyncConfig(excludeFile string) syncer.RsyncConfig {
	cfg := syncer.DefaultRsyncConfig()
	if p.RsyncPath != "" {
		cfg.Binary = p.RsyncPath
	}
	cfg.ExcludeFile = excludeFile
	if p.Remote() {
		cfg.SSHPort = strconv.Itoa(p.SSH.Port)
		cfg.SSHKeyPath = p.SSH.KeyPath
		cfg.KnownHostsPath = p.SSH.KnownHostsPath
		cfg.InsecureSkipHostKey = p.SSH.InsecureSkipHostKey
	}
	return cfg
}
