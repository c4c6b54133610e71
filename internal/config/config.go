package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

var ErrConfiguration = errors.New("config: invalid configuration")

// ConfigurationError is a missing or invalid setting. It is raised before any
// lock or state mutation.
type ConfigurationError struct {
	Path    string
	Section string
	Key     string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("config")
	if e.Path != "" {
		b.WriteString(" " + e.Path)
	}
	if e.Section != "" {
		b.WriteString(" [" + e.Section + "]")
	}
	if e.Key != "" {
		b.WriteString(" " + e.Key)
	}
	b.WriteString(": " + e.Reason)
	return b.String()
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

const (
	DirName               = ".migratectl"
	MinParallelism        = 1
	MaxParallelism        = 16
	defaultFilesRoot      = "/home/cdsw"
	defaultSSHPort        = 22
	defaultRequestTimeout = 60 * time.Second
)

// SSH addresses the host holding the project files on the remote side. An
// empty Host means the files are local.
type SSH struct {
	Host                string
	Port                int
	User                string
	KeyPath             string
	KnownHostsPath      string
	InsecureSkipHostKey bool
}

// Project is one named configuration section. It is passed by value into
// each orchestrator; nothing reads configuration from process globals.
type Project struct {
	Name           string
	Path           string
	Username       string
	URL            string
	APIKey         string
	OutputDir      string
	CAPath         string
	Parallelism    int
	AdoptExisting  bool
	DefaultRuntime string
	RuntimeMapFile string
	StatusAddr     string
	StatusToken    string
	FilesRoot      string
	RsyncPath      string
	CheckDiskSpace bool
	RequestTimeout time.Duration
	SSH            SSH
}

type fileSection struct {
	Username               string `toml:"username"`
	URL                    string `toml:"url"`
	APIKey                 string `toml:"api_key"`
	OutputDir              string `toml:"output_dir"`
	CAPath                 string `toml:"ca_path"`
	Parallelism            int    `toml:"parallelism"`
	AdoptExisting          bool   `toml:"adopt_existing"`
	DefaultRuntime         string `toml:"default_runtime"`
	RuntimeMapFile         string `toml:"runtime_map_file"`
	StatusAddr             string `toml:"status_addr"`
	StatusToken            string `toml:"status_token"`
	FilesRoot              string `toml:"files_root"`
	RsyncPath              string `toml:"rsync_path"`
	CheckDiskSpace         bool   `toml:"check_disk_space"`
	RequestTimeout         string `toml:"request_timeout"`
	SSHHost                string `toml:"ssh_host"`
	SSHPort                int    `toml:"ssh_port"`
	SSHUser                string `toml:"ssh_user"`
	SSHKeyPath             string `toml:"ssh_key_path"`
	SSHKnownHosts          string `toml:"ssh_known_hosts"`
	SSHInsecureSkipHostKey bool   `toml:"ssh_insecure_skip_host_key"`
}

func DefaultProject(name string) Project {
	return Project{
		Name:           name,
		Parallelism:    2,
		FilesRoot:      defaultFilesRoot,
		RsyncPath:      "rsync",
		CheckDiskSpace: true,
		RequestTimeout: defaultRequestTimeout,
		SSH:            SSH{Port: defaultSSHPort},
	}
}

// DefaultPath returns ~/.migratectl/<direction>-config.toml.
func DefaultPath(direction string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", &ConfigurationError{Reason: fmt.Sprintf("resolve home directory: %v", err)}
	}
	return filepath.Join(home, DirName, direction+"-config.toml"), nil
}

// Sections lists the project sections of a config file.
func Sections(path string) ([]string, error) {
	raw := map[string]fileSection{}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, decodeError(path, err)
	}
	out := make([]string, 0, len(raw))
	for name := range raw {
		out = append(out, name)
	}
	return out, nil
}

// Load decodes the section named project from path and validates it.
func Load(path string, project string) (Project, error) {
	project = strings.TrimSpace(project)
	if project == "" {
		return Project{}, &ConfigurationError{Path: path, Reason: "project name is required"}
	}

	raw := map[string]fileSection{}
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Project{}, decodeError(path, err)
	}
	sec, ok := raw[project]
	if !ok {
		return Project{}, &ConfigurationError{Path: path, Section: project, Reason: "section not found"}
	}
	for _, key := range meta.Undecoded() {
		if len(key) > 1 && key[0] == project {
			log.Warn().Msgf("config.Load unknown key path=%q key=%q", path, key.String())
		}
	}

	cfg := DefaultProject(project)
	cfg.Path = path
	defined := func(key string) bool { return meta.IsDefined(project, key) }

	cfg.Username = strings.TrimSpace(sec.Username)
	cfg.URL = strings.TrimRight(strings.TrimSpace(sec.URL), "/")
	cfg.APIKey = strings.TrimSpace(sec.APIKey)
	cfg.OutputDir = expandHome(strings.TrimSpace(sec.OutputDir))
	cfg.CAPath = expandHome(strings.TrimSpace(sec.CAPath))
	cfg.AdoptExisting = sec.AdoptExisting
	cfg.DefaultRuntime = strings.TrimSpace(sec.DefaultRuntime)
	cfg.RuntimeMapFile = expandHome(strings.TrimSpace(sec.RuntimeMapFile))
	cfg.StatusAddr = strings.TrimSpace(sec.StatusAddr)
	cfg.StatusToken = strings.TrimSpace(sec.StatusToken)

	if defined("parallelism") {
		cfg.Parallelism = sec.Parallelism
	}
	if defined("files_root") {
		cfg.FilesRoot = strings.TrimSpace(sec.FilesRoot)
	}
	if defined("rsync_path") {
		cfg.RsyncPath = strings.TrimSpace(sec.RsyncPath)
	}
	if defined("check_disk_space") {
		cfg.CheckDiskSpace = sec.CheckDiskSpace
	}
	if defined("request_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(sec.RequestTimeout))
		if err != nil {
			return Project{}, &ConfigurationError{
				Path: path, Section: project, Key: "request_timeout", Reason: err.Error(),
			}
		}
		cfg.RequestTimeout = d
	}

	cfg.SSH.Host = strings.TrimSpace(sec.SSHHost)
	cfg.SSH.User = strings.TrimSpace(sec.SSHUser)
	cfg.SSH.KeyPath = expandHome(strings.TrimSpace(sec.SSHKeyPath))
	cfg.SSH.KnownHostsPath = expandHome(strings.TrimSpace(sec.SSHKnownHosts))
	cfg.SSH.InsecureSkipHostKey = sec.SSHInsecureSkipHostKey
	if defined("ssh_port") {
		cfg.SSH.Port = sec.SSHPort
	}

	if err := cfg.Validate(); err != nil {
		return Project{}, err
	}
	return cfg, nil
}

// Validate checks required keys and bounds.
func (p Project) Validate() error {
	fail := func(key, reason string) error {
		return &ConfigurationError{Path: p.Path, Section: p.Name, Key: key, Reason: reason}
	}
	if strings.TrimSpace(p.Name) == "" {
		return fail("", "project name is required")
	}
	required := []struct {
		key   string
		value string
	}{
		{"username", p.Username},
		{"url", p.URL},
		{"api_key", p.APIKey},
		{"output_dir", p.OutputDir},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fail(r.key, "required")
		}
	}
	if !strings.HasPrefix(p.URL, "http://") && !strings.HasPrefix(p.URL, "https://") {
		return fail("url", fmt.Sprintf("must be an http(s) url, got %q", p.URL))
	}
	if p.Parallelism < MinParallelism || p.Parallelism > MaxParallelism {
		return fail("parallelism", fmt.Sprintf("must be within %d..%d, got %d", MinParallelism, MaxParallelism, p.Parallelism))
	}
	if strings.TrimSpace(p.FilesRoot) == "" {
		return fail("files_root", "must not be empty")
	}
	if p.RequestTimeout <= 0 {
		return fail("request_timeout", "must be positive")
	}
	if p.SSH.Host != "" && (p.SSH.Port <= 0 || p.SSH.Port > 65535) {
		return fail("ssh_port", fmt.Sprintf("invalid port %d", p.SSH.Port))
	}
	if p.CAPath != "" {
		if _, err := os.Stat(p.CAPath); err != nil {
			return fail("ca_path", err.Error())
		}
	}
	return nil
}

func decodeError(path string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return &ConfigurationError{Path: path, Reason: "file not found"}
	}
	var perr toml.ParseError
	if errors.As(err, &perr) {
		return &ConfigurationError{Path: path, Reason: fmt.Sprintf("parse: line %d: %s", perr.Position.Line, perr.Message)}
	}
	return &ConfigurationError{Path: path, Reason: err.Error()}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
