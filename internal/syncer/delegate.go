package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/danmuck/migratectl/internal/tools"
	"github.com/rs/zerolog/log"
)

var ErrSyncFailed = errors.New("syncer: sync failed")

// Result describes one completed sync.
type Result struct {
	BytesTransferred int64
	FilesTransferred int64
}

// Delegate copies a directory tree, delta-only. A second call on an already
// synced tree must be a no-op.
type Delegate interface {
	Sync(ctx context.Context, src string, dst string, exclude []string) (Result, error)
}

// Endpoint renders an rsync location; Host empty means local.
type Endpoint struct {
	User string
	Host string
	Path string
}

// String renders the endpoint with a trailing slash so directory contents,
// not the directory itself, are synced.
func (e Endpoint) String() string {
	p := e.Path
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	if e.Host == "" {
		return p
	}
	if e.User == "" {
		return e.Host + ":" + p
	}
	return e.User + "@" + e.Host + ":" + p
}

type RsyncConfig struct {
	Binary              string
	SSHPort             string
	SSHKeyPath          string
	KnownHostsPath      string
	InsecureSkipHostKey bool

	// ExcludeFile receives the exclusion list passed with --exclude-from.
	ExcludeFile string
	Runner      tools.CommandRunner
}

func DefaultRsyncConfig() RsyncConfig {
	return RsyncConfig{
		Binary: "rsync",
		Runner: tools.ExecRunner{},
	}
}

// Rsync is a Delegate backed by the rsync binary.
type Rsync struct {
	cfg RsyncConfig
}

func NewRsync(cfg RsyncConfig) *Rsync {
	def := DefaultRsyncConfig()
	if strings.TrimSpace(cfg.Binary) == "" {
		cfg.Binary = def.Binary
	}
	if cfg.Runner == nil {
		cfg.Runner = def.Runner
	}
	return &Rsync{cfg: cfg}
}

// Args returns the rsync argument list for one sync.
func (r *Rsync) Args(src string, dst string, excludeFile string) []string {
	args := []string{"-a", "--delete", "--partial", "-i", "--stats"}
	if ssh := r.sshDirective(); ssh != "" {
		args = append(args, "-e", ssh)
	}
	if excludeFile != "" {
		args = append(args, "--exclude-from="+excludeFile)
	}
	return append(args, src, dst)
}

func (r *Rsync) sshDirective() string {
	if r.cfg.SSHPort == "" && r.cfg.SSHKeyPath == "" && r.cfg.KnownHostsPath == "" && !r.cfg.InsecureSkipHostKey {
		return ""
	}
	parts := []string{"ssh"}
	if r.cfg.SSHPort != "" {
		parts = append(parts, "-p", r.cfg.SSHPort)
	}
	if r.cfg.SSHKeyPath != "" {
		parts = append(parts, "-i", tools.ShellEscape(r.cfg.SSHKeyPath))
	}
	if r.cfg.InsecureSkipHostKey {
		parts = append(parts, "-oStrictHostKeyChecking=no")
	} else if r.cfg.KnownHostsPath != "" {
		parts = append(parts, "-oUserKnownHostsFile="+tools.ShellEscape(r.cfg.KnownHostsPath))
	}
	return strings.Join(parts, " ")
}

func (r *Rsync) Sync(ctx context.Context, src string, dst string, exclude []string) (Result, error) {
	excludeFile, cleanup, err := r.writeExcludes(exclude)
	if err != nil {
		return Result{}, err
	}
	defer cleanup()

	if !strings.Contains(dst, ":") {
		if err := os.MkdirAll(strings.TrimSuffix(dst, "/"), 0o755); err != nil {
			return Result{}, fmt.Errorf("syncer: create destination: %w", err)
		}
	}

	args := r.Args(src, dst, excludeFile)
	log.Info().Msgf("syncer.Rsync.Sync start src=%q dst=%q exclusions=%d", src, dst, len(exclude))
	stdout, stderr, code, err := r.cfg.Runner.Run(ctx, r.cfg.Binary, args...)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("%w: interrupted: %v", ErrSyncFailed, ctx.Err())
		}
		return Result{}, fmt.Errorf("%w: rsync exit=%d: %s", ErrSyncFailed, code, lastLine(stderr, err))
	}
	res := ParseStats(string(stdout))
	log.Info().Msgf("syncer.Rsync.Sync done bytes=%d files=%d", res.BytesTransferred, res.FilesTransferred)
	return res, nil
}

func (r *Rsync) writeExcludes(exclude []string) (string, func(), error) {
	noop := func() {}
	if len(exclude) == 0 {
		return "", noop, nil
	}
	data := []byte(strings.Join(exclude, "\n") + "\n")
	if r.cfg.ExcludeFile != "" {
		if err := os.MkdirAll(filepath.Dir(r.cfg.ExcludeFile), 0o755); err != nil {
			return "", noop, fmt.Errorf("syncer: exclude dir: %w", err)
		}
		if err := os.WriteFile(r.cfg.ExcludeFile, data, 0o644); err != nil {
			return "", noop, fmt.Errorf("syncer: write exclude file: %w", err)
		}
		return r.cfg.ExcludeFile, noop, nil
	}
	f, err := os.CreateTemp("", "migratectl-exclude-*")
	if err != nil {
		return "", noop, fmt.Errorf("syncer: temp exclude file: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", noop, fmt.Errorf("syncer: write exclude file: %w", err)
	}
	f.Close()
	return name, func() { os.Remove(name) }, nil
}

var (
	statBytes = regexp.MustCompile(`(?m)^Total transferred file size:\s*([\d,.]+)`)
	statFiles = regexp.MustCompile(`(?m)^Number of regular files transferred:\s*([\d,.]+)`)
)

// ParseStats reads the --stats trailer of rsync output.
func ParseStats(out string) Result {
	return Result{
		BytesTransferred: statNumber(statBytes, out),
		FilesTransferred: statNumber(statFiles, out),
	}
}

func statNumber(re *regexp.Regexp, out string) int64 {
	m := re.FindStringSubmatch(out)
	if len(m) < 2 {
		return 0
	}
	raw := strings.NewReplacer(",", "", ".", "").Replace(m[1])
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func lastLine(stderr []byte, err error) string {
	lines := strings.Split(strings.TrimSpace(string(stderr)), "\n")
	if len(lines) > 0 && lines[len(lines)-1] != "" {
		return lines[len(lines)-1]
	}
	return err.Error()
}

var _ Delegate = (*Rsync)(nil)
