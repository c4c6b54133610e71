package logging

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/lumberjack/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel     = "MIGRATECTL_LOG_LEVEL"
	EnvLogTimestamp = "MIGRATECTL_LOG_TIMESTAMP"
	EnvLogNoColor   = "MIGRATECTL_LOG_NOCOLOR"
	EnvLogBypass    = "MIGRATECTL_LOG_BYPASS"
)

const (
	fileMaxSizeMB  = 10
	fileMaxBackups = 5
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Config controls the process-wide logger.
type Config struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
	Bypass    bool
	Console   io.Writer
	// FilePath, when set, receives JSON lines through a size-rotated writer.
	FilePath string
}

var (
	configureOnce sync.Once
	fileMu        sync.Mutex
	fileSink      *lumberjack.Logger
)

func ConfigureRuntime() {
	Configure(ProfileRuntime)
}

func ConfigureTests() {
	Configure(ProfileTest)
}

func Configure(profile Profile) {
	configureOnce.Do(func() {
		cfg := DefaultConfig(profile)
		applyEnvOverrides(&cfg)
		Apply(cfg)
	})
}

func DefaultConfig(profile Profile) Config {
	cfg := Config{Console: os.Stderr}
	switch profile {
	case ProfileTest:
		cfg.Level = zerolog.DebugLevel
		cfg.Timestamp = false
	default:
		cfg.Level = zerolog.InfoLevel
		cfg.Timestamp = true
	}
	return cfg
}

// Apply installs cfg as the global logger. It may be called again to attach a
// per-project log file once the staging directory is known.
func Apply(cfg Config) {
	if cfg.Console == nil {
		cfg.Console = os.Stderr
	}
	if cfg.Bypass {
		cfg.Level = zerolog.Disabled
	}

	console := zerolog.ConsoleWriter{
		Out:        cfg.Console,
		NoColor:    cfg.NoColor,
		TimeFormat: time.RFC3339,
	}
	if !cfg.Timestamp {
		console.PartsExclude = []string{zerolog.TimestampFieldName}
	}

	writers := []io.Writer{console}
	if sink := openFileSink(cfg.FilePath); sink != nil {
		writers = append(writers, sink)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(cfg.Level).
		With().Timestamp().Str("app", "migratectl").
		Logger()
	log.Logger = logger
	zerolog.DefaultContextLogger = &log.Logger
}

// AttachFile reconfigures the runtime logger to also write path.
func AttachFile(path string) {
	cfg := DefaultConfig(ProfileRuntime)
	applyEnvOverrides(&cfg)
	cfg.FilePath = path
	Apply(cfg)
}

// CloseFile flushes and closes the rotating log file, if any.
func CloseFile() error {
	fileMu.Lock()
	defer fileMu.Unlock()
	if fileSink == nil {
		return nil
	}
	err := fileSink.Close()
	fileSink = nil
	return err
}

func openFileSink(path string) io.Writer {
	fileMu.Lock()
	defer fileMu.Unlock()
	if fileSink != nil {
		_ = fileSink.Close()
		fileSink = nil
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil
	}
	fileSink = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    fileMaxSizeMB,
		MaxBackups: fileMaxBackups,
	}
	return fileSink
}

func applyEnvOverrides(cfg *Config) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogBypass)); ok {
		cfg.Bypass = v
	}
}

// ParseLevel maps a level name to a zerolog level.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace", "diagnostics":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none", "inactive":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
