package syncer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/danmuck/migratectl/internal/ignore"
	"github.com/danmuck/migratectl/internal/tools"
)

// Tree lists a source file tree and reads single files from it.
type Tree interface {
	List(ctx context.Context, root string) ([]ignore.Entry, error)
	ReadFile(ctx context.Context, path string) (string, bool, error)
}

// LocalTree reads the local filesystem.
type LocalTree struct{}

func (LocalTree) List(ctx context.Context, root string) ([]ignore.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ignore.WalkLocal(root)
}

func (LocalTree) ReadFile(_ context.Context, path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("syncer: read %s: %w", path, err)
	}
	return string(data), true, nil
}

// RemoteTree lists a tree on a host reached through runner.
type RemoteTree struct {
	Runner tools.CommandRunner
}

const missingFileExit = 3

func (t RemoteTree) List(ctx context.Context, root string) ([]ignore.Entry, error) {
	stdout, stderr, code, err := t.Runner.Run(ctx, "find", root, "-mindepth", "1", "-printf", `%y\t%s\t%P\n`)
	if err != nil {
		return nil, fmt.Errorf("syncer: list %s exit=%d: %s", root, code, lastLine(stderr, err))
	}
	return ParseFindOutput(stdout)
}

func (t RemoteTree) ReadFile(ctx context.Context, path string) (string, bool, error) {
	script := `if [ -f "$1" ]; then cat "$1"; else exit ` + strconv.Itoa(missingFileExit) + `; fi`
	stdout, stderr, code, err := t.Runner.Run(ctx, "sh", "-c", script, "sh", path)
	if code == missingFileExit {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("syncer: read %s exit=%d: %s", path, code, lastLine(stderr, err))
	}
	return string(stdout), true, nil
}

// ParseFindOutput parses `find -printf '%y\t%s\t%P\n'` lines.
func ParseFindOutput(out []byte) ([]ignore.Entry, error) {
	var entries []ignore.Entry
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("syncer: malformed listing line %q", line)
		}
		size, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("syncer: malformed size in %q", line)
		}
		entry := ignore.Entry{Path: parts[2], Dir: parts[0] == "d"}
		if !entry.Dir {
			entry.Size = size
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("syncer: scan listing: %w", err)
	}
	return entries, nil
}

var (
	_ Tree = LocalTree{}
	_ Tree = RemoteTree{}
)
