package ignore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// FileName is the ignore file read from the project root.
const FileName = ".exportignore"

// DefaultRules apply when the project carries no ignore file.
var DefaultRules = []string{".cache", ".local"}

// Entry is one path of a listed source tree, relative to the root.
type Entry struct {
	Path string
	Dir  bool
	Size int64
}

// Filter evaluates ignore rules against root-relative paths.
type Filter struct {
	rules   []string
	matcher *gitignore.GitIgnore
}

// Compile builds a filter from rule lines. Blank lines and comments are dropped.
func Compile(lines []string) *Filter {
	rules := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rules = append(rules, line)
	}
	return &Filter{
		rules:   rules,
		matcher: gitignore.CompileIgnoreLines(rules...),
	}
}

// Parse reads rule lines from r.
func Parse(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ignore: read rules: %w", err)
	}
	return lines, nil
}

// Load reads FileName under root, falling back to DefaultRules.
func Load(root string) (*Filter, error) {
	f, err := os.Open(filepath.Join(root, FileName))
	if errors.Is(err, os.ErrNotExist) {
		return Compile(DefaultRules), nil
	}
	if err != nil {
		return nil, fmt.Errorf("ignore: open %s: %w", FileName, err)
	}
	defer f.Close()
	lines, err := Parse(f)
	if err != nil {
		return nil, err
	}
	return Compile(lines), nil
}

// FromContent compiles rules read from a remote ignore file. An absent file
// (found=false) yields the defaults.
func FromContent(content string, found bool) *Filter {
	if !found {
		return Compile(DefaultRules)
	}
	lines, _ := Parse(strings.NewReader(content))
	return Compile(lines)
}

// Rules returns the effective rule lines.
func (f *Filter) Rules() []string {
	return append([]string(nil), f.rules...)
}

// Excluded reports whether rel is filtered out. The ignore file itself is
// always excluded.
func (f *Filter) Excluded(rel string, dir bool) bool {
	rel = normalize(rel)
	if rel == "" {
		return false
	}
	if rel == FileName {
		return true
	}
	if dir {
		rel += "/"
	}
	return f.matcher.MatchesPath(rel)
}

// Exclusions walks the listed tree and returns the anchored exclusion
// patterns handed to the sync delegate. Children of an excluded directory are
// not listed separately.
func (f *Filter) Exclusions(entries []Entry) []string {
	sorted := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if p := normalize(e.Path); p != "" {
			sorted = append(sorted, Entry{Path: p, Dir: e.Dir, Size: e.Size})
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	out := make([]string, 0)
	var pruned []string
	for _, e := range sorted {
		if underAny(e.Path, pruned) {
			continue
		}
		if !f.Excluded(e.Path, e.Dir) {
			continue
		}
		if e.Dir {
			pruned = append(pruned, e.Path)
			out = append(out, "/"+e.Path+"/")
			continue
		}
		out = append(out, "/"+e.Path)
	}
	return out
}

// WalkLocal lists root as filter entries.
func WalkLocal(root string) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == "." {
			return err
		}
		entry := Entry{Path: filepath.ToSlash(rel), Dir: d.IsDir()}
		if !entry.Dir {
			if info, err := d.Info(); err == nil {
				entry.Size = info.Size()
			}
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ignore: walk %s: %w", root, err)
	}
	return entries, nil
}

func normalize(rel string) string {
	rel = strings.TrimSpace(filepath.ToSlash(rel))
	rel = strings.TrimPrefix(rel, "./")
	rel = strings.Trim(rel, "/")
	if rel == "" || rel == "." {
		return ""
	}
	return path.Clean(rel)
}

func underAny(p string, dirs []string) bool {
	for _, d := range dirs {
		if strings.HasPrefix(p, d+"/") {
			return true
		}
	}
	return false
}

// IncludedBytes sums the sizes of files that survive the filter.
func (f *Filter) IncludedBytes(entries []Entry) int64 {
	var excludedDirs []string
	for _, e := range entries {
		if p := normalize(e.Path); e.Dir && p != "" && f.Excluded(p, true) {
			excludedDirs = append(excludedDirs, p)
		}
	}
	var total int64
	for _, e := range entries {
		p := normalize(e.Path)
		if e.Dir || p == "" || underAny(p, excludedDirs) || f.Excluded(p, false) {
			continue
		}
		total += e.Size
	}
	return total
}
