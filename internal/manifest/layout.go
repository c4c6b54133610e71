package manifest

import (
	"net/url"
	"path/filepath"

	"github.com/danmuck/migratectl/internal/artifact"
)

const (
	dataDirName     = "project-data"
	metadataDirName = "project-metadata"
	controlDirName  = ".migratectl"
	logDirName      = "logs"
	projectFileName = "project.toml"
)

// Layout resolves paths inside one project's staging directory.
type Layout struct {
	Root string
}

func NewLayout(outputDir string, project string) Layout {
	return Layout{Root: filepath.Join(outputDir, project)}
}

func (l Layout) DataDir() string {
	return filepath.Join(l.Root, dataDirName)
}

func (l Layout) MetadataDir() string {
	return filepath.Join(l.Root, metadataDirName)
}

func (l Layout) ProjectFile() string {
	return filepath.Join(l.MetadataDir(), projectFileName)
}

// KindDir is the directory holding entries of kind.
func (l Layout) KindDir(kind artifact.Kind) string {
	return filepath.Join(l.MetadataDir(), kind.Plural())
}

// EntryPath is the file holding one entry. Source ids are path-escaped.
func (l Layout) EntryPath(kind artifact.Kind, sourceID string) string {
	return filepath.Join(l.KindDir(kind), url.PathEscape(sourceID)+".toml")
}

func (l Layout) ControlDir() string {
	return filepath.Join(l.Root, controlDirName)
}

func (l Layout) StatePath() string {
	return filepath.Join(l.ControlDir(), "state.db")
}

func (l Layout) LockPath(direction artifact.Direction) string {
	return filepath.Join(l.ControlDir(), string(direction)+".lock")
}

func (l Layout) ExcludePath() string {
	return filepath.Join(l.ControlDir(), "exclude.txt")
}

func (l Layout) LogDir() string {
	return filepath.Join(l.Root, logDirName)
}

func (l Layout) LogPath() string {
	return filepath.Join(l.LogDir(), "migration.log")
}

func (l Layout) MetricsPath(direction artifact.Direction) string {
	return filepath.Join(l.LogDir(), string(direction)+"_metrics.prom")
}
