package syncer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

var ErrInsufficientSpace = errors.New("syncer: insufficient disk space")

// CheckSpace fails when need bytes do not fit into the free space at path.
// Platforms without a probe skip the check.
func CheckSpace(path string, need int64) error {
	free, ok, err := FreeBytes(path)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if need > free {
		return fmt.Errorf("%w: need %s, %s free at %s",
			ErrInsufficientSpace, humanize.IBytes(uint64(need)), humanize.IBytes(uint64(free)), path)
	}
	return nil
}

// existingParent walks up to the closest existing directory.
func existingParent(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("syncer: no existing parent for %s", path)
		}
		p = parent
	}
}
