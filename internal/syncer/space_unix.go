//go:build unix

package syncer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FreeBytes reports the space available to unprivileged users at path.
func FreeBytes(path string) (int64, bool, error) {
	dir, err := existingParent(path)
	if err != nil {
		return 0, false, err
	}
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, false, fmt.Errorf("syncer: statfs %s: %w", dir, err)
	}
	return int64(st.Bavail) * int64(st.Bsize), true, nil
}
