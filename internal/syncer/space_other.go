//go:build !unix

package syncer

// FreeBytes has no probe on this platform.
func FreeBytes(path string) (int64, bool, error) {
	return 0, false, nil
}
