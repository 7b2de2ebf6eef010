//go:build unix

package fragbench

import "golang.org/x/sys/unix"

// allocatedSize returns the bytes the file system has allocated for the
// file, which differs from its size for sparse or preallocated files.
func allocatedSize(path string) int64 {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0
	}
	return int64(st.Blocks) * 512
}
