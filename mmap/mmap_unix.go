//go:build unix

package mmap

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func mmap(f *os.File, size int, opt Options) ([]byte, error) {
	b, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}

	var advice int
	switch {
	case opt.Has(SequentialAccess):
		advice = unix.MADV_SEQUENTIAL
	case opt.Has(RandomAccess):
		advice = unix.MADV_RANDOM
	default:
		return b, nil
	}
	err = unix.Madvise(b, advice)
	if err != nil && err != unix.ENOSYS {
		// ENOSYS is fine: the mapping still works without the hint.
		unix.Munmap(b)
		return nil, fmt.Errorf("madvise(%d): %w", advice, err)
	}
	return b, nil
}

func munmap(b []byte) error {
	return unix.Munmap(b)
}
