//go:build !unix

package mmap

import (
	"io"
	"os"
)

// Platforms without a Unix mmap read the file into memory instead.
func mmap(f *os.File, size int, _ Options) ([]byte, error) {
	b := make([]byte, size)
	_, err := io.ReadFull(io.NewSectionReader(f, 0, int64(size)), b)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func munmap(b []byte) error {
	return nil
}
