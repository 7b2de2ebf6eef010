// Package mmap maps journal segment files into memory for reading.
package mmap

import (
	"os"
)

type Options uint

const (
	// SequentialAccess is a hint requesting aggressive read-ahead.
	// Incompatible with RandomAccess. Maps to MADV_SEQUENTIAL on Unix.
	SequentialAccess Options = 1 << 0

	// RandomAccess is a hint that read ahead is less useful than normally.
	// Incompatible with SequentialAccess. Maps to MADV_RANDOM on Unix.
	RandomAccess Options = 1 << 1
)

func (o Options) Has(v Options) bool {
	return o&v != 0
}

// Map maps the first size bytes of f read-only. Size must be positive.
func Map(f *os.File, size int, opt Options) ([]byte, error) {
	if size <= 0 {
		panic("mmap: non-positive size")
	}
	return mmap(f, size, opt)
}

// Unmap releases a slice returned by Map.
func Unmap(b []byte) error {
	return munmap(b)
}
