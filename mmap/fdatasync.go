package mmap

import "os"

// Fdatasync flushes the data written to f to stable storage, skipping
// metadata (like modification time) where the OS allows.
//
// Errors are not recoverable: after a failed fsync the kernel may have
// marked the dirty pages as clean, so the only sane reaction is to stop
// writing and treat the file as suspect.
func Fdatasync(f *os.File) error {
	return fdatasync(f)
}
