//go:build linux

package sandbox

import "golang.org/x/sys/unix"

// applyMemoryLimit caps the address space of a running process.
func applyMemoryLimit(pid, mb int) error {
	limit := uint64(mb) * 1024 * 1024
	return unix.Prlimit(pid, unix.RLIMIT_AS, &unix.Rlimit{Cur: limit, Max: limit}, nil)
}
