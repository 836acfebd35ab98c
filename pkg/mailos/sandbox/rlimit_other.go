//go:build !linux && !windows

package sandbox

// applyMemoryLimit is a no-op where prlimit(2) is unavailable.
func applyMemoryLimit(pid, mb int) error { return nil }
