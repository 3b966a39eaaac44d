//go:build !linux && !darwin && !freebsd && !windows

package storage

import "math"

// FreeBytes has no implementation on this platform; the free-space floor is never hit.
func FreeBytes(path string) (int64, error) {
	return math.MaxInt64, nil
}
