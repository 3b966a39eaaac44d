//go:build windows

package storage

import (
	"golang.org/x/sys/windows"
)

// FreeBytes reports the bytes available to the caller on the volume
// holding path.
func FreeBytes(path string) (int64, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	var avail, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(p, &avail, &total, &free); err != nil {
		return 0, err
	}
	return int64(avail), nil
}
