//go:build windows

package validation

import "golang.org/x/sys/windows"

// getDiskSpace returns total bytes and bytes available to the caller for
// the volume containing path.
func getDiskSpace(path string) (total int64, free int64, err error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, 0, err
	}
	var avail, totalBytes, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(p, &avail, &totalBytes, &totalFree); err != nil {
		return 0, 0, err
	}
	return int64(totalBytes), int64(avail), nil
}
