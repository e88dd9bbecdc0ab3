//go:build !linux

package image

import (
	"fmt"
	"runtime"
)

// EnumerateProcess produces the image map of a target process. Only linux
// exposes another process's mappings; elsewhere the caller must supply the
// image map explicitly.
func EnumerateProcess(pid int) (*ImageMap, error) {
	return nil, fmt.Errorf("enumerating images of process %d: not supported on %s", pid, runtime.GOOS)
}
