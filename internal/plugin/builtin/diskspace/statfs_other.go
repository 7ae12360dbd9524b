//go:build !linux

package diskspace

import (
	"errors"
	"runtime"
)

func FreeBytes(string) (uint64, error) {
	return 0, errors.New("disk space check not supported on " + runtime.GOOS)
}
