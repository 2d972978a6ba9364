//go:build !linux

package tcpinfo

import (
	"fmt"
	"runtime"
)

type SysInfo struct {
	// Empty for unsupported platforms.
}

func GetTCPInfo(fd uintptr) (*SysInfo, error) {
	return nil, fmt.Errorf("tcpinfo: %s is unsupported", runtime.GOOS)
}

func Supported() bool {
	return false
}
