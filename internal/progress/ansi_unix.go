//go:build !windows
// +build !windows

package progress

import "os"

// enableANSIOnWindows is a no-op on non-Windows platforms
func enableANSIOnWindows(f *os.File) {}
