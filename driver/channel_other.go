//go:build !windows

package driver

import "fmt"

// Open is unavailable outside Windows: the monitor driver this package
// talks to is a Windows kernel-mode filter driver with no non-Windows
// counterpart in scope here.
func Open(devicePath string) (Channel, error) {
	return nil, fmt.Errorf("driver: device channel is only available on windows")
}
