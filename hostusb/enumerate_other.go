//go:build !windows

package hostusb

import "fmt"

// Enumerate is unavailable outside Windows; see driver.Open.
func Enumerate() ([]string, error) {
	return nil, fmt.Errorf("hostusb: device enumeration is only available on windows")
}
