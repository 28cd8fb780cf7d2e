package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// Devices lists every device currently claimed by the monitor driver,
// without starting the server.
type Devices struct{}

// Run is called by Kong when the devices command is executed.
func (d *Devices) Run(logger *slog.Logger) error {
	claimed, err := claimAllDevices(logger)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		fmt.Println("no devices claimed by the monitor driver")
		return nil
	}

	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}
	pathCol := width - 24
	if pathCol < 20 {
		pathCol = 20
	}

	fmt.Printf("%-10s %-13s %s\n", "VID:PID", "CLASS", "PATH")
	for _, dev := range claimed {
		desc := dev.Descriptor.Device
		path := dev.Path
		if len(path) > pathCol {
			path = path[:pathCol-3] + "..."
		}
		fmt.Printf("%04x:%04x  %3d/%3d/%3d   %s\n",
			desc.IDVendor, desc.IDProduct,
			desc.BDeviceClass, desc.BDeviceSubClass, desc.BDeviceProtocol,
			path)
	}
	return nil
}
