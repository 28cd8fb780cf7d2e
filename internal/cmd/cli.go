// Package cmd implements the usbipd CLI subcommands: serving the USB/IP
// exporter, listing claimed devices, and scaffolding config files.
package cmd

// LogConfig groups the logging-related flags shared by every subcommand.
type LogConfig struct {
	Level   string `help:"Log level: trace, debug, info, warn, error" default:"info" env:"USBIPD_LOG_LEVEL"`
	File    string `help:"Also write logs to this file; console logs then all go to stderr" env:"USBIPD_LOG_FILE"`
	RawFile string `help:"Write a hex dump of every wire byte to this file" env:"USBIPD_LOG_RAW_FILE"`
}

// CLI is the top-level command structure parsed by Kong.
type CLI struct {
	Serve   Serve         `cmd:"" help:"Claim visible devices and export them over USB/IP"`
	Devices Devices       `cmd:"" help:"List devices currently claimed by the monitor driver"`
	Config  ConfigCommand `cmd:"" help:"Configuration file helpers"`
	Log     LogConfig     `embed:"" prefix:"log."`
}
