package usbipd

import "time"

// Config represents the serve subcommand configuration.
type Config struct {
	Addr              string        `help:"USB/IP server listen address" default:":3240" env:"USBIPD_ADDR"`
	ConnectionTimeout time.Duration `kong:"-"`
}
