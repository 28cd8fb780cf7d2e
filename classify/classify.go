// Package classify tracks per-device endpoint transfer types as the guest
// selects configurations and interface alternate settings, so the Submit
// Engine can pick a URB transfer type without re-parsing descriptors on
// every submit.
package classify

import "github.com/nyxusb/usbipd/usb"

// Classifier holds classification state for one claimed device. It is
// mutated only on the receive path, before the trapped ioctl that caused
// the mutation returns, and read only on the receive path: single-writer,
// single-reader, so no mutex guards it.
type Classifier struct {
	desc        *usb.Descriptor
	configValue uint8
	altSettings map[uint8]uint8
}

// New builds a Classifier for a device descriptor read at claim time. The
// device starts unconfigured (configuration value 0) until SET_CONFIGURATION
// is trapped.
func New(desc *usb.Descriptor) *Classifier {
	return &Classifier{
		desc:        desc,
		altSettings: make(map[uint8]uint8),
	}
}

// GetEndpointType returns the transfer type for endpoint ep in direction in.
// Endpoint 0 always classifies as control regardless of configuration state.
// An endpoint that cannot be resolved against the current configuration and
// alternate settings (e.g. before SET_CONFIGURATION has run) falls back to
// control, matching the driver's treatment of ep0 during enumeration.
func (c *Classifier) GetEndpointType(ep uint8, in bool) usb.TransferType {
	if ep == 0 {
		return usb.TransferControl
	}
	cfg := c.desc.Config(c.configValue)
	if cfg == nil {
		return usb.TransferControl
	}
	addr := ep
	if in {
		addr |= 0x80
	}
	for i := range cfg.Interfaces {
		iface := &cfg.Interfaces[i]
		alt, ok := iface.AltSetting(c.altSettings[iface.Number])
		if !ok {
			continue
		}
		for _, e := range alt.Endpoints {
			if e.Address == addr {
				return e.Type()
			}
		}
	}
	return usb.TransferControl
}

// SetConfiguration records a trapped SET_CONFIGURATION. Per USB semantics,
// selecting a configuration resets every interface to alternate setting 0.
func (c *Classifier) SetConfiguration(value uint8) {
	c.configValue = value
	c.altSettings = make(map[uint8]uint8)
}

// SetInterface records a trapped SET_INTERFACE.
func (c *Classifier) SetInterface(iface, altSetting uint8) {
	c.altSettings[iface] = altSetting
}

// ConfigurationValue returns the most recently trapped configuration value.
func (c *Classifier) ConfigurationValue() uint8 { return c.configValue }
