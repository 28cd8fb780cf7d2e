// Package usb models the static USB descriptor data needed to classify
// endpoints and to report devices through the USB/IP management handshake.
// It does not interpret anything beyond what spec.md requires: transfer
// type per (endpoint, direction) and the handful of device/interface
// fields the devlist/import replies embed.
package usb

import "encoding/binary"

// Standard descriptor type bytes.
const (
	DescTypeDevice        = 0x01
	DescTypeConfig        = 0x02
	DescTypeString        = 0x03
	DescTypeInterface     = 0x04
	DescTypeEndpoint      = 0x05
	DescTypeHID           = 0x21
	DescTypeHIDReport     = 0x22
)

// TransferType classifies an endpoint for the Submit Engine.
type TransferType uint8

const (
	TransferControl TransferType = iota
	TransferIsochronous
	TransferBulk
	TransferInterrupt
)

func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// EndpointDescriptor is the standard 7-byte endpoint descriptor.
type EndpointDescriptor struct {
	Address       uint8 // includes the IN direction bit (0x80)
	Attributes    uint8 // bits 0-1 select TransferType
	MaxPacketSize uint16
	Interval      uint8
}

// Type derives the transfer type from bmAttributes bits 0-1 (USB 2.0 Table 9-13).
func (e EndpointDescriptor) Type() TransferType {
	switch e.Attributes & 0x03 {
	case 0x00:
		return TransferControl
	case 0x01:
		return TransferIsochronous
	case 0x02:
		return TransferBulk
	default:
		return TransferInterrupt
	}
}

// Number returns the endpoint number without the direction bit.
func (e EndpointDescriptor) Number() uint8 { return e.Address & 0x0f }

// IsIn reports whether this is an IN (device-to-host) endpoint.
func (e EndpointDescriptor) IsIn() bool { return e.Address&0x80 != 0 }

// AltSetting is one alternate setting of an interface: its own interface
// descriptor plus the endpoints it declares.
type AltSetting struct {
	Number             uint8
	AlternateSetting   uint8
	Class              uint8
	SubClass           uint8
	Protocol           uint8
	Endpoints          []EndpointDescriptor
}

// Interface groups every alternate setting sharing one interface number.
type Interface struct {
	Number uint8
	Alts   []AltSetting
}

// AltSetting looks up one alternate setting by value, or ok=false if unset.
func (i *Interface) AltSetting(alt uint8) (AltSetting, bool) {
	for _, a := range i.Alts {
		if a.AlternateSetting == alt {
			return a, true
		}
	}
	return AltSetting{}, false
}

// DeviceDescriptor is the fields of the standard 18-byte device descriptor
// that devlist/import need to report.
type DeviceDescriptor struct {
	BcdUSB             uint16
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	IDVendor           uint16
	IDProduct          uint16
	BcdDevice          uint16
	BNumConfigurations uint8
	Speed              uint32 // 1=low, 2=full, 3=high, 4=super, matching usbip wire speed codes
}

// Config is one parsed configuration descriptor: every interface (across
// all its alternate settings) the device declares under this configuration
// value.
type Config struct {
	Value      uint8
	Interfaces []Interface
}

// Interface looks up an interface by number.
func (c *Config) Interface(number uint8) *Interface {
	for i := range c.Interfaces {
		if c.Interfaces[i].Number == number {
			return &c.Interfaces[i]
		}
	}
	return nil
}

// Descriptor is everything the exporter keeps about one claimed device:
// its device descriptor and every configuration it declares, as read from
// hardware at claim time (see package hostusb).
type Descriptor struct {
	Device      DeviceDescriptor
	Configs     []Config
	NumIfacesOf uint8 // bNumInterfaces of the active configuration; not set by hostusb.Claim, and devlist/import count Configs[0].Interfaces instead
}

// Config looks up a configuration by its bConfigurationValue.
func (d *Descriptor) Config(value uint8) *Config {
	for i := range d.Configs {
		if d.Configs[i].Value == value {
			return &d.Configs[i]
		}
	}
	return nil
}

// ParseConfigDescriptor walks a raw configuration descriptor (as returned
// by the device for GET_DESCRIPTOR, type=CONFIGURATION) and builds a
// Config grouping every interface descriptor by interface number and every
// endpoint descriptor under the alternate setting that precedes it.
//
// This only extracts what the Endpoint Classifier needs (interface/endpoint
// structure); it ignores HID, audio, and other class-specific descriptors
// interleaved in the byte stream, skipping them by their declared length.
func ParseConfigDescriptor(data []byte) (*Config, error) {
	cfg := &Config{}
	var curIface *Interface
	var curAlt *AltSetting

	pos := 0
	for pos+2 <= len(data) {
		length := int(data[pos])
		if length < 2 || pos+length > len(data) {
			break
		}
		descType := data[pos+1]
		body := data[pos : pos+length]

		switch descType {
		case DescTypeConfig:
			if length >= 5 {
				cfg.Value = body[5]
			}
		case DescTypeInterface:
			if length < 9 {
				break
			}
			number := body[2]
			alt := AltSetting{
				Number:           number,
				AlternateSetting: body[3],
				Class:            body[5],
				SubClass:         body[6],
				Protocol:         body[7],
			}
			iface := cfg.Interface(number)
			if iface == nil {
				cfg.Interfaces = append(cfg.Interfaces, Interface{Number: number})
				iface = &cfg.Interfaces[len(cfg.Interfaces)-1]
			}
			iface.Alts = append(iface.Alts, alt)
			curIface = iface
			curAlt = &iface.Alts[len(iface.Alts)-1]
		case DescTypeEndpoint:
			if length < 7 || curAlt == nil {
				break
			}
			ep := EndpointDescriptor{
				Address:       body[2],
				Attributes:    body[3],
				MaxPacketSize: binary.LittleEndian.Uint16(body[4:6]),
				Interval:      body[6],
			}
			curAlt.Endpoints = append(curAlt.Endpoints, ep)
			for i := range curIface.Alts {
				if curIface.Alts[i].AlternateSetting == curAlt.AlternateSetting {
					curIface.Alts[i] = *curAlt
				}
			}
		}
		pos += length
	}
	return cfg, nil
}
