package classify_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nyxusb/usbipd/classify"
	"github.com/nyxusb/usbipd/usb"
)

func testDescriptor() *usb.Descriptor {
	return &usb.Descriptor{
		Device: usb.DeviceDescriptor{BDeviceClass: 0},
		Configs: []usb.Config{
			{
				Value: 1,
				Interfaces: []usb.Interface{
					{
						Number: 0,
						Alts: []usb.AltSetting{
							{
								Number:           0,
								AlternateSetting: 0,
								Endpoints: []usb.EndpointDescriptor{
									{Address: 0x81, Attributes: 0x03}, // interrupt IN
									{Address: 0x02, Attributes: 0x02}, // bulk OUT
								},
							},
							{
								Number:           0,
								AlternateSetting: 1,
								Endpoints: []usb.EndpointDescriptor{
									{Address: 0x83, Attributes: 0x01}, // iso IN
								},
							},
						},
					},
				},
			},
		},
	}
}

func TestGetEndpointTypeEndpointZeroAlwaysControl(t *testing.T) {
	c := classify.New(testDescriptor())
	assert.Equal(t, usb.TransferControl, c.GetEndpointType(0, true))
	assert.Equal(t, usb.TransferControl, c.GetEndpointType(0, false))

	c.SetConfiguration(1)
	assert.Equal(t, usb.TransferControl, c.GetEndpointType(0, true))
}

func TestGetEndpointTypeBeforeConfiguration(t *testing.T) {
	c := classify.New(testDescriptor())
	// unconfigured (configValue 0 has no matching Config) -> falls back to control
	assert.Equal(t, usb.TransferControl, c.GetEndpointType(1, true))
}

func TestGetEndpointTypeAfterSetConfiguration(t *testing.T) {
	c := classify.New(testDescriptor())
	c.SetConfiguration(1)

	assert.Equal(t, usb.TransferInterrupt, c.GetEndpointType(1, true))
	assert.Equal(t, usb.TransferBulk, c.GetEndpointType(2, false))
	// endpoint 3 only exists under alt setting 1, which isn't selected yet
	assert.Equal(t, usb.TransferControl, c.GetEndpointType(3, true))
}

func TestGetEndpointTypeAfterSetInterface(t *testing.T) {
	c := classify.New(testDescriptor())
	c.SetConfiguration(1)
	c.SetInterface(0, 1)

	assert.Equal(t, usb.TransferIsochronous, c.GetEndpointType(3, true))
	// alt setting 0's endpoints are no longer active
	assert.Equal(t, usb.TransferControl, c.GetEndpointType(1, true))
}

func TestSetConfigurationResetsAltSettings(t *testing.T) {
	c := classify.New(testDescriptor())
	c.SetConfiguration(1)
	c.SetInterface(0, 1)
	assert.Equal(t, usb.TransferIsochronous, c.GetEndpointType(3, true))

	c.SetConfiguration(1)
	assert.Equal(t, usb.TransferControl, c.GetEndpointType(3, true))
	assert.Equal(t, usb.TransferInterrupt, c.GetEndpointType(1, true))
}

func TestConfigurationValue(t *testing.T) {
	c := classify.New(testDescriptor())
	assert.Equal(t, uint8(0), c.ConfigurationValue())
	c.SetConfiguration(1)
	assert.Equal(t, uint8(1), c.ConfigurationValue())
}
