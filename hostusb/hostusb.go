// Package hostusb discovers devices claimed by the USB monitor/filter
// driver, opens their device channel, and reads device and configuration
// descriptors to seed the Endpoint Classifier — everything the session
// engine needs before a USB/IP client ever connects.
package hostusb

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nyxusb/usbipd/driver"
	"github.com/nyxusb/usbipd/usb"
)

const claimTimeout = 5 * time.Second

// Standard control request codes used only for descriptor reads at claim
// time; the session engine's trapped requests live in package session.
const (
	reqGetDescriptor = 0x06

	descTypeDevice = 0x01
	descTypeConfig = 0x02
)

// Device is one claimed physical USB device: its parsed descriptor and the
// open channel to the driver for the session engine to drive.
type Device struct {
	Path       string
	Descriptor *usb.Descriptor
	Channel    driver.Channel
}

// Claim opens the monitor driver's device file at path and reads the
// device descriptor and every configuration descriptor it declares over
// it, synchronously, before any USB/IP session exists.
func Claim(path string) (*Device, error) {
	ch, err := driver.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hostusb: open %s: %w", path, err)
	}

	devDesc, err := readDeviceDescriptor(ch)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("hostusb: read device descriptor: %w", err)
	}

	var configs []usb.Config
	for i := uint8(0); i < devDesc.BNumConfigurations; i++ {
		cfg, err := readConfigDescriptor(ch, i)
		if err != nil {
			ch.Close()
			return nil, fmt.Errorf("hostusb: read config descriptor %d: %w", i, err)
		}
		configs = append(configs, *cfg)
	}

	return &Device{
		Path: path,
		Descriptor: &usb.Descriptor{
			Device:  devDesc,
			Configs: configs,
		},
		Channel: ch,
	}, nil
}

func readDeviceDescriptor(ch driver.Channel) (usb.DeviceDescriptor, error) {
	buf, err := controlIn(ch, driver.BuildControlSetup(0x80, reqGetDescriptor, uint16(descTypeDevice)<<8, 0, 18), 18)
	if err != nil {
		return usb.DeviceDescriptor{}, err
	}
	if len(buf) < 18 {
		return usb.DeviceDescriptor{}, fmt.Errorf("short device descriptor: %d bytes", len(buf))
	}
	return usb.DeviceDescriptor{
		BcdUSB:             binary.LittleEndian.Uint16(buf[2:4]),
		BDeviceClass:       buf[4],
		BDeviceSubClass:    buf[5],
		BDeviceProtocol:    buf[6],
		IDVendor:           binary.LittleEndian.Uint16(buf[8:10]),
		IDProduct:          binary.LittleEndian.Uint16(buf[10:12]),
		BcdDevice:          binary.LittleEndian.Uint16(buf[12:14]),
		BNumConfigurations: buf[17],
		Speed:              3, // always high-speed: the driver's ioctl set reports no link speed
	}, nil
}

func readConfigDescriptor(ch driver.Channel, index uint8) (*usb.Config, error) {
	// First 9 bytes carry wTotalLength; re-read with the full length once known.
	head, err := controlIn(ch, driver.BuildControlSetup(0x80, reqGetDescriptor, uint16(descTypeConfig)<<8|uint16(index), 0, 9), 9)
	if err != nil {
		return nil, err
	}
	if len(head) < 9 {
		return nil, fmt.Errorf("short config descriptor header: %d bytes", len(head))
	}
	total := binary.LittleEndian.Uint16(head[2:4])
	full, err := controlIn(ch, driver.BuildControlSetup(0x80, reqGetDescriptor, uint16(descTypeConfig)<<8|uint16(index), 0, total), total)
	if err != nil {
		return nil, err
	}
	return usb.ParseConfigDescriptor(full)
}

// controlIn issues one synchronous IN control transfer against endpoint 0
// and returns the data phase bytes the driver wrote back.
func controlIn(ch driver.Channel, setup [8]byte, length uint16) ([]byte, error) {
	buf := make([]byte, driver.ControlBufferLen(uint32(length)))
	copy(buf, setup[:])
	ptr, unpin := driver.PinBuffer(buf)
	defer unpin()

	u := driver.New(0, usb.TransferControl, driver.DirIn, ptr, uint32(len(buf)))
	urbBytes := u.Marshal()

	ctx, cancel := context.WithTimeout(context.Background(), claimTimeout)
	defer cancel()
	if _, err := ch.Submit(ctx, driver.SendURB, urbBytes, urbBytes, false); err != nil {
		return nil, err
	}
	u.Unmarshal(urbBytes)
	if u.Status != driver.StatusOK {
		return nil, fmt.Errorf("driver returned status %d", u.Status)
	}
	return buf[driver.ControlPayloadOffset:], nil
}
