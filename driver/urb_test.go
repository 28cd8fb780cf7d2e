package driver_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nyxusb/usbipd/driver"
	"github.com/nyxusb/usbipd/usb"
)

func TestURBMarshalUnmarshalRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   driver.URB
	}{
		{
			name: "control no packets",
			in:   driver.New(0, usb.TransferControl, driver.DirOut, 0x1000, 8),
		},
		{
			name: "bulk with status and actual length set",
			in: func() driver.URB {
				u := driver.New(2, usb.TransferBulk, driver.DirIn, 0x2000, 512)
				u.Status = driver.StatusStall
				u.ActualLength = 128
				u.Flags = 1
				return u
			}(),
		},
		{
			name: "iso with packets populated",
			in: func() driver.URB {
				u := driver.New(3, usb.TransferIsochronous, driver.DirIn, 0x3000, 564)
				u.NumPackets = 3
				for i := 0; i < 3; i++ {
					u.Packets[i] = driver.IsoSlot{
						Length:       188,
						Offset:       uint32(i * 188),
						ActualLength: 188,
						Status:       0,
					}
				}
				return u
			}(),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf := tc.in.Marshal()
			assert.Len(t, buf, driver.Size)

			var got driver.URB
			got.Unmarshal(buf)
			assert.Equal(t, tc.in, got)
		})
	}
}

func TestURBMarshalSizeIsFixed(t *testing.T) {
	a := driver.New(0, usb.TransferControl, driver.DirOut, 0, 0)
	b := driver.New(5, usb.TransferIsochronous, driver.DirIn, 0xffffffff, 65535)
	b.NumPackets = driver.MaxIsoPackets
	assert.Equal(t, driver.Size, len(a.Marshal()))
	assert.Equal(t, driver.Size, len(b.Marshal()))
}

func TestControlBufferLenAndOffset(t *testing.T) {
	assert.Equal(t, uint32(8), driver.ControlBufferLen(0))
	assert.Equal(t, uint32(18), driver.ControlBufferLen(10))
	assert.Equal(t, uint32(8), uint32(driver.ControlPayloadOffset))
}

func TestBuildControlSetup(t *testing.T) {
	s := driver.BuildControlSetup(0x80, 0x06, 0x0100, 0x0000, 0x0012)
	assert.Equal(t, [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}, s)
}

func TestPinBufferEmpty(t *testing.T) {
	ptr, unpin := driver.PinBuffer(nil)
	assert.Equal(t, uintptr(0), ptr)
	unpin() // must not panic
}

func TestPinBufferNonEmpty(t *testing.T) {
	buf := make([]byte, 16)
	ptr, unpin := driver.PinBuffer(buf)
	assert.NotZero(t, ptr)
	unpin()
}
