package driver

import (
	"encoding/binary"

	"github.com/nyxusb/usbipd/usb"
)

// Direction mirrors the USB/IP wire direction for a URB.
type Direction uint8

const (
	DirOut Direction = 0
	DirIn  Direction = 1
)

// MaxIsoPackets is the driver's per-ioctl isochronous packet limit; the
// Submit Engine's iso splitter never builds a URB with more than this many
// packets.
const MaxIsoPackets = 8

// IsoSlot is one inline iso packet slot inside a URB, little-endian on the
// wire to the driver.
type IsoSlot struct {
	Length       uint32
	Offset       uint32
	ActualLength uint32
	Status       int32
}

const IsoSlotSize = 16

// URB is the driver-facing USB Request Block: the fixed-size record the
// monitor driver expects as both the input and output buffer of a SEND_URB
// ioctl. It is little-endian, matching the driver's native ABI, unlike the
// big-endian USB/IP wire headers in package wire.
type URB struct {
	Endpoint     uint8
	Type         uint8 // usb.TransferType
	Direction    uint8 // Direction
	_            uint8
	Flags        uint32
	Status       int32 // driver completion status; see Status* constants
	Length       uint32
	ActualLength uint32 // filled in by the driver on completion
	BufferPtr    uintptr
	NumPackets   uint32
	Packets      [MaxIsoPackets]IsoSlot
}

// Size is the fixed marshaled size of a URB record.
const Size = 1 + 1 + 1 + 1 + 4 + 4 + 4 + 4 + 8 + 4 + MaxIsoPackets*IsoSlotSize

// Driver completion statuses (opaque to the core beyond the mapping in
// package session's errno table).
const (
	StatusOK             int32 = 0
	StatusStall          int32 = 1
	StatusDeviceNotReady int32 = 2
	StatusCRCError       int32 = 3
	StatusDataOverrun    int32 = 4
	StatusDataUnderrun   int32 = 5
	StatusDisconnected   int32 = 6
)

// Marshal encodes the URB into its fixed-size little-endian ABI form.
func (u *URB) Marshal() []byte {
	buf := make([]byte, Size)
	buf[0] = u.Endpoint
	buf[1] = u.Type
	buf[2] = u.Direction
	binary.LittleEndian.PutUint32(buf[4:8], u.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(u.Status))
	binary.LittleEndian.PutUint32(buf[12:16], u.Length)
	binary.LittleEndian.PutUint32(buf[16:20], u.ActualLength)
	binary.LittleEndian.PutUint64(buf[20:28], uint64(u.BufferPtr))
	binary.LittleEndian.PutUint32(buf[28:32], u.NumPackets)
	off := 32
	for i := range u.Packets {
		p := &u.Packets[i]
		binary.LittleEndian.PutUint32(buf[off:off+4], p.Length)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], p.Offset)
		binary.LittleEndian.PutUint32(buf[off+8:off+12], p.ActualLength)
		binary.LittleEndian.PutUint32(buf[off+12:off+16], uint32(p.Status))
		off += IsoSlotSize
	}
	return buf
}

// Unmarshal decodes a URB record the driver wrote back in place after
// completion.
func (u *URB) Unmarshal(buf []byte) {
	u.Endpoint = buf[0]
	u.Type = buf[1]
	u.Direction = buf[2]
	u.Flags = binary.LittleEndian.Uint32(buf[4:8])
	u.Status = int32(binary.LittleEndian.Uint32(buf[8:12]))
	u.Length = binary.LittleEndian.Uint32(buf[12:16])
	u.ActualLength = binary.LittleEndian.Uint32(buf[16:20])
	u.BufferPtr = uintptr(binary.LittleEndian.Uint64(buf[20:28]))
	u.NumPackets = binary.LittleEndian.Uint32(buf[28:32])
	off := 32
	for i := range u.Packets {
		p := &u.Packets[i]
		p.Length = binary.LittleEndian.Uint32(buf[off : off+4])
		p.Offset = binary.LittleEndian.Uint32(buf[off+4 : off+8])
		p.ActualLength = binary.LittleEndian.Uint32(buf[off+8 : off+12])
		p.Status = int32(binary.LittleEndian.Uint32(buf[off+12 : off+16]))
		off += IsoSlotSize
	}
}

// New builds a URB record for endpoint ep, classified transfer type t and
// direction dir, referencing the caller's buffer of length bufLen at ptr;
// the buffer itself is not touched. The caller is responsible for pinning the backing buffer for the lifetime of
// every ioctl that references ptr.
func New(ep uint8, t usb.TransferType, dir Direction, ptr uintptr, bufLen uint32) URB {
	return URB{
		Endpoint:  ep,
		Type:      uint8(t),
		Direction: uint8(dir),
		BufferPtr: ptr,
		Length:    bufLen,
	}
}
