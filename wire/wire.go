// Package wire implements the USB/IP wire codec: reading and writing the
// management handshake (OP_REQ_DEVLIST/OP_REQ_IMPORT) and URB command/reply
// headers and isochronous packet descriptor arrays, all big-endian on the
// wire. It performs no buffering beyond what the underlying stream offers;
// callers are responsible for ordering reads relative to the session loop.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Protocol version and management opcodes.
const (
	Version = 0x0111

	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003
)

// URB command/reply codes (usbip_header_basic.command).
const (
	CmdSubmitCode uint32 = 0x00000001
	CmdUnlinkCode uint32 = 0x00000002
	RetSubmitCode uint32 = 0x00000003
	RetUnlinkCode uint32 = 0x00000004
)

// Directions used in usbip_header_basic.direction.
const (
	DirOut uint32 = 0
	DirIn  uint32 = 1
)

// HeaderSize is the fixed size in bytes of every USB/IP URB header,
// basic fields plus the largest overlay.
const HeaderSize = 48

// basicSize is the size of the fields common to every URB header.
const basicSize = 20

// ReadExactly reads len(buf) bytes from r or returns the first error,
// including io.EOF if the stream closes before buf is filled.
func ReadExactly(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

// HeaderBasic is common to every URB command and reply.
type HeaderBasic struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

func (b *HeaderBasic) decode(buf []byte) {
	b.Command = binary.BigEndian.Uint32(buf[0:4])
	b.Seqnum = binary.BigEndian.Uint32(buf[4:8])
	b.Devid = binary.BigEndian.Uint32(buf[8:12])
	b.Dir = binary.BigEndian.Uint32(buf[12:16])
	b.Ep = binary.BigEndian.Uint32(buf[16:20])
}

func (b *HeaderBasic) encode(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], b.Command)
	binary.BigEndian.PutUint32(buf[4:8], b.Seqnum)
	binary.BigEndian.PutUint32(buf[8:12], b.Devid)
	binary.BigEndian.PutUint32(buf[12:16], b.Dir)
	binary.BigEndian.PutUint32(buf[16:20], b.Ep)
}

// CmdSubmit is the cmd_submit overlay: basic header plus transfer
// parameters and the 8-byte setup packet. Length is HeaderSize (48 bytes).
type CmdSubmit struct {
	Basic             HeaderBasic
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             [8]byte
}

// ReadCmdSubmit reads a full 48-byte cmd_submit header from r.
func ReadCmdSubmit(r io.Reader) (*CmdSubmit, error) {
	var buf [HeaderSize]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return nil, err
	}
	c := &CmdSubmit{}
	c.Basic.decode(buf[:basicSize])
	c.TransferFlags = binary.BigEndian.Uint32(buf[20:24])
	c.TransferBufferLen = binary.BigEndian.Uint32(buf[24:28])
	c.StartFrame = binary.BigEndian.Uint32(buf[28:32])
	c.NumberOfPackets = binary.BigEndian.Uint32(buf[32:36])
	c.Interval = binary.BigEndian.Uint32(buf[36:40])
	copy(c.Setup[:], buf[40:48])
	return c, nil
}

// CmdUnlink is the cmd_unlink overlay: basic header plus the seqnum to cancel.
type CmdUnlink struct {
	Basic        HeaderBasic
	UnlinkSeqnum uint32
}

// ReadCmdUnlink reads a full 48-byte cmd_unlink header from r.
func ReadCmdUnlink(r io.Reader) (*CmdUnlink, error) {
	var buf [HeaderSize]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return nil, err
	}
	c := &CmdUnlink{}
	c.Basic.decode(buf[:basicSize])
	c.UnlinkSeqnum = binary.BigEndian.Uint32(buf[20:24])
	return c, nil
}

// PeekCommand reads a full 48-byte header and returns the raw bytes along
// with the discriminated command code, without otherwise interpreting the
// overlay. Callers dispatch on cmd to ReadCmdSubmit/ReadCmdUnlink-style
// decoding of the already-consumed bytes, or treat any other value as a
// fatal protocol violation per spec.
func PeekCommand(r io.Reader) (cmd uint32, raw [HeaderSize]byte, err error) {
	if err = ReadExactly(r, raw[:]); err != nil {
		return 0, raw, err
	}
	cmd = binary.BigEndian.Uint32(raw[0:4])
	return cmd, raw, nil
}

// DecodeCmdSubmit interprets a raw 48-byte header already known to be a
// CMD_SUBMIT (command == CmdSubmitCode).
func DecodeCmdSubmit(raw [HeaderSize]byte) *CmdSubmit {
	c := &CmdSubmit{}
	c.Basic.decode(raw[:basicSize])
	c.TransferFlags = binary.BigEndian.Uint32(raw[20:24])
	c.TransferBufferLen = binary.BigEndian.Uint32(raw[24:28])
	c.StartFrame = binary.BigEndian.Uint32(raw[28:32])
	c.NumberOfPackets = binary.BigEndian.Uint32(raw[32:36])
	c.Interval = binary.BigEndian.Uint32(raw[36:40])
	copy(c.Setup[:], raw[40:48])
	return c
}

// DecodeCmdUnlink interprets a raw 48-byte header already known to be a
// CMD_UNLINK (command == CmdUnlinkCode).
func DecodeCmdUnlink(raw [HeaderSize]byte) *CmdUnlink {
	c := &CmdUnlink{}
	c.Basic.decode(raw[:basicSize])
	c.UnlinkSeqnum = binary.BigEndian.Uint32(raw[20:24])
	return c
}

// RetSubmit is the ret_submit overlay written back for a completed submit.
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
}

// Write encodes the 48-byte ret_submit header to w in one call.
func (r *RetSubmit) Write(w io.Writer) error {
	var buf [HeaderSize]byte
	r.Basic.encode(buf[:basicSize])
	binary.BigEndian.PutUint32(buf[20:24], uint32(r.Status))
	binary.BigEndian.PutUint32(buf[24:28], r.ActualLength)
	binary.BigEndian.PutUint32(buf[28:32], r.StartFrame)
	binary.BigEndian.PutUint32(buf[32:36], r.NumberOfPackets)
	binary.BigEndian.PutUint32(buf[36:40], r.ErrorCount)
	_, err := w.Write(buf[:])
	return err
}

// RetUnlink is the ret_unlink overlay written back for a completed unlink.
type RetUnlink struct {
	Basic  HeaderBasic
	Status int32
}

// Write encodes the 48-byte ret_unlink header to w in one call.
func (r *RetUnlink) Write(w io.Writer) error {
	var buf [HeaderSize]byte
	r.Basic.encode(buf[:basicSize])
	binary.BigEndian.PutUint32(buf[20:24], uint32(r.Status))
	_, err := w.Write(buf[:])
	return err
}

// IsoPacketDesc is one 16-byte big-endian isochronous packet descriptor.
type IsoPacketDesc struct {
	Offset       uint32
	Length       uint32
	ActualLength uint32
	Status       int32
}

const isoDescSize = 16

// ReadIsoDescriptors reads exactly n contiguous 16-byte descriptors.
func ReadIsoDescriptors(r io.Reader, n int) ([]IsoPacketDesc, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n*isoDescSize)
	if err := ReadExactly(r, buf); err != nil {
		return nil, err
	}
	out := make([]IsoPacketDesc, n)
	for i := range out {
		b := buf[i*isoDescSize:]
		out[i] = IsoPacketDesc{
			Offset:       binary.BigEndian.Uint32(b[0:4]),
			Length:       binary.BigEndian.Uint32(b[4:8]),
			ActualLength: binary.BigEndian.Uint32(b[8:12]),
			Status:       int32(binary.BigEndian.Uint32(b[12:16])),
		}
	}
	return out, nil
}

// WriteIsoDescriptors writes descs as a contiguous array of 16-byte records.
func WriteIsoDescriptors(w io.Writer, descs []IsoPacketDesc) error {
	if len(descs) == 0 {
		return nil
	}
	buf := make([]byte, len(descs)*isoDescSize)
	for i, d := range descs {
		b := buf[i*isoDescSize:]
		binary.BigEndian.PutUint32(b[0:4], d.Offset)
		binary.BigEndian.PutUint32(b[4:8], d.Length)
		binary.BigEndian.PutUint32(b[8:12], d.ActualLength)
		binary.BigEndian.PutUint32(b[12:16], uint32(d.Status))
	}
	_, err := w.Write(buf)
	return err
}

// MgmtHeader is the 8-byte header for management ops (devlist/import).
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

func (h *MgmtHeader) Write(w io.Writer) error {
	var buf [8]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Status)
	_, err := w.Write(buf[:])
	return err
}

// ReadMgmtHeader reads the 8-byte management header.
func ReadMgmtHeader(r io.Reader) (*MgmtHeader, error) {
	var buf [8]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return nil, err
	}
	return &MgmtHeader{
		Version: binary.BigEndian.Uint16(buf[0:2]),
		Command: binary.BigEndian.Uint16(buf[2:4]),
		Status:  binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

// DevListReplyHeader is the header after MgmtHeader for OP_REP_DEVLIST.
type DevListReplyHeader struct {
	NDevices uint32
}

func (d *DevListReplyHeader) Write(w io.Writer) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[0:4], d.NDevices)
	_, err := w.Write(buf[:])
	return err
}

// ExportMeta carries the USB-IP bus identity of an exported device.
type ExportMeta struct {
	Path     [256]byte
	USBBusId [32]byte
	BusId    uint32
	DevId    uint32
}

// ExportedDevice describes one exported device in devlist/import replies.
type ExportedDevice struct {
	ExportMeta
	Speed uint32

	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8

	Interfaces []InterfaceTriplet
}

// InterfaceTriplet is the class/subclass/protocol triplet reported per
// interface in OP_REP_DEVLIST.
type InterfaceTriplet struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

// WriteDevlist writes the device entry for OP_REP_DEVLIST (includes the
// trailing interface triplets).
func (d *ExportedDevice) WriteDevlist(w io.Writer) error {
	if err := d.writeCommon(w); err != nil {
		return err
	}
	for _, iface := range d.Interfaces {
		if _, err := w.Write([]byte{iface.Class, iface.SubClass, iface.Protocol, 0}); err != nil {
			return err
		}
	}
	return nil
}

// WriteImport writes the device entry for OP_REP_IMPORT (ends at bNumInterfaces).
func (d *ExportedDevice) WriteImport(w io.Writer) error {
	return d.writeCommon(w)
}

func (d *ExportedDevice) writeCommon(w io.Writer) error {
	if _, err := w.Write(d.Path[:]); err != nil {
		return err
	}
	if _, err := w.Write(d.USBBusId[:]); err != nil {
		return err
	}
	var rest [16]byte
	binary.BigEndian.PutUint32(rest[0:4], d.BusId)
	binary.BigEndian.PutUint32(rest[4:8], d.DevId)
	binary.BigEndian.PutUint32(rest[8:12], d.Speed)
	binary.BigEndian.PutUint16(rest[12:14], d.IDVendor)
	binary.BigEndian.PutUint16(rest[14:16], d.IDProduct)
	if _, err := w.Write(rest[:]); err != nil {
		return err
	}
	var tail [7]byte
	binary.BigEndian.PutUint16(tail[0:2], d.BcdDevice)
	tail[2] = d.BDeviceClass
	tail[3] = d.BDeviceSubClass
	tail[4] = d.BDeviceProtocol
	tail[5] = d.BConfigurationValue
	tail[6] = d.BNumConfigurations
	if _, err := w.Write(tail[:]); err != nil {
		return err
	}
	_, err := w.Write([]byte{d.BNumInterfaces})
	return err
}

// ErrUnknownCommand reports a header whose command field is neither
// CMD_SUBMIT nor CMD_UNLINK — a fatal protocol violation per spec.
type ErrUnknownCommand struct {
	Command uint32
}

func (e *ErrUnknownCommand) Error() string {
	return fmt.Sprintf("usbip: unknown command %#x", e.Command)
}
