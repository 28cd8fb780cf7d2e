package wire_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyxusb/usbipd/wire"
)

func TestCmdSubmitRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   *wire.CmdSubmit
	}{
		{
			name: "bulk out",
			in: &wire.CmdSubmit{
				Basic:             wire.HeaderBasic{Command: wire.CmdSubmitCode, Seqnum: 7, Devid: 1, Dir: wire.DirOut, Ep: 2},
				TransferFlags:     0,
				TransferBufferLen: 512,
				Setup:             [8]byte{},
			},
		},
		{
			name: "control in with setup",
			in: &wire.CmdSubmit{
				Basic:             wire.HeaderBasic{Command: wire.CmdSubmitCode, Seqnum: 99, Devid: 1, Dir: wire.DirIn, Ep: 0},
				TransferFlags:     1,
				TransferBufferLen: 18,
				Setup:             [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00},
			},
		},
		{
			name: "iso with start frame and packets",
			in: &wire.CmdSubmit{
				Basic:             wire.HeaderBasic{Command: wire.CmdSubmitCode, Seqnum: 5, Devid: 1, Dir: wire.DirIn, Ep: 3},
				TransferBufferLen: 4096,
				StartFrame:        123,
				NumberOfPackets:   4,
				Interval:          1,
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			var raw [wire.HeaderSize]byte
			tc.in.Basic.Command = wire.CmdSubmitCode
			// encode via the same layout ReadCmdSubmit expects
			require.NoError(t, writeCmdSubmit(&buf, tc.in))
			got, err := wire.ReadCmdSubmit(&buf)
			require.NoError(t, err)
			assert.Equal(t, tc.in, got)

			buf.Reset()
			require.NoError(t, writeCmdSubmit(&buf, tc.in))
			cmd, raw2, err := wire.PeekCommand(&buf)
			require.NoError(t, err)
			assert.Equal(t, wire.CmdSubmitCode, cmd)
			raw = raw2
			decoded := wire.DecodeCmdSubmit(raw)
			assert.Equal(t, tc.in, decoded)
		})
	}
}

func TestCmdUnlinkRoundTrip(t *testing.T) {
	in := &wire.CmdUnlink{
		Basic:        wire.HeaderBasic{Command: wire.CmdUnlinkCode, Seqnum: 42, Devid: 1, Dir: wire.DirOut, Ep: 1},
		UnlinkSeqnum: 7,
	}
	var buf bytes.Buffer
	require.NoError(t, writeCmdUnlink(&buf, in))
	got, err := wire.ReadCmdUnlink(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, got)

	buf.Reset()
	require.NoError(t, writeCmdUnlink(&buf, in))
	cmd, raw, err := wire.PeekCommand(&buf)
	require.NoError(t, err)
	assert.Equal(t, wire.CmdUnlinkCode, cmd)
	assert.Equal(t, in, wire.DecodeCmdUnlink(raw))
}

func TestPeekCommandUnknown(t *testing.T) {
	in := &wire.CmdSubmit{Basic: wire.HeaderBasic{Command: 0xdeadbeef}}
	var buf bytes.Buffer
	require.NoError(t, writeCmdSubmit(&buf, in))
	cmd, _, err := wire.PeekCommand(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), cmd)
	assert.NotEqual(t, wire.CmdSubmitCode, cmd)
	assert.NotEqual(t, wire.CmdUnlinkCode, cmd)
}

func TestRetSubmitWrite(t *testing.T) {
	r := &wire.RetSubmit{
		Basic:           wire.HeaderBasic{Command: wire.RetSubmitCode, Seqnum: 7, Devid: 1, Dir: wire.DirIn, Ep: 2},
		Status:          -32,
		ActualLength:    10,
		StartFrame:      0,
		NumberOfPackets: 0,
		ErrorCount:      0,
	}
	var buf bytes.Buffer
	require.NoError(t, r.Write(&buf))
	assert.Equal(t, wire.HeaderSize, buf.Len())

	cmd, raw, err := wire.PeekCommand(&buf)
	require.NoError(t, err)
	assert.Equal(t, wire.RetSubmitCode, cmd)
	assert.Equal(t, int32(-32), int32(beUint32(raw[20:24])))
}

func TestRetUnlinkWrite(t *testing.T) {
	r := &wire.RetUnlink{
		Basic:  wire.HeaderBasic{Command: wire.RetUnlinkCode, Seqnum: 7, Devid: 1, Dir: wire.DirOut, Ep: 1},
		Status: -104,
	}
	var buf bytes.Buffer
	require.NoError(t, r.Write(&buf))
	assert.Equal(t, wire.HeaderSize, buf.Len())
	cmd, raw, err := wire.PeekCommand(&buf)
	require.NoError(t, err)
	assert.Equal(t, wire.RetUnlinkCode, cmd)
	assert.Equal(t, int32(-104), int32(beUint32(raw[20:24])))
}

func TestIsoDescriptorsRoundTrip(t *testing.T) {
	descs := []wire.IsoPacketDesc{
		{Offset: 0, Length: 188, ActualLength: 188, Status: 0},
		{Offset: 188, Length: 188, ActualLength: 100, Status: -121},
		{Offset: 376, Length: 188, ActualLength: 0, Status: -32},
	}
	var buf bytes.Buffer
	require.NoError(t, wire.WriteIsoDescriptors(&buf, descs))
	assert.Equal(t, len(descs)*16, buf.Len())

	got, err := wire.ReadIsoDescriptors(&buf, len(descs))
	require.NoError(t, err)
	assert.Equal(t, descs, got)
}

func TestIsoDescriptorsEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.WriteIsoDescriptors(&buf, nil))
	assert.Equal(t, 0, buf.Len())

	got, err := wire.ReadIsoDescriptors(&buf, 0)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMgmtHeaderRoundTrip(t *testing.T) {
	h := &wire.MgmtHeader{Version: wire.Version, Command: wire.OpReqDevlist, Status: 0}
	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))
	got, err := wire.ReadMgmtHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestDevListReplyHeaderWrite(t *testing.T) {
	d := &wire.DevListReplyHeader{NDevices: 3}
	var buf bytes.Buffer
	require.NoError(t, d.Write(&buf))
	assert.Equal(t, []byte{0, 0, 0, 3}, buf.Bytes())
}

func TestExportedDeviceWriteDevlistIncludesInterfaces(t *testing.T) {
	d := &wire.ExportedDevice{
		ExportMeta: wire.ExportMeta{BusId: 1, DevId: 2},
		Speed:      3,
		IDVendor:   0x1234,
		IDProduct:  0xabcd,
		Interfaces: []wire.InterfaceTriplet{
			{Class: 3, SubClass: 0, Protocol: 0},
			{Class: 3, SubClass: 1, Protocol: 1},
		},
		BNumInterfaces: 2,
	}
	var buf bytes.Buffer
	require.NoError(t, d.WriteDevlist(&buf))
	// 256 path + 32 busid + 16 fixed + 7 tail + 1 numinterfaces + 2*4 triplets
	assert.Equal(t, 256+32+16+7+1+8, buf.Len())
}

func TestExportedDeviceWriteImportOmitsInterfaces(t *testing.T) {
	d := &wire.ExportedDevice{
		Interfaces: []wire.InterfaceTriplet{{Class: 3, SubClass: 0, Protocol: 0}},
	}
	var buf bytes.Buffer
	require.NoError(t, d.WriteImport(&buf))
	assert.Equal(t, 256+32+16+7+1, buf.Len())
}

func TestErrUnknownCommand(t *testing.T) {
	err := &wire.ErrUnknownCommand{Command: 0x99}
	assert.Contains(t, err.Error(), "0x99")
}

// --- test helpers mirroring the wire package's own encode layout ---

func writeCmdSubmit(w *bytes.Buffer, c *wire.CmdSubmit) error {
	var buf [wire.HeaderSize]byte
	putUint32(buf[0:4], c.Basic.Command)
	putUint32(buf[4:8], c.Basic.Seqnum)
	putUint32(buf[8:12], c.Basic.Devid)
	putUint32(buf[12:16], c.Basic.Dir)
	putUint32(buf[16:20], c.Basic.Ep)
	putUint32(buf[20:24], c.TransferFlags)
	putUint32(buf[24:28], c.TransferBufferLen)
	putUint32(buf[28:32], c.StartFrame)
	putUint32(buf[32:36], c.NumberOfPackets)
	putUint32(buf[36:40], c.Interval)
	copy(buf[40:48], c.Setup[:])
	_, err := w.Write(buf[:])
	return err
}

func writeCmdUnlink(w *bytes.Buffer, c *wire.CmdUnlink) error {
	var buf [wire.HeaderSize]byte
	putUint32(buf[0:4], c.Basic.Command)
	putUint32(buf[4:8], c.Basic.Seqnum)
	putUint32(buf[8:12], c.Basic.Devid)
	putUint32(buf[12:16], c.Basic.Dir)
	putUint32(buf[16:20], c.Basic.Ep)
	putUint32(buf[20:24], c.UnlinkSeqnum)
	_, err := w.Write(buf[:])
	return err
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
