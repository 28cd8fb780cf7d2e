// Package session implements the attached-client session engine: per
// connection, it multiplexes USB/IP URB commands between the TCP stream and
// the Device Channel of a claimed device. It owns the Pending Table, the
// Write Serializer, the Submit Engine (including the isochronous splitter
// and the three trapped standard requests), and the Unlink Engine.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/nyxusb/usbipd/classify"
	"github.com/nyxusb/usbipd/driver"
	"github.com/nyxusb/usbipd/hostusb"
	"github.com/nyxusb/usbipd/usb"
	"github.com/nyxusb/usbipd/wire"
)

// Standard USB request codes and bmRequestType values this engine traps on
// endpoint 0. All three are host-to-device (OUT) standard requests.
const (
	bmRequestToDevice    = 0x00
	bmRequestToInterface = 0x01
	bmRequestToEndpoint  = 0x02

	reqSetConfiguration = 0x09
	reqSetInterface     = 0x0b
	reqClearFeature     = 0x01
)

// Session runs one attached client's URB stream against one claimed
// device. It is created after the external attach collaborator (the
// devlist/import handshake in package usbipd) has negotiated a device and
// handed off the connection.
type Session struct {
	conn       net.Conn
	dev        *hostusb.Device
	classifier *classify.Classifier
	pending    *pendingTable
	writeSem   *writeSerializer
	logger     *slog.Logger

	closeOnce sync.Once
}

// New creates a session bound to conn and dev. The Pending Table and Write
// Serializer live for exactly the session's duration.
func New(conn net.Conn, dev *hostusb.Device, logger *slog.Logger) *Session {
	return &Session{
		conn:       conn,
		dev:        dev,
		classifier: classify.New(dev.Descriptor),
		pending:    newPendingTable(),
		writeSem:   newWriteSerializer(),
		logger:     logger,
	}
}

// Run is the Session Loop: it reads one header at a time, dispatches to
// the Submit or Unlink Engine, and waits for the request-phase portion of
// the handler (payload reads and, for trapped requests, the ioctl itself)
// before reading the next header. It returns on stream EOF/error, an
// unhandled command, a duplicate seqnum, or an iso validation failure —
// every one of them terminal for the session.
func (s *Session) Run(ctx context.Context) error {
	for {
		cmd, raw, err := wire.PeekCommand(s.conn)
		if err != nil {
			return err
		}
		switch cmd {
		case wire.CmdSubmitCode:
			c := wire.DecodeCmdSubmit(raw)
			if err := s.handleSubmit(ctx, c); err != nil {
				return err
			}
		case wire.CmdUnlinkCode:
			c := wire.DecodeCmdUnlink(raw)
			if err := s.handleUnlink(ctx, c); err != nil {
				return err
			}
		default:
			return &wire.ErrUnknownCommand{Command: cmd}
		}
	}
}

func (s *Session) handleSubmit(ctx context.Context, c *wire.CmdSubmit) error {
	ep := uint8(c.Basic.Ep)
	in := c.Basic.Dir == wire.DirIn
	transferType := s.classifier.GetEndpointType(ep, in)

	if transferType == usb.TransferIsochronous {
		return s.submitIso(ctx, c, ep, in)
	}
	return s.submitNonIso(ctx, c, transferType, ep, in)
}

func (s *Session) submitNonIso(ctx context.Context, c *wire.CmdSubmit, transferType usb.TransferType, ep uint8, in bool) error {
	isControl := transferType == usb.TransferControl

	var bufLen uint32
	var payloadOffset uint32
	if isControl {
		bufLen = driver.ControlBufferLen(c.TransferBufferLen)
		payloadOffset = driver.ControlPayloadOffset
	} else {
		bufLen = c.TransferBufferLen
	}
	buf := make([]byte, bufLen)
	if isControl {
		copy(buf[:driver.ControlPayloadOffset], c.Setup[:])
	}

	if c.Basic.Dir == wire.DirOut && c.TransferBufferLen > 0 {
		if err := wire.ReadExactly(s.conn, buf[payloadOffset:payloadOffset+c.TransferBufferLen]); err != nil {
			return fmt.Errorf("read OUT payload: %w", err)
		}
	}

	if ep == 0 {
		handled, err := s.tryTrapped(ctx, c)
		if err != nil {
			return err
		}
		if handled {
			return s.writeRetSubmit(ctx, c.Basic.Seqnum, errSuccess, 0, nil)
		}
	}

	if err := s.pending.insert(c.Basic.Seqnum, rawEndpoint(ep, in)); err != nil {
		return err
	}

	ptr, unpin := driver.PinBuffer(buf)
	u := driver.New(ep, transferType, dirFromWire(c.Basic.Dir), ptr, bufLen)
	u.Flags = c.TransferFlags
	urbBytes := u.Marshal()

	go s.completeNonIso(ctx, c.Basic.Seqnum, urbBytes, buf, payloadOffset, isControl, unpin)
	return nil
}

// tryTrapped matches the setup packet of an endpoint-0 submit against the
// three standard requests that must be observed synchronously before the
// next request is accepted. It returns handled=false for every other
// control request, which falls through to the normal SEND_URB path.
func (s *Session) tryTrapped(ctx context.Context, c *wire.CmdSubmit) (bool, error) {
	setup := c.Setup
	bm := setup[0]
	breq := setup[1]
	wValue := uint16(setup[2]) | uint16(setup[3])<<8
	wIndex := uint16(setup[4]) | uint16(setup[5])<<8

	switch {
	case bm == bmRequestToDevice && breq == reqSetConfiguration:
		req := driver.SetConfigRequest{ConfigurationValue: uint8(wValue)}.Marshal()
		if _, err := s.dev.Channel.Submit(ctx, driver.SetConfig, req, nil, false); err != nil {
			return true, fmt.Errorf("USB_SET_CONFIG: %w", err)
		}
		s.classifier.SetConfiguration(uint8(wValue))
		return true, nil

	case bm == bmRequestToInterface && breq == reqSetInterface:
		req := driver.SelectInterfaceRequest{Interface: uint8(wIndex), AltSetting: uint8(wValue)}.Marshal()
		if _, err := s.dev.Channel.Submit(ctx, driver.SelectInterface, req, nil, false); err != nil {
			return true, fmt.Errorf("USB_SELECT_INTERFACE: %w", err)
		}
		s.classifier.SetInterface(uint8(wIndex), uint8(wValue))
		return true, nil

	case bm == bmRequestToEndpoint && breq == reqClearFeature && wValue == 0:
		req := driver.ClearEndpointRequest{Endpoint: uint8(wIndex)}.Marshal()
		if _, err := s.dev.Channel.Submit(ctx, driver.ClearEndpoint, req, nil, false); err != nil {
			return true, fmt.Errorf("USB_CLEAR_ENDPOINT: %w", err)
		}
		return true, nil
	}
	return false, nil
}

func (s *Session) completeNonIso(ctx context.Context, seqnum uint32, urbBytes, buf []byte, payloadOffset uint32, isControl bool, unpin func()) {
	defer unpin()

	if _, err := s.dev.Channel.Submit(ctx, driver.SendURB, urbBytes, urbBytes, false); err != nil {
		s.fatal(fmt.Errorf("SEND_URB: %w", err))
		return
	}

	var u driver.URB
	u.Unmarshal(urbBytes)

	rawEp, ok := s.pending.remove(seqnum)
	if !ok {
		return // client already UNLINK-ed this seqnum; drop the reply silently
	}

	status := errnoForURBStatus(u.Status)
	actualLength := u.ActualLength
	if isControl {
		if actualLength > driver.ControlPayloadOffset {
			actualLength -= driver.ControlPayloadOffset
		} else {
			actualLength = 0
		}
	}

	var payload []byte
	if rawEp&0x80 != 0 {
		start := payloadOffset
		end := start + actualLength
		if end > uint32(len(buf)) {
			end = uint32(len(buf))
		}
		payload = buf[start:end]
	}

	if err := s.writeRetSubmit(ctx, seqnum, status, actualLength, payload); err != nil {
		s.fatal(err)
	}
}

type isoJob struct {
	urb     driver.URB
	descIdx []int
	bufOff  uint32
}

func (s *Session) submitIso(ctx context.Context, c *wire.CmdSubmit, ep uint8, in bool) error {
	bufLen := c.TransferBufferLen
	buf := make([]byte, bufLen)
	if c.Basic.Dir == wire.DirOut && bufLen > 0 {
		if err := wire.ReadExactly(s.conn, buf); err != nil {
			return fmt.Errorf("read OUT iso payload: %w", err)
		}
	}

	descs, err := wire.ReadIsoDescriptors(s.conn, int(c.NumberOfPackets))
	if err != nil {
		return fmt.Errorf("read iso descriptors: %w", err)
	}

	var sum uint32
	for _, d := range descs {
		if d.Length > 65535 {
			return fmt.Errorf("iso packet length %d exceeds 65535", d.Length)
		}
		sum += d.Length
	}
	if sum != bufLen {
		return fmt.Errorf("iso packet length sum %d != transfer_buffer_length %d", sum, bufLen)
	}

	if err := s.pending.insert(c.Basic.Seqnum, rawEndpoint(ep, in)); err != nil {
		return err
	}

	ptr, unpin := driver.PinBuffer(buf)

	var jobs []isoJob
	var bufOff uint32
	i := 0
	for i < len(descs) {
		j := i
		var cum uint32
		var idxs []int
		for j < len(descs) && len(idxs) < driver.MaxIsoPackets {
			next := cum + descs[j].Length
			if next > 65535 {
				break
			}
			cum = next
			idxs = append(idxs, j)
			j++
		}
		u := driver.New(ep, usb.TransferIsochronous, dirFromBool(in), ptr+uintptr(bufOff), cum)
		u.NumPackets = uint32(len(idxs))
		var off uint32
		for k, idx := range idxs {
			u.Packets[k] = driver.IsoSlot{Length: descs[idx].Length, Offset: off}
			off += descs[idx].Length
		}
		jobs = append(jobs, isoJob{urb: u, descIdx: idxs, bufOff: bufOff})
		bufOff += cum
		i = j
	}

	go s.completeIso(ctx, c.Basic.Seqnum, c.StartFrame, jobs, descs, buf, bufLen, in, unpin)
	return nil
}

func (s *Session) completeIso(ctx context.Context, seqnum, startFrame uint32, jobs []isoJob, descs []wire.IsoPacketDesc, buf []byte, requestedLen uint32, in bool, unpin func()) {
	defer unpin()

	errs := make([]error, len(jobs))
	var wg sync.WaitGroup
	for i := range jobs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job := &jobs[i]
			urbBytes := job.urb.Marshal()
			if _, err := s.dev.Channel.Submit(ctx, driver.SendURB, urbBytes, urbBytes, false); err != nil {
				errs[i] = err
				return
			}
			job.urb.Unmarshal(urbBytes)
			for k, idx := range job.descIdx {
				descs[idx].ActualLength = job.urb.Packets[k].ActualLength
				descs[idx].Status = errnoForURBStatus(job.urb.Packets[k].Status)
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			s.fatal(fmt.Errorf("SEND_URB (iso): %w", err))
			return
		}
	}

	_, ok := s.pending.remove(seqnum)
	if !ok {
		return // UNLINK-ed before every split ioctl completed; drop the reply
	}

	var actualTotal uint32
	var errorCount uint32
	for _, d := range descs {
		actualTotal += d.ActualLength
		if d.Status != 0 {
			errorCount++
		}
	}

	var payload []byte
	if in {
		if actualTotal < requestedLen {
			payload = make([]byte, 0, actualTotal)
			for _, job := range jobs {
				for k, idx := range job.descIdx {
					start := job.bufOff + job.urb.Packets[k].Offset
					end := start + descs[idx].ActualLength
					payload = append(payload, buf[start:end]...)
				}
			}
		} else {
			payload = buf
		}
	}

	if err := s.writeRetSubmitIso(ctx, seqnum, errSuccess, actualTotal, startFrame, uint32(len(descs)), errorCount, payload, descs); err != nil {
		s.fatal(err)
	}
}

func (s *Session) handleUnlink(ctx context.Context, c *wire.CmdUnlink) error {
	rawEp, ok := s.pending.remove(c.UnlinkSeqnum)
	status := errSuccess
	if ok {
		req := driver.AbortEndpointRequest{Endpoint: rawEp}.Marshal()
		if _, err := s.dev.Channel.Submit(ctx, driver.AbortEndpoint, req, nil, false); err != nil {
			return fmt.Errorf("USB_ABORT_ENDPOINT: %w", err)
		}
		status = errECONNRESET
	}
	return s.writeRetUnlink(ctx, c.Basic.Seqnum, status)
}

func (s *Session) writeRetSubmit(ctx context.Context, seqnum uint32, status int32, actualLength uint32, payload []byte) error {
	if err := s.writeSem.acquire(ctx); err != nil {
		return err
	}
	defer s.writeSem.release()

	ret := wire.RetSubmit{
		Basic:  wire.HeaderBasic{Command: wire.RetSubmitCode, Seqnum: seqnum},
		Status: status, ActualLength: actualLength,
	}
	if err := ret.Write(s.conn); err != nil {
		return fmt.Errorf("write RET_SUBMIT: %w", err)
	}
	if len(payload) > 0 {
		if _, err := s.conn.Write(payload); err != nil {
			return fmt.Errorf("write RET_SUBMIT payload: %w", err)
		}
	}
	return nil
}

func (s *Session) writeRetSubmitIso(ctx context.Context, seqnum uint32, status int32, actualLength, startFrame, numPackets, errorCount uint32, payload []byte, descs []wire.IsoPacketDesc) error {
	if err := s.writeSem.acquire(ctx); err != nil {
		return err
	}
	defer s.writeSem.release()

	ret := wire.RetSubmit{
		Basic:           wire.HeaderBasic{Command: wire.RetSubmitCode, Seqnum: seqnum},
		Status:          status,
		ActualLength:    actualLength,
		StartFrame:      startFrame,
		NumberOfPackets: numPackets,
		ErrorCount:      errorCount,
	}
	if err := ret.Write(s.conn); err != nil {
		return fmt.Errorf("write RET_SUBMIT: %w", err)
	}
	if len(payload) > 0 {
		if _, err := s.conn.Write(payload); err != nil {
			return fmt.Errorf("write RET_SUBMIT payload: %w", err)
		}
	}
	return wire.WriteIsoDescriptors(s.conn, descs)
}

func (s *Session) writeRetUnlink(ctx context.Context, seqnum uint32, status int32) error {
	if err := s.writeSem.acquire(ctx); err != nil {
		return err
	}
	defer s.writeSem.release()

	ret := wire.RetUnlink{
		Basic:  wire.HeaderBasic{Command: wire.RetUnlinkCode, Seqnum: seqnum},
		Status: status,
	}
	if err := ret.Write(s.conn); err != nil {
		return fmt.Errorf("write RET_UNLINK: %w", err)
	}
	return nil
}

// fatal logs a terminal driver/stream error and closes the connection
// exactly once, which unblocks the Session Loop's pending Read with an
// error and ends Run.
func (s *Session) fatal(err error) {
	s.closeOnce.Do(func() {
		if s.logger != nil {
			s.logger.Error("session terminated", "error", err)
		}
		_ = s.conn.Close()
	})
}

func rawEndpoint(ep uint8, in bool) uint8 {
	if in {
		return ep | 0x80
	}
	return ep
}

func dirFromWire(d uint32) driver.Direction {
	if d == wire.DirIn {
		return driver.DirIn
	}
	return driver.DirOut
}

func dirFromBool(in bool) driver.Direction {
	if in {
		return driver.DirIn
	}
	return driver.DirOut
}
