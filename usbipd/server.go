// Package usbipd implements the OP_REQ_DEVLIST/OP_REQ_IMPORT management
// handshake and hands off an accepted connection, once a device has been
// negotiated, to the session engine. It does not implement the URB
// protocol itself — that is package session's job once a connection is
// attached to a device.
package usbipd

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nyxusb/usbipd/hostbus"
	"github.com/nyxusb/usbipd/hostusb"
	internallog "github.com/nyxusb/usbipd/internal/log"
	"github.com/nyxusb/usbipd/session"
	"github.com/nyxusb/usbipd/usb"
	"github.com/nyxusb/usbipd/wire"
)

const (
	defaultConnectionTimeout = 30 * time.Second
	busIDSize                = 32
	headerPeekSize           = 8
)

// Server owns the TCP listener and the set of buses whose claimed devices
// it advertises and exports.
type Server struct {
	config    *Config
	logger    *slog.Logger
	rawLogger internallog.RawLogger

	busesMu sync.Mutex
	busses  map[uint32]*hostbus.Bus

	ln        net.Listener
	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a Server. rawLogger may be nil to disable wire-level hex
// dumping.
func New(config Config, logger *slog.Logger, rawLogger internallog.RawLogger) *Server {
	if config.ConnectionTimeout == 0 {
		config.ConnectionTimeout = defaultConnectionTimeout
	}
	return &Server{
		config:    &config,
		logger:    logger,
		rawLogger: rawLogger,
		busses:    make(map[uint32]*hostbus.Bus),
		ready:     make(chan struct{}),
	}
}

// AddBus registers a bus with the server.
func (s *Server) AddBus(bus *hostbus.Bus) error {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	if bus == nil {
		return fmt.Errorf("bus is nil")
	}
	if _, ok := s.busses[bus.BusID()]; ok {
		return fmt.Errorf("bus %d already registered", bus.BusID())
	}
	s.busses[bus.BusID()] = bus
	return nil
}

// RemoveBus unregisters and closes a bus.
func (s *Server) RemoveBus(busID uint32) error {
	s.busesMu.Lock()
	bus, ok := s.busses[busID]
	if !ok {
		s.busesMu.Unlock()
		return fmt.Errorf("bus %d not found", busID)
	}
	delete(s.busses, busID)
	s.busesMu.Unlock()
	return bus.Close()
}

// ListBuses returns a snapshot of active bus numbers.
func (s *Server) ListBuses() []uint32 {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	out := make([]uint32, 0, len(s.busses))
	for k := range s.busses {
		out = append(out, k)
	}
	return out
}

// GetBus returns a bus by ID or nil if not present.
func (s *Server) GetBus(busID uint32) *hostbus.Bus {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	return s.busses[busID]
}

// ListenAndServe starts the USB/IP server and handles incoming connections
// until the listener is closed.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("USB/IP server listening", "addr", s.config.Addr)
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || strings.Contains(strings.ToLower(err.Error()), "use of closed network connection") {
				s.logger.Info("USB/IP server stopped")
				return nil
			}
			s.logger.Error("accept error", "error", err)
			continue
		}
		s.logger.Info("client connected", "remote", c.RemoteAddr())
		go func() {
			if err := s.handleConn(c); err != nil {
				if isClientDisconnect(err) {
					s.logger.Info("client disconnected", "error", err)
				} else {
					s.logger.Error("connection handler error", "error", err)
				}
			}
		}()
	}
}

// Ready returns a channel closed once the server has bound its listen
// address and is ready to accept connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Close stops the server by closing its listener.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

// GetListenPort extracts the bound port number from the configured
// listen address.
func (s *Server) GetListenPort() uint16 {
	_, portStr, err := net.SplitHostPort(s.config.Addr)
	if err != nil {
		return 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port)
}

func (s *Server) handleConn(conn net.Conn) error {
	defer conn.Close()
	conn = &logConn{Conn: conn, s: s}
	if err := conn.SetDeadline(time.Now().Add(s.config.ConnectionTimeout)); err != nil {
		s.logger.Warn("failed to set deadline", "error", err)
	}

	var hdrBuf [headerPeekSize]byte
	if err := wire.ReadExactly(conn, hdrBuf[:]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	ver := binary.BigEndian.Uint16(hdrBuf[0:2])
	code := binary.BigEndian.Uint16(hdrBuf[2:4])

	if ver != wire.Version || (code != wire.OpReqDevlist && code != wire.OpReqImport) {
		return fmt.Errorf("protocol violation: unexpected management header version=%#x code=%#x", ver, code)
	}

	switch code {
	case wire.OpReqDevlist:
		s.logger.Info("OP_REQ_DEVLIST")
		return s.handleDevList(conn)
	case wire.OpReqImport:
		s.logger.Info("OP_REQ_IMPORT")
		dev, err := s.handleImport(conn)
		if err != nil {
			return fmt.Errorf("handle import: %w", err)
		}
		_ = conn.SetDeadline(time.Time{})
		ctx := s.deviceContext(dev)
		if ctx == nil {
			return fmt.Errorf("device does not belong to any registered bus")
		}
		sess := session.New(conn, dev, s.logger)
		done := make(chan error, 1)
		go func() { done <- sess.Run(ctx) }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			_ = conn.Close()
			return <-done
		}
	}
	return fmt.Errorf("unreachable")
}

func (s *Server) handleDevList(conn net.Conn) error {
	var buf bytes.Buffer
	rep := wire.MgmtHeader{Version: wire.Version, Command: wire.OpRepDevlist, Status: 0}
	_ = rep.Write(&buf)
	metas := s.getAllDeviceMetas()
	dlh := wire.DevListReplyHeader{NDevices: uint32(len(metas))}
	_ = dlh.Write(&buf)
	for _, m := range metas {
		exp := buildExportedDevice(m.Meta, m.Dev.Descriptor)
		if err := exp.WriteDevlist(&buf); err != nil {
			return fmt.Errorf("encode devlist entry: %w", err)
		}
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write devlist: %w", err)
	}
	return nil
}

func (s *Server) handleImport(conn net.Conn) (*hostusb.Device, error) {
	var rest [busIDSize]byte
	if err := wire.ReadExactly(conn, rest[:]); err != nil {
		return nil, fmt.Errorf("read import busid: %w", err)
	}
	end := bytes.IndexByte(rest[:], 0)
	if end < 0 {
		end = len(rest)
	}
	reqBus := string(rest[:end])
	s.logger.Info("import request", "busid", reqBus)

	var chosen *hostusb.Device
	var chosenMeta wire.ExportMeta
	for _, m := range s.getAllDeviceMetas() {
		bend := bytes.IndexByte(m.Meta.USBBusId[:], 0)
		if bend < 0 {
			bend = len(m.Meta.USBBusId)
		}
		if string(m.Meta.USBBusId[:bend]) == reqBus {
			chosen = m.Dev
			chosenMeta = m.Meta
			break
		}
	}
	if chosen == nil {
		return nil, fmt.Errorf("no device matches busid %s", reqBus)
	}

	var buf bytes.Buffer
	rep := wire.MgmtHeader{Version: wire.Version, Command: wire.OpRepImport, Status: 0}
	_ = rep.Write(&buf)
	exp := buildExportedDevice(chosenMeta, chosen.Descriptor)
	if err := exp.WriteImport(&buf); err != nil {
		return nil, fmt.Errorf("encode import reply: %w", err)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("write import reply: %w", err)
	}
	return chosen, nil
}

func (s *Server) getAllDeviceMetas() []hostbus.DeviceMeta {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	var out []hostbus.DeviceMeta
	for _, b := range s.busses {
		out = append(out, b.GetAllDeviceMetas()...)
	}
	return out
}

func (s *Server) deviceContext(dev *hostusb.Device) context.Context {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	for _, b := range s.busses {
		if ctx := b.GetDeviceContext(dev); ctx != nil {
			return ctx
		}
	}
	return nil
}

// buildExportedDevice reports the device's first configuration (if any)
// for the interface triplet list; the guest will select the configuration
// it actually wants via SET_CONFIGURATION once attached.
func buildExportedDevice(meta wire.ExportMeta, desc *usb.Descriptor) wire.ExportedDevice {
	exp := wire.ExportedDevice{
		ExportMeta:         meta,
		Speed:              desc.Device.Speed,
		IDVendor:           desc.Device.IDVendor,
		IDProduct:          desc.Device.IDProduct,
		BcdDevice:          desc.Device.BcdDevice,
		BDeviceClass:       desc.Device.BDeviceClass,
		BDeviceSubClass:    desc.Device.BDeviceSubClass,
		BDeviceProtocol:    desc.Device.BDeviceProtocol,
		BNumConfigurations: desc.Device.BNumConfigurations,
	}
	if len(desc.Configs) > 0 {
		cfg := desc.Configs[0]
		exp.BConfigurationValue = cfg.Value
		exp.BNumInterfaces = uint8(len(cfg.Interfaces))
		for _, iface := range cfg.Interfaces {
			if len(iface.Alts) == 0 {
				continue
			}
			alt := iface.Alts[0]
			exp.Interfaces = append(exp.Interfaces, wire.InterfaceTriplet{
				Class:    alt.Class,
				SubClass: alt.SubClass,
				Protocol: alt.Protocol,
			})
		}
	}
	return exp
}

type logConn struct {
	net.Conn
	s *Server
}

func (lc *logConn) Read(p []byte) (int, error) {
	n, err := lc.Conn.Read(p)
	if n > 0 && lc.s.rawLogger != nil {
		lc.s.rawLogger.Log(true, p[:n])
	}
	return n, err
}

func (lc *logConn) Write(p []byte) (int, error) {
	n, err := lc.Conn.Write(p)
	if n > 0 && lc.s.rawLogger != nil {
		lc.s.rawLogger.Log(false, p[:n])
	}
	return n, err
}

// isClientDisconnect reports whether err represents a normal client
// disconnect (EOF, ECONNRESET, broken pipe) rather than a real failure.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errno, ok := opErr.Err.(syscall.Errno); ok {
			if errno == syscall.ECONNRESET || errno == syscall.EPIPE {
				return true
			}
		}
	}
	e := strings.ToLower(err.Error())
	if strings.Contains(e, "connection reset by peer") || strings.Contains(e, "forcibly closed") || strings.Contains(e, "aborted") {
		return true
	}
	return false
}
