package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nyxusb/usbipd/hostbus"
	"github.com/nyxusb/usbipd/hostusb"
	"github.com/nyxusb/usbipd/internal/log"
	"github.com/nyxusb/usbipd/usbipd"
)

// Serve runs the USB/IP exporter: it claims every device currently visible
// through the monitor driver, registers them on a single bus, and listens
// for attach requests.
type Serve struct {
	UsbipdConfig      usbipd.Config `embed:""`
	ConnectionTimeout time.Duration `help:"Per-connection handshake deadline" default:"30s" env:"USBIPD_CONNECTION_TIMEOUT"`
}

// Run is called by Kong when the serve command is executed.
func (s *Serve) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.StartServer(ctx, logger, rawLogger)
}

func (s *Serve) StartServer(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	s.UsbipdConfig.ConnectionTimeout = s.ConnectionTimeout

	logger.Info("starting usbipd USB/IP server", "addr", s.UsbipdConfig.Addr)

	bus := hostbus.New()
	claimed, err := claimAllDevices(logger)
	if err != nil {
		return err
	}
	for _, dev := range claimed {
		if _, err := bus.Add(dev); err != nil {
			logger.Error("failed to register claimed device on bus", "path", dev.Path, "error", err)
		}
	}
	logger.Info("devices claimed", "count", len(claimed))

	srv := usbipd.New(s.UsbipdConfig, logger, rawLogger)
	if err := srv.AddBus(bus); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		_ = srv.Close()
		_ = bus.Close()
		return <-errCh
	case err := <-errCh:
		_ = bus.Close()
		return err
	}
}

// claimAllDevices enumerates every device interface the monitor driver
// exposes and claims each one, logging (rather than failing) individual
// claim errors so one misbehaving device does not prevent exporting the
// rest.
func claimAllDevices(logger *slog.Logger) ([]*hostusb.Device, error) {
	paths, err := hostusb.Enumerate()
	if err != nil {
		return nil, err
	}
	var out []*hostusb.Device
	for _, p := range paths {
		dev, err := hostusb.Claim(p)
		if err != nil {
			logger.Error("failed to claim device", "path", p, "error", err)
			continue
		}
		out = append(out, dev)
	}
	return out, nil
}
