// Package hostbus tracks claimed devices per synthetic USB/IP bus number
// and assigns them stable busid/devid pairs. It does not emulate device
// behavior — these are real, driver-claimed devices — it only keeps the
// bookkeeping the devlist/import handshake needs.
package hostbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/nyxusb/usbipd/hostusb"
	"github.com/nyxusb/usbipd/wire"
)

const basepath = "/sys/devices/pci0000:00/0000:00:08.1/0000:00:04:00.3/usb"

var (
	globalBusCounter uint32
	allocatedBusIDs  = make(map[uint32]bool)
	globalMutex      sync.Mutex
)

// Bus tracks every device claimed on one synthetic bus number.
type Bus struct {
	mutex           sync.Mutex
	busID           uint32
	nextDevID       uint32
	allocatedDevIDs map[uint32]bool
	devices         []entry
}

type entry struct {
	dev    *hostusb.Device
	meta   wire.ExportMeta
	ctx    context.Context
	cancel context.CancelFunc
}

// DeviceMeta pairs a claimed device with its USB/IP export identity.
type DeviceMeta struct {
	Dev  *hostusb.Device
	Meta wire.ExportMeta
}

// New creates a Bus with a unique auto-assigned bus number.
func New() *Bus {
	globalMutex.Lock()
	defer globalMutex.Unlock()

	busID := globalBusCounter
	if busID == 0 {
		busID = 1
	}
	for allocatedBusIDs[busID] {
		busID++
	}
	globalBusCounter = busID + 1
	allocatedBusIDs[busID] = true

	return &Bus{
		busID:           busID,
		allocatedDevIDs: make(map[uint32]bool),
	}
}

// NewWithBusID creates a Bus starting at a specific bus number, failing if
// that number is already allocated.
func NewWithBusID(busID uint32) (*Bus, error) {
	globalMutex.Lock()
	defer globalMutex.Unlock()

	if allocatedBusIDs[busID] {
		return nil, fmt.Errorf("bus number %d already allocated", busID)
	}
	allocatedBusIDs[busID] = true

	return &Bus{
		busID:           busID,
		allocatedDevIDs: make(map[uint32]bool),
	}, nil
}

// Add registers a claimed device on the bus, auto-assigning its dev-id,
// and returns a context that is cancelled when the device is later removed
// or the bus is closed. The session engine watches this context to detect
// terminal disconnection.
func (b *Bus) Add(dev *hostusb.Device) (context.Context, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for _, e := range b.devices {
		if e.dev == dev {
			return nil, fmt.Errorf("device already registered on this bus")
		}
	}

	var devID uint32
	for i := uint32(1); ; i++ {
		if !b.allocatedDevIDs[i] {
			devID = i
			b.allocatedDevIDs[i] = true
			break
		}
	}

	busDevID := fmt.Sprintf("%d-%d", b.busID, devID)
	path := fmt.Sprintf("%s%d/%s", basepath, b.busID, busDevID)

	var meta wire.ExportMeta
	copy(meta.Path[:], path)
	copy(meta.USBBusId[:], busDevID)
	meta.BusId = b.busID
	meta.DevId = devID

	ctx, cancel := context.WithCancel(context.Background())
	b.devices = append(b.devices, entry{dev: dev, meta: meta, ctx: ctx, cancel: cancel})
	return ctx, nil
}

// GetAllDeviceMetas returns a snapshot of every registered device on this
// bus with its export identity.
func (b *Bus) GetAllDeviceMetas() []DeviceMeta {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	out := make([]DeviceMeta, 0, len(b.devices))
	for _, e := range b.devices {
		out = append(out, DeviceMeta{Dev: e.dev, Meta: e.meta})
	}
	return out
}

// BusID returns this bus's number.
func (b *Bus) BusID() uint32 {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.busID
}

// Devices returns every device currently attached to this bus.
func (b *Bus) Devices() []*hostusb.Device {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	out := make([]*hostusb.Device, 0, len(b.devices))
	for _, e := range b.devices {
		out = append(out, e.dev)
	}
	return out
}

// Remove unregisters a device, cancelling its context.
func (b *Bus) Remove(dev *hostusb.Device) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for i, e := range b.devices {
		if e.dev == dev {
			if e.cancel != nil {
				e.cancel()
			}
			delete(b.allocatedDevIDs, e.meta.DevId)
			b.devices = append(b.devices[:i], b.devices[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("device not found")
}

// Close cancels every device context on the bus and frees its bus number
// for reuse. The Bus must not be used after Close.
func (b *Bus) Close() error {
	b.mutex.Lock()
	for i := range b.devices {
		if b.devices[i].cancel != nil {
			b.devices[i].cancel()
		}
	}
	b.mutex.Unlock()

	globalMutex.Lock()
	defer globalMutex.Unlock()
	delete(allocatedBusIDs, b.busID)
	return nil
}

// GetDeviceContext returns the per-device context registered at Add, or
// nil if dev is not on this bus.
func (b *Bus) GetDeviceContext(dev *hostusb.Device) context.Context {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for i := range b.devices {
		if b.devices[i].dev == dev {
			return b.devices[i].ctx
		}
	}
	return nil
}
