//go:build windows

package hostusb

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	setupapi                             = windows.NewLazySystemDLL("setupapi.dll")
	procSetupDiGetClassDevsW             = setupapi.NewProc("SetupDiGetClassDevsW")
	procSetupDiEnumDeviceInterfaces      = setupapi.NewProc("SetupDiEnumDeviceInterfaces")
	procSetupDiGetDeviceInterfaceDetailW = setupapi.NewProc("SetupDiGetDeviceInterfaceDetailW")
	procSetupDiDestroyDeviceInfoList     = setupapi.NewProc("SetupDiDestroyDeviceInfoList")
)

const (
	digcfPresent         = 0x00000002
	digcfDeviceInterface = 0x00000010
)

type spDeviceInterfaceData struct {
	CbSize             uint32
	InterfaceClassGuid windows.GUID
	Flags              uint32
	Reserved           uintptr
}

type spDeviceInterfaceDetailData struct {
	CbSize     uint32
	DevicePath [1]uint16
}

// monitorDriverGUID is the device-interface GUID exposed by the
// usbip-win2-family monitor/filter driver this package claims devices
// through.
var monitorDriverGUID = windows.GUID{
	Data1: 0xB4030C06,
	Data2: 0xDC5F,
	Data3: 0x4FCC,
	Data4: [8]byte{0x87, 0xEB, 0xE5, 0x51, 0x5A, 0x09, 0x35, 0xC0},
}

// Enumerate lists the device interface paths of every device currently
// claimed by the monitor driver, one per physically attached device.
func Enumerate() ([]string, error) {
	r0, _, e1 := syscall.SyscallN(procSetupDiGetClassDevsW.Addr(),
		uintptr(unsafe.Pointer(&monitorDriverGUID)),
		0,
		0,
		uintptr(digcfPresent|digcfDeviceInterface))

	devInfo := windows.Handle(r0)
	if devInfo == windows.InvalidHandle {
		if e1 != 0 {
			return nil, fmt.Errorf("hostusb: SetupDiGetClassDevsW: %w", e1)
		}
		return nil, fmt.Errorf("hostusb: SetupDiGetClassDevsW returned an invalid handle")
	}
	defer func() {
		syscall.SyscallN(procSetupDiDestroyDeviceInfoList.Addr(), uintptr(devInfo))
	}()

	var paths []string
	for index := uint32(0); ; index++ {
		var ifaceData spDeviceInterfaceData
		ifaceData.CbSize = uint32(unsafe.Sizeof(ifaceData))

		r1, _, e2 := syscall.SyscallN(procSetupDiEnumDeviceInterfaces.Addr(),
			uintptr(devInfo),
			0,
			uintptr(unsafe.Pointer(&monitorDriverGUID)),
			uintptr(index),
			uintptr(unsafe.Pointer(&ifaceData)))
		if r1 == 0 {
			if e2 == windows.ERROR_NO_MORE_ITEMS {
				break
			}
			if index == 0 {
				return nil, fmt.Errorf("hostusb: no devices claimed by the monitor driver")
			}
			break
		}

		path, err := deviceInterfaceDetail(devInfo, &ifaceData)
		if err != nil {
			continue
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func deviceInterfaceDetail(devInfo windows.Handle, ifaceData *spDeviceInterfaceData) (string, error) {
	var requiredSize uint32
	syscall.SyscallN(procSetupDiGetDeviceInterfaceDetailW.Addr(),
		uintptr(devInfo),
		uintptr(unsafe.Pointer(ifaceData)),
		0,
		0,
		uintptr(unsafe.Pointer(&requiredSize)),
		0)

	detailData := make([]byte, requiredSize)
	detailHeader := (*spDeviceInterfaceDetailData)(unsafe.Pointer(&detailData[0]))
	detailHeader.CbSize = uint32(unsafe.Sizeof(spDeviceInterfaceDetailData{}))

	r2, _, e3 := syscall.SyscallN(procSetupDiGetDeviceInterfaceDetailW.Addr(),
		uintptr(devInfo),
		uintptr(unsafe.Pointer(ifaceData)),
		uintptr(unsafe.Pointer(detailHeader)),
		uintptr(requiredSize),
		0,
		0)
	if r2 == 0 {
		if e3 != 0 {
			return "", fmt.Errorf("hostusb: SetupDiGetDeviceInterfaceDetailW: %w", e3)
		}
		return "", fmt.Errorf("hostusb: SetupDiGetDeviceInterfaceDetailW failed")
	}

	return windows.UTF16PtrToString(&detailHeader.DevicePath[0]), nil
}
