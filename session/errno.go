package session

import "github.com/nyxusb/usbipd/driver"

// Negative Linux errnos used on the USB/IP wire (usbip_common.h status
// field semantics): SUCCESS and the handful of errors a USB transfer can
// realistically surface.
const (
	errSuccess    int32 = 0
	errEPIPE      int32 = -32
	errETIMEDOUT  int32 = -110
	errEILSEQ     int32 = -84
	errEOVERFLOW  int32 = -75
	errEREMOTEIO  int32 = -121
	errENODEV     int32 = -19
	errEPROTO     int32 = -71
	errECONNRESET int32 = -104
)

// errnoForURBStatus maps a driver completion status to the negative errno
// placed in ret_submit.status or an iso packet's status field. This table
// is coarse by design (matching the handful of outcomes the core
// distinguishes) and has not been validated against a live
// vhci-hcd/usbip-host pair; unknown statuses map to -EPROTO.
func errnoForURBStatus(status int32) int32 {
	switch status {
	case driver.StatusOK:
		return errSuccess
	case driver.StatusStall:
		return errEPIPE
	case driver.StatusDeviceNotReady:
		return errETIMEDOUT
	case driver.StatusCRCError:
		return errEILSEQ
	case driver.StatusDataOverrun:
		return errEOVERFLOW
	case driver.StatusDataUnderrun:
		return errEREMOTEIO
	case driver.StatusDisconnected:
		return errENODEV
	default:
		return errEPROTO
	}
}
