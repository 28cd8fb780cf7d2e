package session

import (
	"testing"

	"github.com/nyxusb/usbipd/driver"
)

func TestErrnoForURBStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int32
		want   int32
	}{
		{"ok", driver.StatusOK, errSuccess},
		{"stall", driver.StatusStall, errEPIPE},
		{"device not ready", driver.StatusDeviceNotReady, errETIMEDOUT},
		{"crc error", driver.StatusCRCError, errEILSEQ},
		{"data overrun", driver.StatusDataOverrun, errEOVERFLOW},
		{"data underrun", driver.StatusDataUnderrun, errEREMOTEIO},
		{"disconnected", driver.StatusDisconnected, errENODEV},
		{"unknown status", 999, errEPROTO},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := errnoForURBStatus(tc.status); got != tc.want {
				t.Fatalf("errnoForURBStatus(%d) = %d, want %d", tc.status, got, tc.want)
			}
		})
	}
}
