package driver

import (
	"context"
	"fmt"
)

// Channel is a handle to the kernel USB driver's device file, offering one
// asynchronous ioctl primitive. Multiple submissions may be outstanding on
// the same channel at once; completions may arrive out of order and in
// parallel on the driver's own worker pool.
type Channel interface {
	// Submit issues one ioctl and blocks the calling goroutine (not an OS
	// thread, since the underlying wait is on a completion channel) until
	// the driver completes it or ctx is cancelled. It returns the number
	// of bytes the driver actually produced in output.
	//
	// If exactOutput is true, a produced byte count other than len(output)
	// is reported as ErrShortOutput, a protocol violation rather than a
	// partial success.
	Submit(ctx context.Context, code uint32, input, output []byte, exactOutput bool) (int, error)

	// Close releases the underlying device handle. Outstanding Submit
	// calls observe ctx cancellation or a driver hard-error once the
	// handle is closed.
	Close() error
}

// ErrShortOutput is returned by Submit when exactOutput is set and the
// driver produced a byte count different from the requested output length.
var ErrShortOutput = fmt.Errorf("driver: ioctl produced unexpected byte count")
