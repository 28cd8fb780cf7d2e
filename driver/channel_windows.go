//go:build windows

package driver

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/windows"
)

// pumpWorkers is the size of the goroutine pool draining the completion
// port, mirroring the "worker threads drawn from a shared pool" the driver
// itself uses to deliver completions.
const pumpWorkers = 4

type ioctlResult struct {
	n   uint32
	err error
}

// winChannel is the Windows implementation of Channel: an overlapped device
// handle registered with an I/O completion port, plus a pool of goroutines
// draining GetQueuedCompletionStatus and dispatching each completion to the
// waiter that submitted it, keyed by the OVERLAPPED address the kernel
// echoes back.
type winChannel struct {
	handle windows.Handle
	iocp   windows.Handle

	mu      sync.Mutex
	pending map[*windows.Overlapped]chan ioctlResult

	closeOnce sync.Once
	closed    chan struct{}
}

// Open claims the monitor driver's device file at devicePath for overlapped
// (asynchronous) I/O and associates it with a fresh completion port.
func Open(devicePath string) (Channel, error) {
	pathPtr, err := windows.UTF16PtrFromString(devicePath)
	if err != nil {
		return nil, fmt.Errorf("driver: invalid device path: %w", err)
	}

	handle, err := windows.CreateFile(
		pathPtr,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_ATTRIBUTE_NORMAL|windows.FILE_FLAG_OVERLAPPED,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("driver: open %s: %w", devicePath, err)
	}

	iocp, err := windows.CreateIoCompletionPort(handle, 0, 0, 0)
	if err != nil {
		windows.CloseHandle(handle)
		return nil, fmt.Errorf("driver: CreateIoCompletionPort: %w", err)
	}

	c := &winChannel{
		handle:  handle,
		iocp:    iocp,
		pending: make(map[*windows.Overlapped]chan ioctlResult),
		closed:  make(chan struct{}),
	}
	for i := 0; i < pumpWorkers; i++ {
		go c.pump()
	}
	return c, nil
}

func (c *winChannel) pump() {
	for {
		var n uint32
		var key uintptr
		var ov *windows.Overlapped
		err := windows.GetQueuedCompletionStatus(c.iocp, &n, &key, &ov, windows.INFINITE)
		if ov == nil {
			select {
			case <-c.closed:
				return
			default:
				continue
			}
		}

		c.mu.Lock()
		ch, ok := c.pending[ov]
		if ok {
			delete(c.pending, ov)
		}
		c.mu.Unlock()
		if !ok {
			continue
		}
		if err != nil {
			ch <- ioctlResult{err: err}
		} else {
			ch <- ioctlResult{n: n}
		}
	}
}

func (c *winChannel) Submit(ctx context.Context, code uint32, input, output []byte, exactOutput bool) (int, error) {
	ov := &windows.Overlapped{}
	done := make(chan ioctlResult, 1)

	c.mu.Lock()
	c.pending[ov] = done
	c.mu.Unlock()

	var inPtr, outPtr *byte
	if len(input) > 0 {
		inPtr = &input[0]
	}
	if len(output) > 0 {
		outPtr = &output[0]
	}

	var bytesReturned uint32
	err := windows.DeviceIoControl(
		c.handle,
		code,
		inPtr, uint32(len(input)),
		outPtr, uint32(len(output)),
		&bytesReturned,
		ov,
	)
	if err != nil && err != windows.ERROR_IO_PENDING {
		c.mu.Lock()
		delete(c.pending, ov)
		c.mu.Unlock()
		return 0, fmt.Errorf("driver: ioctl submit: %w", err)
	}

	select {
	case res := <-done:
		if res.err != nil {
			return 0, fmt.Errorf("driver: ioctl completion: %w", res.err)
		}
		if exactOutput && int(res.n) != len(output) {
			return int(res.n), ErrShortOutput
		}
		return int(res.n), nil
	case <-ctx.Done():
		_ = windows.CancelIoEx(c.handle, ov)
		c.mu.Lock()
		delete(c.pending, ov)
		c.mu.Unlock()
		return 0, ctx.Err()
	}
}

func (c *winChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = windows.CloseHandle(c.handle)
		windows.CloseHandle(c.iocp)
	})
	return err
}
