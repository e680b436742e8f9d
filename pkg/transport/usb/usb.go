// Package usb implements the USB bulk variant of the transport abstraction
// on top of usbfs bulk/control ioctls.
package usb

import (
	"context"
	"errors"
	"time"

	gousb "github.com/kevmo314/go-usb"

	"github.com/flashkit/goflash"
	"github.com/flashkit/goflash/pkg/transport"
)

func init() {
	transport.Register(goflash.TransportUSB, func() transport.Transport { return &Transport{} })
}

const (
	endpointDirIn  = 0x80
	endpointTypeBulk = 0x02
	endpointTypeMask = 0x03
)

// Transport is the USB bulk variant. It discovers bulk-in/bulk-out endpoint
// addresses by scanning the active configuration's endpoint descriptors at
// Connect time.
type Transport struct {
	handle    *gousb.DeviceHandle
	bulkIn    uint8
	bulkOut   uint8
	connected bool
	cancelled bool
}

func (t *Transport) Connect(ctx context.Context, d goflash.DeviceDescriptor) error {
	handle, err := gousb.OpenDeviceWithVIDPID(d.VendorID, d.ProductID)
	if err != nil {
		switch {
		case errors.Is(err, gousb.ErrNoDevice), errors.Is(err, gousb.ErrNotFound):
			return goflash.ErrNotFound
		case errors.Is(err, gousb.ErrBusy):
			return goflash.ErrBusy
		default:
			return goflash.ErrAccessDenied
		}
	}

	_, _, endpoints, err := handle.ReadConfigDescriptor(0)
	if err != nil {
		handle.Close()
		return goflash.ErrIo
	}

	var bulkIn, bulkOut uint8
	var foundIn, foundOut bool
	for _, ep := range endpoints {
		if ep.Attributes&endpointTypeMask != endpointTypeBulk {
			continue
		}
		if ep.EndpointAddr&endpointDirIn != 0 {
			bulkIn = ep.EndpointAddr
			foundIn = true
		} else {
			bulkOut = ep.EndpointAddr
			foundOut = true
		}
	}
	if !foundIn || !foundOut {
		handle.Close()
		return goflash.ErrIo
	}

	t.handle = handle
	t.bulkIn = bulkIn
	t.bulkOut = bulkOut
	t.connected = true
	t.cancelled = false
	return nil
}

func (t *Transport) Disconnect() error {
	if !t.connected {
		return nil
	}
	t.connected = false
	return t.handle.Close()
}

func (t *Transport) Send(ctx context.Context, data []byte) error {
	if !t.connected {
		return goflash.ErrClosed
	}
	if t.cancelled {
		return goflash.ErrCancelled
	}
	timeout := deadlineFrom(ctx)
	sent := 0
	for sent < len(data) {
		if t.cancelled {
			return goflash.ErrCancelled
		}
		n, err := t.handle.BulkTransfer(t.bulkOut, data[sent:], timeout)
		if err != nil {
			if errors.Is(err, gousb.ErrTimeout) {
				return goflash.ErrTimeout
			}
			return goflash.ErrIo
		}
		sent += n
	}
	return nil
}

func (t *Transport) Recv(ctx context.Context, max int, deadline time.Duration) ([]byte, error) {
	if !t.connected {
		return nil, goflash.ErrClosed
	}
	if t.cancelled {
		return nil, goflash.ErrCancelled
	}
	buf := make([]byte, max)
	n, err := t.handle.BulkTransfer(t.bulkIn, buf, deadline)
	if err != nil {
		if errors.Is(err, gousb.ErrTimeout) {
			return nil, nil
		}
		if errors.Is(err, gousb.ErrDeviceNotFound) {
			return nil, goflash.ErrClosed
		}
		return nil, goflash.ErrIo
	}
	return buf[:n], nil
}

func (t *Transport) Cancel() {
	t.cancelled = true
}

func (t *Transport) IsConnected() bool {
	return t.connected
}

// deadlineFrom derives a usbfs-compatible timeout from ctx's deadline, or
// zero (meaning the library's own default) when ctx carries none.
func deadlineFrom(ctx context.Context) time.Duration {
	dl, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	d := time.Until(dl)
	if d < 0 {
		return 0
	}
	return d
}
