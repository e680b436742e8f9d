// Package block implements the raw block-device transport variant used for
// the ISP (eMMC-direct) alternate path, once a device has been driven into
// USB Mass-Storage mode and exposes its storage as a plain block device
// node.
package block

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/flashkit/goflash"
	"github.com/flashkit/goflash/pkg/transport"
)

func init() {
	transport.Register(goflash.TransportBlock, func() transport.Transport { return &Transport{} })
}

// Transport treats a block device node as a seekable byte stream: Send
// writes at the current offset, Recv reads from it. There is no packet
// framing and no inherent timeout support in a local block device, so
// Recv's deadline parameter is honored only in that a zero-byte read never
// blocks past what the kernel itself returns.
type Transport struct {
	f         *os.File
	connected bool
	cancelled bool
}

func (t *Transport) Connect(ctx context.Context, d goflash.DeviceDescriptor) error {
	f, err := os.OpenFile(d.Path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return goflash.ErrNotFound
		}
		if errors.Is(err, os.ErrPermission) {
			return goflash.ErrAccessDenied
		}
		return goflash.ErrIo
	}
	t.f = f
	t.connected = true
	t.cancelled = false
	return nil
}

func (t *Transport) Disconnect() error {
	if !t.connected {
		return nil
	}
	t.connected = false
	return t.f.Close()
}

func (t *Transport) Send(ctx context.Context, data []byte) error {
	if !t.connected {
		return goflash.ErrClosed
	}
	if t.cancelled {
		return goflash.ErrCancelled
	}
	_, err := t.f.Write(data)
	if err != nil {
		return goflash.ErrIo
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
	n, err := t.f.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, goflash.ErrClosed
		}
		return nil, goflash.ErrIo
	}
	return buf[:n], nil
}

// ReadAt / WriteAt expose the underlying positional access the GPT parser
// and partition I/O need, bypassing the sequential Send/Recv abstraction.
func (t *Transport) ReadAt(p []byte, off int64) (int, error) {
	if !t.connected {
		return 0, goflash.ErrClosed
	}
	return t.f.ReadAt(p, off)
}

func (t *Transport) WriteAt(p []byte, off int64) (int, error) {
	if !t.connected {
		return 0, goflash.ErrClosed
	}
	return t.f.WriteAt(p, off)
}

func (t *Transport) Cancel() {
	t.cancelled = true
}

func (t *Transport) IsConnected() bool {
	return t.connected
}
