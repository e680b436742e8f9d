// Package transport defines the duplex byte-channel abstraction every
// vendor engine is built on, plus a registry so concrete variants (USB bulk,
// serial, raw block device) can be selected by DeviceDescriptor.Kind without
// the engines importing them directly.
package transport

import (
	"context"
	"time"

	"github.com/flashkit/goflash"
)

// Transport is an opaque duplex byte channel. It owns its OS handles;
// Disconnect guarantees their release on every exit path.
type Transport interface {
	// Connect opens the channel described by d. It fails with
	// goflash.ErrNotFound if the device is absent, goflash.ErrBusy if
	// another process holds it, goflash.ErrAccessDenied on permission
	// issues.
	Connect(ctx context.Context, d goflash.DeviceDescriptor) error

	// Disconnect releases the channel. Safe to call more than once.
	Disconnect() error

	// Send writes the entire byte slice or fails with goflash.ErrIo.
	// Partial writes are retried transparently until complete. Only the USB
	// variant consults ctx, taking each bulk transfer's timeout from its
	// deadline; the serial and block variants do not time a write out.
	Send(ctx context.Context, data []byte) error

	// Recv returns 0..max bytes. It returns a zero-length slice with a nil
	// error exactly when deadline elapses without data; it returns
	// goflash.ErrClosed on a genuine peer close.
	Recv(ctx context.Context, max int, deadline time.Duration) ([]byte, error)

	// Cancel marks the channel cancelled: subsequent Send/Recv calls, and
	// the next write of a Send still looping, fail with
	// goflash.ErrCancelled. A transfer already blocked in the OS is not
	// interrupted and runs until it returns.
	Cancel()

	// IsConnected reports whether Connect succeeded and Disconnect has not
	// since been called.
	IsConnected() bool
}

// Factory constructs a Transport for one DeviceDescriptor.Kind. Concrete
// packages register one at init time.
type Factory func() Transport

var registry = make(map[goflash.TransportKind]Factory)

// Register makes a Transport variant available under kind. Called from a
// variant package's init().
func Register(kind goflash.TransportKind, f Factory) {
	registry[kind] = f
}

// Open constructs and connects a Transport for d.Kind.
func Open(ctx context.Context, d goflash.DeviceDescriptor) (Transport, error) {
	factory, ok := registry[d.Kind]
	if !ok {
		return nil, goflash.ErrNotFound
	}
	t := factory()
	if err := t.Connect(ctx, d); err != nil {
		return nil, err
	}
	return t, nil
}

// Available reports which transport kinds have a registered variant.
func Available() []goflash.TransportKind {
	kinds := make([]goflash.TransportKind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	return kinds
}
