// Package serial implements the stream variant of the transport abstraction
// over a COM port / tty device, for Spreadtrum BSL and MediaTek BROM.
package serial

import (
	"context"
	"time"

	goserial "github.com/daedaluz/goserial"

	"github.com/flashkit/goflash"
	"github.com/flashkit/goflash/pkg/transport"
)

func init() {
	transport.Register(goflash.TransportSerial, func() transport.Transport { return &Transport{baud: DefaultBaud} })
}

// DefaultBaud is used when a Transport's baud rate is left unset before
// Connect.
const DefaultBaud = 115200

// Transport is the serial/stream transport variant. A stream channel has no
// inherent framing: Recv simply returns whatever bytes are available up to
// max within the deadline.
type Transport struct {
	port      *goserial.Port
	baud      uint32
	connected bool
	cancelled bool
}

// SetBaud configures the line speed to use on the next Connect. Must be
// called before Connect; it has no effect afterward.
func (t *Transport) SetBaud(baud uint32) {
	t.baud = baud
}

func (t *Transport) Connect(ctx context.Context, d goflash.DeviceDescriptor) error {
	opts := goserial.NewOptions().SetReadTimeout(100 * time.Millisecond)
	port, err := goserial.Open(d.Path, opts)
	if err != nil {
		return goflash.ErrNotFound
	}
	if err := port.MakeRaw(); err != nil {
		port.Close()
		return goflash.ErrAccessDenied
	}
	attrs, err := port.GetAttr2()
	if err != nil {
		port.Close()
		return goflash.ErrAccessDenied
	}
	attrs.SetCustomIOSpeed(t.baud, t.baud)
	if err := port.SetAttr2(goserial.TCSANOW, attrs); err != nil {
		port.Close()
		return goflash.ErrAccessDenied
	}

	t.port = port
	t.connected = true
	t.cancelled = false
	return nil
}

func (t *Transport) Disconnect() error {
	if !t.connected {
		return nil
	}
	t.connected = false
	return t.port.Close()
}

func (t *Transport) Send(ctx context.Context, data []byte) error {
	if !t.connected {
		return goflash.ErrClosed
	}
	sent := 0
	for sent < len(data) {
		if t.cancelled {
			return goflash.ErrCancelled
		}
		n, err := t.port.Write(data[sent:])
		if err != nil {
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
	n, err := t.port.ReadTimeout(buf, deadline)
	if err != nil {
		if n == 0 {
			return nil, nil
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
