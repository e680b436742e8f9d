// Package mediatek implements the MediaTek EDL-equivalent flashing path:
// the BROM handshake, DA1/DA2 staging, and the XFlash/XML download-agent
// dialects the staged DA speaks once running.
package mediatek

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/flashkit/goflash"
	"github.com/flashkit/goflash/pkg/transport"
)

// BROM command bytes.
const (
	cmdGetHWCode      byte = 0xFD
	cmdGetTargetConfig byte = 0xD8
	cmdSendDA         byte = 0xD7
	cmdJumpDA         byte = 0xD5
)

var bromSyncBytes = [4]byte{0xA0, 0x0A, 0x50, 0x05}

const bromCommandTimeout = 10 * time.Second

// bromHandshake sends the BROM sync sequence and verifies the device echoes
// back the bitwise complement of each byte, one at a time.
func bromHandshake(ctx context.Context, tr transport.Transport) error {
	for _, b := range bromSyncBytes {
		if err := tr.Send(ctx, []byte{b}); err != nil {
			return err
		}
		reply, err := recvExact(ctx, tr, 1)
		if err != nil {
			return err
		}
		if reply[0] != ^b {
			return fmt.Errorf("%w: BROM sync byte 0x%02x answered with 0x%02x, expected complement 0x%02x", goflash.ErrHandshakeFailed, b, reply[0], ^b)
		}
	}
	log.Debugf("[BROM] sync handshake complete")
	return nil
}

// bromGetHWCode queries the chip hardware code.
func bromGetHWCode(ctx context.Context, tr transport.Transport) (uint16, error) {
	resp, err := bromCommand(ctx, tr, cmdGetHWCode, nil, 2)
	if err != nil {
		return 0, err
	}
	hwCode := binary.BigEndian.Uint16(resp)
	log.Debugf("[BROM] hw code 0x%04x", hwCode)
	return hwCode, nil
}

// bromGetTargetConfig queries the 4-byte chip configuration flags (includes
// secure-boot status in the low bit, per common MediaTek BROM convention).
func bromGetTargetConfig(ctx context.Context, tr transport.Transport) (uint32, error) {
	resp, err := bromCommand(ctx, tr, cmdGetTargetConfig, nil, 4)
	if err != nil {
		return 0, err
	}
	flags := binary.BigEndian.Uint32(resp)
	log.Debugf("[BROM] target config flags 0x%08x", flags)
	return flags, nil
}

// bromSendDA uploads one download-agent stage at the given load address and
// waits for the device's 2-byte status after the payload is fully sent.
func bromSendDA(ctx context.Context, tr transport.Transport, addr, length, sigLength uint32, data []byte) error {
	header := make([]byte, 13)
	header[0] = cmdSendDA
	binary.BigEndian.PutUint32(header[1:5], addr)
	binary.BigEndian.PutUint32(header[5:9], length)
	binary.BigEndian.PutUint32(header[9:13], sigLength)
	if err := tr.Send(ctx, header); err != nil {
		return err
	}
	ack, err := recvExact(ctx, tr, 2)
	if err != nil {
		return err
	}
	if status := binary.BigEndian.Uint16(ack); status != 0 {
		return &goflash.CommandRejected{DeviceMsg: fmt.Sprintf("SEND_DA header rejected with status 0x%04x", status)}
	}

	if err := tr.Send(ctx, data); err != nil {
		return err
	}
	final, err := recvExact(ctx, tr, 2)
	if err != nil {
		return err
	}
	if status := binary.BigEndian.Uint16(final); status != 0 {
		return fmt.Errorf("%w: device rejected DA payload with status 0x%04x", goflash.ErrLoaderRejected, status)
	}
	log.Infof("[BROM] staged %d bytes at 0x%08x", len(data), addr)
	return nil
}

// bromJumpDA tells BROM to transfer execution to a previously staged DA.
func bromJumpDA(ctx context.Context, tr transport.Transport, addr uint32) error {
	payload := make([]byte, 5)
	payload[0] = cmdJumpDA
	binary.BigEndian.PutUint32(payload[1:5], addr)
	if err := tr.Send(ctx, payload); err != nil {
		return err
	}
	ack, err := recvExact(ctx, tr, 2)
	if err != nil {
		return err
	}
	if status := binary.BigEndian.Uint16(ack); status != 0 {
		return fmt.Errorf("%w: JUMP_DA to 0x%08x rejected with status 0x%04x", goflash.ErrHandshakeFailed, addr, status)
	}
	return nil
}

// bromCommand sends a single-byte command with an optional argument block
// and reads an echoed command byte followed by respLen bytes of payload.
func bromCommand(ctx context.Context, tr transport.Transport, cmd byte, args []byte, respLen int) ([]byte, error) {
	packet := append([]byte{cmd}, args...)
	if err := tr.Send(ctx, packet); err != nil {
		return nil, err
	}
	echo, err := recvExact(ctx, tr, 1)
	if err != nil {
		return nil, err
	}
	if echo[0] != cmd {
		return nil, fmt.Errorf("%w: expected echo of command 0x%02x, got 0x%02x", goflash.ErrUnexpectedResponse, cmd, echo[0])
	}
	if respLen == 0 {
		return nil, nil
	}
	return recvExact(ctx, tr, respLen)
}

// recvExact reads exactly n bytes from tr, looping over short reads; BROM's
// transport is a plain serial/USB stream with no inherent packet framing.
func recvExact(ctx context.Context, tr transport.Transport, n int) ([]byte, error) {
	buf := make([]byte, 0, n)
	for len(buf) < n {
		chunk, err := tr.Recv(ctx, n-len(buf), bromCommandTimeout)
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			select {
			case <-ctx.Done():
				return nil, goflash.ErrTimeout
			default:
				continue
			}
		}
		buf = append(buf, chunk...)
	}
	return buf, nil
}
