package mediatek

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/flashkit/goflash"
	"github.com/flashkit/goflash/pkg/transport"
)

// XFlash (DA v5) 32-bit command codes.
const (
	xflashCmdRead  uint32 = 0x00000001
	xflashCmdWrite uint32 = 0x00000002
	xflashCmdErase uint32 = 0x00000003

	// xflashExtensionBase..xflashExtensionMax is the reserved range custom
	// unlock/extension commands (RPMB, register peek/poke, SEJ) live in.
	xflashExtensionBase uint32 = 0x0F0000
	xflashExtensionMax  uint32 = 0x0FFFFF
)

// xflashSend issues one XFlash command: a 4-byte big-endian opcode, a
// 4-byte big-endian argument length, then the argument block. It reads back
// a 4-byte status and, if status is zero and more data follows, a
// length-prefixed response payload.
func xflashSend(ctx context.Context, tr transport.Transport, cmd uint32, args []byte) (status uint32, payload []byte, err error) {
	header := make([]byte, 8+len(args))
	binary.BigEndian.PutUint32(header[0:4], cmd)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(args)))
	copy(header[8:], args)
	log.Debugf("[XFLASH][TX] cmd=0x%08x arglen=%d", cmd, len(args))
	if err := tr.Send(ctx, header); err != nil {
		return 0, nil, err
	}

	statusBytes, err := recvExact(ctx, tr, 4)
	if err != nil {
		return 0, nil, err
	}
	status = binary.BigEndian.Uint32(statusBytes)
	if status != 0 {
		return status, nil, &goflash.CommandRejected{DeviceMsg: fmt.Sprintf("xflash command 0x%08x failed with status 0x%08x", cmd, status)}
	}

	lenBytes, err := recvExact(ctx, tr, 4)
	if err != nil {
		return status, nil, err
	}
	payloadLen := binary.BigEndian.Uint32(lenBytes)
	if payloadLen == 0 {
		return status, nil, nil
	}
	payload, err = recvExact(ctx, tr, int(payloadLen))
	return status, payload, err
}

// xflashRead reads length bytes from a partition offset into w, looping in
// maxPacket-sized XFlash read commands.
func xflashRead(ctx context.Context, tr transport.Transport, partition string, offset, length uint64, maxPacket int, w io.Writer) error {
	remaining := length
	cursor := offset
	for remaining > 0 {
		chunkLen := uint64(maxPacket)
		if chunkLen > remaining {
			chunkLen = remaining
		}
		args := encodeXFlashLocator(partition, cursor, chunkLen)
		_, payload, err := xflashSend(ctx, tr, xflashCmdRead, args)
		if err != nil {
			return err
		}
		if uint64(len(payload)) != chunkLen {
			return &goflash.DataPhaseMismatch{Expected: int(chunkLen), Actual: len(payload)}
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}
		cursor += chunkLen
		remaining -= chunkLen
	}
	return nil
}

// xflashWrite streams size bytes from r into a partition starting at its
// first block, issuing one XFlash write command per maxPacket-sized chunk.
func xflashWrite(ctx context.Context, tr transport.Transport, partition string, r io.Reader, size uint64, maxPacket int) error {
	buf := make([]byte, maxPacket)
	var cursor uint64
	for cursor < size {
		n, err := io.ReadFull(r, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return err
		}
		if n == 0 {
			break
		}
		chunk := buf[:n]
		args := append(encodeXFlashLocator(partition, cursor, uint64(n)), chunk...)
		if _, _, err := xflashSend(ctx, tr, xflashCmdWrite, args); err != nil {
			return err
		}
		cursor += uint64(n)
	}
	if cursor != size {
		return &goflash.DataPhaseMismatch{Expected: int(size), Actual: int(cursor)}
	}
	return nil
}

func xflashErase(ctx context.Context, tr transport.Transport, partition string, offset, length uint64) error {
	args := encodeXFlashLocator(partition, offset, length)
	_, _, err := xflashSend(ctx, tr, xflashCmdErase, args)
	return err
}

// encodeXFlashLocator packs a partition name (length-prefixed) plus a
// 64-bit offset and length into an XFlash argument block, the shape every
// read/write/erase command shares.
func encodeXFlashLocator(partition string, offset, length uint64) []byte {
	name := []byte(partition)
	buf := make([]byte, 4+len(name)+16)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(name)))
	copy(buf[4:], name)
	off := 4 + len(name)
	binary.BigEndian.PutUint64(buf[off:off+8], offset)
	binary.BigEndian.PutUint64(buf[off+8:off+16], length)
	return buf
}

// xflashExtension issues a raw command in the reserved extension range
// (RPMB, register peek/poke, SEJ) and returns whatever payload the device
// attaches to its response.
func xflashExtension(ctx context.Context, tr transport.Transport, cmd uint32, args []byte) ([]byte, error) {
	if cmd < xflashExtensionBase || cmd > xflashExtensionMax {
		return nil, fmt.Errorf("%w: extension command 0x%08x outside reserved range 0x%06x-0x%06x", goflash.ErrInvalidArgument, cmd, xflashExtensionBase, xflashExtensionMax)
	}
	_, payload, err := xflashSend(ctx, tr, cmd, args)
	return payload, err
}
