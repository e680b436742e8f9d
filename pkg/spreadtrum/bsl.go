// Package spreadtrum implements the Spreadtrum/Unisoc EDL-equivalent
// flashing path: the HDLC-framed BSL command channel, FDL1/FDL2 staging,
// and the ISP (eMMC-direct block device) alternate path once a device has
// been driven into USB mass-storage mode.
package spreadtrum

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/flashkit/goflash"
	"github.com/flashkit/goflash/pkg/hdlc"
	"github.com/flashkit/goflash/pkg/transport"
)

// BSL command types (16-bit big-endian).
const (
	cmdConnect  uint16 = 0x0000
	cmdStartData uint16 = 0x0001
	cmdMidstData uint16 = 0x0002
	cmdEndData  uint16 = 0x0003
	cmdExecData uint16 = 0x0004
	cmdReadFlash uint16 = 0x0010

	cmdReadPartition       uint16 = 0x0020
	cmdWritePartitionStart uint16 = 0x0021
	cmdWriteMidst          uint16 = 0x0022
	cmdWriteEnd            uint16 = 0x0023
	cmdErasePartition      uint16 = 0x0024

	respAck uint16 = 0x0080
	respNak uint16 = 0x0081
)

const bslCommandTimeout = 10 * time.Second

// encodeBSL builds a command's payload: 16-bit big-endian type, 16-bit
// big-endian length, then the body, before HDLC framing.
func encodeBSL(cmd uint16, body []byte) []byte {
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint16(buf[0:2], cmd)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(body)))
	copy(buf[4:], body)
	return buf
}

// decodeBSL splits a decoded HDLC payload back into its command type and
// body, validating the embedded length against what HDLC actually framed.
func decodeBSL(payload []byte) (cmd uint16, body []byte, err error) {
	if len(payload) < 4 {
		return 0, nil, fmt.Errorf("%w: BSL payload shorter than header", goflash.ErrTruncated)
	}
	cmd = binary.BigEndian.Uint16(payload[0:2])
	length := binary.BigEndian.Uint16(payload[2:4])
	if int(length) != len(payload)-4 {
		return 0, nil, fmt.Errorf("%w: BSL length field %d does not match payload", goflash.ErrBadFrame, length)
	}
	return cmd, payload[4:], nil
}

// bslExchange sends one HDLC-framed BSL command and returns the decoded
// reply's command type and body.
func bslExchange(ctx context.Context, tr transport.Transport, cmd uint16, body []byte) (uint16, []byte, error) {
	frame := hdlc.Encode(encodeBSL(cmd, body))
	log.Debugf("[SPD][TX] cmd=0x%04x len=%d", cmd, len(body))
	if err := tr.Send(ctx, frame); err != nil {
		return 0, nil, err
	}

	var dec hdlc.Decoder
	for {
		data, err := tr.Recv(ctx, 65536, bslCommandTimeout)
		if err != nil {
			return 0, nil, err
		}
		if len(data) == 0 {
			select {
			case <-ctx.Done():
				return 0, nil, goflash.ErrTimeout
			default:
				continue
			}
		}
		dec.Feed(data)
		payload, ok, decErr := dec.Next()
		if decErr != nil {
			return 0, nil, fmt.Errorf("%w: %v", goflash.ErrProtocolFault, decErr)
		}
		if !ok {
			continue
		}
		respCmd, respBody, err := decodeBSL(payload)
		if err != nil {
			return 0, nil, err
		}
		log.Debugf("[SPD][RX] cmd=0x%04x len=%d", respCmd, len(respBody))
		return respCmd, respBody, nil
	}
}

// bslCommand sends a command and requires the reply to be an ACK, returning
// its body.
func bslCommand(ctx context.Context, tr transport.Transport, cmd uint16, body []byte) ([]byte, error) {
	respCmd, respBody, err := bslExchange(ctx, tr, cmd, body)
	if err != nil {
		return nil, err
	}
	if respCmd == respNak {
		return nil, &goflash.CommandRejected{DeviceMsg: fmt.Sprintf("BSL command 0x%04x NAKed", cmd)}
	}
	if respCmd != respAck {
		return nil, fmt.Errorf("%w: expected ACK/NAK for BSL command 0x%04x, got 0x%04x", goflash.ErrUnexpectedResponse, cmd, respCmd)
	}
	return respBody, nil
}

// stageChunkSize is the MIDST_DATA chunk size used before FDL2 has reported
// its own preferred size.
const stageChunkSize = 4096

// bslStage runs one START_DATA / MIDST_DATA* / END_DATA / EXEC_DATA cycle to
// load and start a download-agent image at addr.
func bslStage(ctx context.Context, tr transport.Transport, addr uint32, data []byte, chunkSize int) error {
	startBody := make([]byte, 8)
	binary.BigEndian.PutUint32(startBody[0:4], addr)
	binary.BigEndian.PutUint32(startBody[4:8], uint32(len(data)))
	if _, err := bslCommand(ctx, tr, cmdStartData, startBody); err != nil {
		return err
	}

	for offset := 0; offset < len(data); offset += chunkSize {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := bslCommand(ctx, tr, cmdMidstData, data[offset:end]); err != nil {
			return fmt.Errorf("MIDST_DATA at offset %d: %w", offset, err)
		}
	}

	if _, err := bslCommand(ctx, tr, cmdEndData, nil); err != nil {
		return err
	}

	execBody := make([]byte, 4)
	binary.BigEndian.PutUint32(execBody, addr)
	if _, err := bslCommand(ctx, tr, cmdExecData, execBody); err != nil {
		return err
	}
	log.Infof("[SPD] staged %d bytes at 0x%08x", len(data), addr)
	return nil
}
