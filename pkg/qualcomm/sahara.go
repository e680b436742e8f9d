// Package qualcomm implements the Qualcomm EDL engine: the Sahara loader
// upload protocol and the Firehose XML-over-bulk protocol it hands off to.
package qualcomm

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/flashkit/goflash"
	"github.com/flashkit/goflash/pkg/transport"
)

// Sahara command codes, wire-identical across protocol versions.
const (
	cmdHello       uint32 = 0x01
	cmdHelloResp   uint32 = 0x02
	cmdReadData    uint32 = 0x03
	cmdEndOfImage  uint32 = 0x04
	cmdDone        uint32 = 0x05
	cmdDoneResp    uint32 = 0x06
	cmdReset       uint32 = 0x07
	cmdReadData64  uint32 = 0x12
)

// Sahara modes, sent in HelloResp to pick the exchange the device runs next.
const (
	modeImageTransferPending uint32 = 0x0
	modeImageTransferComplete uint32 = 0x1
)

// loaderFileID is the Sahara file-id the Firehose programmer is normally
// requested under; a ReadData for any other id is logged and served the
// same loader.
const loaderFileID = 0x0D

const saharaHandshakeTimeout = 10 * time.Second

// saharaHello is the fixed 40-byte payload of a Hello/HelloResp packet.
type saharaHello struct {
	Version             uint32
	VersionCompatible   uint32
	MaxCmdPacketLength  uint32
	Mode                uint32
}

// chipIdentity is the information an extended Hello carries once the
// negotiated protocol version advertises it (protocol version >= 3). Layout
// is this toolkit's own convention for the extra bytes trailing the fixed
// 40-byte Hello payload: chip id, oem id, a 32-byte PK hash, serial, and SBL
// version, each little-endian, in that order.
type chipIdentity struct {
	ChipID     uint32
	OEMID      uint32
	PKHash     [32]byte
	Serial     uint32
	SBLVersion uint32
}

const extendedHelloLen = 8 + 40 + (4 + 4 + 32 + 4 + 4) // header+payload+identity

func encodeSaharaPacket(cmd uint32, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], cmd)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(buf)))
	copy(buf[8:], payload)
	return buf
}

func decodeSaharaHeader(pkt []byte) (cmd uint32, length uint32, err error) {
	if len(pkt) < 8 {
		return 0, 0, goflash.ErrTruncated
	}
	cmd = binary.LittleEndian.Uint32(pkt[0:4])
	length = binary.LittleEndian.Uint32(pkt[4:8])
	if int(length) != len(pkt) {
		return 0, 0, fmt.Errorf("%w: sahara packet declares %d bytes, got %d", goflash.ErrBadFrame, length, len(pkt))
	}
	return cmd, length, nil
}

func decodeHello(pkt []byte) (saharaHello, chipIdentity, error) {
	var h saharaHello
	var id chipIdentity
	if len(pkt) < 48 {
		return h, id, goflash.ErrTruncated
	}
	h.Version = binary.LittleEndian.Uint32(pkt[8:12])
	h.VersionCompatible = binary.LittleEndian.Uint32(pkt[12:16])
	h.MaxCmdPacketLength = binary.LittleEndian.Uint32(pkt[16:20])
	h.Mode = binary.LittleEndian.Uint32(pkt[20:24])
	if h.Version >= 3 && len(pkt) >= extendedHelloLen {
		off := 48
		id.ChipID = binary.LittleEndian.Uint32(pkt[off:])
		id.OEMID = binary.LittleEndian.Uint32(pkt[off+4:])
		copy(id.PKHash[:], pkt[off+8:off+40])
		id.Serial = binary.LittleEndian.Uint32(pkt[off+40:])
		id.SBLVersion = binary.LittleEndian.Uint32(pkt[off+44:])
	}
	return h, id, nil
}

func encodeHelloResp(h saharaHello, status uint32) []byte {
	payload := make([]byte, 40)
	binary.LittleEndian.PutUint32(payload[0:4], h.Version)
	binary.LittleEndian.PutUint32(payload[4:8], h.VersionCompatible)
	binary.LittleEndian.PutUint32(payload[8:12], status)
	binary.LittleEndian.PutUint32(payload[12:16], modeImageTransferPending)
	return encodeSaharaPacket(cmdHelloResp, payload)
}

type readDataRequest struct {
	ImageID uint32
	Offset  uint64
	Length  uint64
	is64    bool
}

func decodeReadData(cmd uint32, pkt []byte) (readDataRequest, error) {
	var r readDataRequest
	switch cmd {
	case cmdReadData:
		if len(pkt) < 20 {
			return r, goflash.ErrTruncated
		}
		r.ImageID = binary.LittleEndian.Uint32(pkt[8:12])
		r.Offset = uint64(binary.LittleEndian.Uint32(pkt[12:16]))
		r.Length = uint64(binary.LittleEndian.Uint32(pkt[16:20]))
	case cmdReadData64:
		if len(pkt) < 28 {
			return r, goflash.ErrTruncated
		}
		r.ImageID = binary.LittleEndian.Uint32(pkt[8:12])
		r.Offset = binary.LittleEndian.Uint64(pkt[12:20])
		r.Length = binary.LittleEndian.Uint64(pkt[20:28])
		r.is64 = true
	default:
		return r, fmt.Errorf("%w: unexpected command 0x%x while waiting for ReadData", goflash.ErrUnexpectedResponse, cmd)
	}
	return r, nil
}

func decodeEndOfImage(pkt []byte) (imageID uint32, status uint32, err error) {
	if len(pkt) < 16 {
		return 0, 0, goflash.ErrTruncated
	}
	imageID = binary.LittleEndian.Uint32(pkt[8:12])
	status = binary.LittleEndian.Uint32(pkt[12:16])
	return imageID, status, nil
}

func decodeDoneResp(pkt []byte) (status uint32, err error) {
	if len(pkt) < 12 {
		return 0, goflash.ErrTruncated
	}
	return binary.LittleEndian.Uint32(pkt[8:12]), nil
}

// saharaIdentity is the device identity discovered during the Sahara
// handshake, folded into DeviceInfo once Firehose negotiation completes.
type saharaIdentity struct {
	chipIdentity
	protocolVersion int
}

// runSahara drives the Hello -> ReadData* -> EndOfImage -> Done handshake,
// serving loader from the host side. It returns the identity fields
// collected from an extended Hello, if the device sent one.
func runSahara(ctx context.Context, tr transport.Transport, loader []byte) (saharaIdentity, error) {
	var identity saharaIdentity

	recvCtx, cancel := context.WithTimeout(ctx, saharaHandshakeTimeout)
	defer cancel()
	pkt, err := recvPacket(recvCtx, tr)
	if err != nil {
		return identity, err
	}
	cmd, _, err := decodeSaharaHeader(pkt)
	if err != nil {
		return identity, err
	}
	if cmd != cmdHello {
		return identity, fmt.Errorf("%w: expected Hello, got command 0x%x", goflash.ErrHandshakeFailed, cmd)
	}
	hello, id, err := decodeHello(pkt)
	if err != nil {
		return identity, err
	}
	identity.chipIdentity = id
	identity.protocolVersion = int(hello.Version)
	log.Debugf("[SAHARA] hello version=%d compatible=%d mode=%d", hello.Version, hello.VersionCompatible, hello.Mode)

	if err := tr.Send(ctx, encodeHelloResp(hello, 0)); err != nil {
		return identity, err
	}

	for {
		recvCtx, cancel := context.WithTimeout(ctx, saharaHandshakeTimeout)
		pkt, err := recvPacket(recvCtx, tr)
		cancel()
		if err != nil {
			return identity, err
		}
		cmd, _, err := decodeSaharaHeader(pkt)
		if err != nil {
			return identity, err
		}

		switch cmd {
		case cmdReadData, cmdReadData64:
			req, err := decodeReadData(cmd, pkt)
			if err != nil {
				return identity, err
			}
			if req.ImageID != loaderFileID {
				log.Warnf("[SAHARA] device requested unexpected file-id 0x%x, serving loader anyway", req.ImageID)
			}
			if req.Offset+req.Length > uint64(len(loader)) {
				return identity, fmt.Errorf("%w: ReadData asked for [%d:%d] beyond loader length %d", goflash.ErrProtocolFault, req.Offset, req.Offset+req.Length, len(loader))
			}
			chunk := loader[req.Offset : req.Offset+req.Length]
			log.Debugf("[SAHARA] serving ReadData offset=%d length=%d", req.Offset, req.Length)
			if err := tr.Send(ctx, chunk); err != nil {
				return identity, err
			}

		case cmdEndOfImage:
			imageID, status, err := decodeEndOfImage(pkt)
			if err != nil {
				return identity, err
			}
			if status != 0 {
				return identity, fmt.Errorf("%w: device reported status %d for file-id 0x%x", goflash.ErrLoaderRejected, status, imageID)
			}
			log.Debugf("[SAHARA] end of image, file-id=0x%x", imageID)

			if err := tr.Send(ctx, encodeSaharaPacket(cmdDone, nil)); err != nil {
				return identity, err
			}
			recvCtx, cancel := context.WithTimeout(ctx, saharaHandshakeTimeout)
			donePkt, err := recvPacket(recvCtx, tr)
			cancel()
			if err != nil {
				return identity, err
			}
			doneCmd, _, err := decodeSaharaHeader(donePkt)
			if err != nil {
				return identity, err
			}
			if doneCmd != cmdDoneResp {
				return identity, fmt.Errorf("%w: expected DoneResp, got command 0x%x", goflash.ErrHandshakeFailed, doneCmd)
			}
			doneStatus, err := decodeDoneResp(donePkt)
			if err != nil {
				return identity, err
			}
			if doneStatus != 0 {
				return identity, fmt.Errorf("%w: DoneResp status %d", goflash.ErrLoaderRejected, doneStatus)
			}
			log.Infof("[SAHARA] loader accepted, handing off to Firehose")
			return identity, nil

		default:
			return identity, fmt.Errorf("%w: unexpected command 0x%x during loader upload", goflash.ErrUnexpectedResponse, cmd)
		}
	}
}

// recvPacket reads one Sahara packet. Sahara has no outer framing, so the
// transport's own packet boundaries (one USB bulk transfer per Sahara
// packet) are what delimit a packet; a zero-length read means the deadline
// expired with nothing pending.
func recvPacket(ctx context.Context, tr transport.Transport) ([]byte, error) {
	for {
		data, err := tr.Recv(ctx, 4096, saharaHandshakeTimeout)
		if err != nil {
			return nil, err
		}
		if len(data) > 0 {
			return data, nil
		}
		select {
		case <-ctx.Done():
			return nil, goflash.ErrTimeout
		default:
		}
	}
}
