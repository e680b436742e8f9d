// Package fastboot implements the Android Fastboot protocol: the
// OKAY/FAIL/DATA/INFO packet exchange, sparse-aware oversized partition
// downloads, and the command surface (flash, erase, boot, getvar, lock
// state, slot selection) fastboot exposes on top of it.
package fastboot

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/flashkit/goflash"
	"github.com/flashkit/goflash/pkg/sparse"
	"github.com/flashkit/goflash/pkg/transport"
)

const fastbootCommandTimeout = 10 * time.Second

// defaultBlockSize is the block size Sparse accounting uses when splitting
// an oversized image for fastboot; fastboot itself carries no block-size
// negotiation, so this toolkit fixes it at the common Android value.
const defaultBlockSize = 4096

// sendCommand writes a fastboot ASCII command as a single packet.
func sendCommand(ctx context.Context, tr transport.Transport, cmd string) error {
	log.Debugf("[FASTBOOT][TX] %s", cmd)
	return tr.Send(ctx, []byte(cmd))
}

// recvResponse reads one fastboot response packet and splits it into its
// 4-byte tag (OKAY/FAIL/DATA/INFO) and trailing message/size text.
func recvResponse(ctx context.Context, tr transport.Transport) (tag string, body string, err error) {
	data, err := tr.Recv(ctx, 4096, fastbootCommandTimeout)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", goflash.ErrTransportFault, err)
	}
	if len(data) < 4 {
		return "", "", fmt.Errorf("%w: fastboot response shorter than its tag", goflash.ErrProtocolFault)
	}
	tag = string(data[0:4])
	body = string(data[4:])
	log.Debugf("[FASTBOOT][RX] %s%s", tag, body)
	return tag, body, nil
}

// runCommand sends a command and drains responses until a terminal
// OKAY/FAIL, logging any INFO lines along the way.
func runCommand(ctx context.Context, tr transport.Transport, cmd string) (string, error) {
	if err := sendCommand(ctx, tr, cmd); err != nil {
		return "", err
	}
	for {
		tag, body, err := recvResponse(ctx, tr)
		if err != nil {
			return "", err
		}
		switch tag {
		case "INFO":
			log.Infof("[FASTBOOT] %s", body)
			continue
		case "OKAY":
			return body, nil
		case "FAIL":
			return "", &goflash.CommandRejected{DeviceMsg: body}
		default:
			return "", fmt.Errorf("%w: unexpected fastboot response tag %q", goflash.ErrUnexpectedResponse, tag)
		}
	}
}

// download sends a download: command and streams exactly len(data) bytes
// once the device answers with a matching DATA<hex_size> response.
func download(ctx context.Context, tr transport.Transport, data []byte) error {
	cmd := fmt.Sprintf("download:%08x", len(data))
	if err := sendCommand(ctx, tr, cmd); err != nil {
		return err
	}
	tag, body, err := recvResponse(ctx, tr)
	if err != nil {
		return err
	}
	switch tag {
	case "FAIL":
		return &goflash.CommandRejected{DeviceMsg: body}
	case "DATA":
		advertised, parseErr := strconv.ParseUint(body, 16, 64)
		if parseErr != nil {
			return fmt.Errorf("%w: bad DATA size %q", goflash.ErrProtocolFault, body)
		}
		if advertised != uint64(len(data)) {
			return &goflash.DataPhaseMismatch{Expected: len(data), Actual: int(advertised)}
		}
	default:
		return fmt.Errorf("%w: expected DATA response to download:, got %q", goflash.ErrUnexpectedResponse, tag)
	}

	if err := tr.Send(ctx, data); err != nil {
		return fmt.Errorf("during fastboot data phase: %w", err)
	}

	tag, body, err = recvResponse(ctx, tr)
	if err != nil {
		return err
	}
	for tag == "INFO" {
		log.Infof("[FASTBOOT] %s", body)
		tag, body, err = recvResponse(ctx, tr)
		if err != nil {
			return err
		}
	}
	if tag == "FAIL" {
		return &goflash.CommandRejected{DeviceMsg: body}
	}
	if tag != "OKAY" {
		return fmt.Errorf("%w: unexpected fastboot response tag %q after data phase", goflash.ErrUnexpectedResponse, tag)
	}
	return nil
}

// Engine drives an Android device over the Fastboot protocol.
type Engine struct {
	tr              transport.Transport
	maxDownloadSize uint64
	info            *goflash.DeviceInfo
}

// NewEngine builds a Fastboot engine bound to an already-opened transport.
func NewEngine(tr transport.Transport) *Engine {
	return &Engine{tr: tr}
}

func (e *Engine) Kind() goflash.EngineKind { return goflash.EngineFastboot }

func (e *Engine) Connect(ctx *goflash.Context) (*goflash.DeviceInfo, error) {
	cctx, cancel := context.WithTimeout(context.Background(), fastbootCommandTimeout)
	defer cancel()

	maxSizeStr, err := runCommand(cctx, e.tr, "getvar:max-download-size")
	if err != nil {
		return nil, err
	}
	maxSize, err := strconv.ParseUint(maxSizeStr, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad max-download-size %q", goflash.ErrProtocolFault, maxSizeStr)
	}
	e.maxDownloadSize = maxSize

	slot, _ := runCommand(cctx, e.tr, "getvar:current-slot")
	currentSlot := ""
	if slot != "" {
		currentSlot = "_" + slot
	}

	e.info = &goflash.DeviceInfo{
		ChipID:          "fastboot",
		ProtocolVersion: 1,
		CurrentSlot:     currentSlot,
		MaxDownloadSize: maxSize,
	}
	ctx.Logger.Info("fastboot engine connected", "max_download_size", maxSize, "current_slot", currentSlot)
	return e.info, nil
}

func (e *Engine) Disconnect(ctx *goflash.Context) error {
	return nil
}

// ReadPartition is unsupported: Fastboot has no upload/read command in its
// standard protocol surface (spec.md §6 lists no "read" subcommand).
func (e *Engine) ReadPartition(ctx *goflash.Context, partition string, offset, length uint64, w io.Writer) error {
	return fmt.Errorf("%w: fastboot protocol has no partition read command", goflash.ErrInvalidArgument)
}

func (e *Engine) WritePartition(ctx *goflash.Context, partition string, r io.Reader, size uint64) error {
	cctx, cancel := context.WithTimeout(context.Background(), fastbootCommandTimeout)
	defer cancel()

	if size <= e.maxDownloadSize {
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		if err := download(cctx, e.tr, buf); err != nil {
			return err
		}
		_, err := runCommand(cctx, e.tr, "flash:"+partition)
		return err
	}

	source, err := e.splitOversized(r, size)
	if err != nil {
		return err
	}
	log.Infof("[FASTBOOT] image exceeds max-download-size, splitting into %d pieces", source.Total())
	for {
		chunk, err := source.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := download(cctx, e.tr, chunk.Bytes); err != nil {
			return fmt.Errorf("piece %d/%d: %w", chunk.Index+1, chunk.Total, err)
		}
		if _, err := runCommand(cctx, e.tr, "flash:"+partition); err != nil {
			return fmt.Errorf("piece %d/%d: %w", chunk.Index+1, chunk.Total, err)
		}
	}
}

// chunkSource is the common surface of RawSplitter and Resparser: a
// sequence of already-serialized, protocol-legal transfer units.
type chunkSource interface {
	Total() int
	Next() (*sparse.ChunkData, error)
}

// splitOversized peeks the source's first 4 bytes to tell an already-Sparse
// image from a raw one. A Sparse input must be re-chunked with Resparser so
// its own header/chunk framing is preserved; re-chunking it as raw bytes
// would flash the Sparse container's own bytes as literal partition content.
func (e *Engine) splitOversized(r io.Reader, size uint64) (chunkSource, error) {
	magic := make([]byte, 4)
	n, err := io.ReadFull(r, magic)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	full := io.MultiReader(bytes.NewReader(magic[:n]), r)

	if n == 4 && binary.LittleEndian.Uint32(magic) == sparse.Magic {
		return sparse.NewResparser(full, int(e.maxDownloadSize))
	}
	return sparse.NewRawSplitter(full, int64(size), defaultBlockSize, int(e.maxDownloadSize))
}

func (e *Engine) ErasePartition(ctx *goflash.Context, partition string) error {
	cctx, cancel := context.WithTimeout(context.Background(), fastbootCommandTimeout)
	defer cancel()
	_, err := runCommand(cctx, e.tr, "erase:"+partition)
	return err
}

// ExecuteRaw issues a raw fastboot command (boot, continue, reboot,
// reboot-bootloader, set_active:SLOT, flashing unlock|lock) and returns its
// OKAY message as bytes.
func (e *Engine) ExecuteRaw(ctx *goflash.Context, command []byte) ([]byte, error) {
	cctx, cancel := context.WithTimeout(context.Background(), fastbootCommandTimeout)
	defer cancel()
	msg, err := runCommand(cctx, e.tr, string(command))
	if err != nil {
		return nil, err
	}
	return []byte(msg), nil
}

func (e *Engine) Info() *goflash.DeviceInfo { return e.info }
