package spreadtrum

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flashkit/goflash"
	"github.com/flashkit/goflash/pkg/device"
	"github.com/flashkit/goflash/pkg/transport"
)

// stage is one download-agent image BSL will load and execute.
type stage struct {
	Data []byte
	Addr uint32
}

// blockReaderWriter is the positional access pkg/transport/block's Transport
// exposes; the ISP path uses it directly instead of BSL framing.
type blockReaderWriter interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// Engine drives a Spreadtrum/Unisoc device through the BSL command channel
// and FDL1/FDL2 staging, or, in ISP mode, talks directly to a block device
// already exposing eMMC storage (device driven into USB mass-storage mode
// by a dedicated ISP image).
type Engine struct {
	tr   transport.Transport
	ispTr blockReaderWriter

	fdl1 stage
	fdl2 stage

	sigBypassAddr    uint32
	sigBypassPayload []byte
	hasSigBypass     bool

	chunkSize int
	table     *device.PartitionTable
	blockSize uint64
	info      *goflash.DeviceInfo
}

// NewEngine builds a BSL-mode Spreadtrum engine bound to an already-opened
// HDLC-framed transport (USB or serial).
func NewEngine(tr transport.Transport) *Engine {
	return &Engine{tr: tr, chunkSize: stageChunkSize}
}

// NewISPEngine builds an ISP-mode engine over a block device transport,
// skipping BSL entirely.
func NewISPEngine(blockTr blockReaderWriter, blockSize uint64) *Engine {
	return &Engine{ispTr: blockTr, blockSize: blockSize}
}

// SetFDL1 supplies the first-stage download agent BSL loads directly.
func (e *Engine) SetFDL1(data []byte, addr uint32) { e.fdl1 = stage{Data: data, Addr: addr} }

// SetFDL2 supplies the second-stage download agent FDL1 loads once running.
func (e *Engine) SetFDL2(data []byte, addr uint32) { e.fdl2 = stage{Data: data, Addr: addr} }

// SetSignatureBypass supplies the chip-specific custom_exec_no_verify
// payload staged before FDL1 on T700/T760/T770-family chips. The payload is
// treated as opaque configuration data; this engine never generates it.
func (e *Engine) SetSignatureBypass(execAddr uint32, payload []byte) {
	e.sigBypassAddr = execAddr
	e.sigBypassPayload = payload
	e.hasSigBypass = true
}

func (e *Engine) Kind() goflash.EngineKind { return goflash.EngineSpreadtrum }

func (e *Engine) Connect(ctx *goflash.Context) (*goflash.DeviceInfo, error) {
	if e.ispTr != nil {
		return e.connectISP(ctx)
	}
	return e.connectBSL(ctx)
}

func (e *Engine) connectISP(ctx *goflash.Context) (*goflash.DeviceInfo, error) {
	table, err := device.ParseGPT(e.ispTr, e.blockSize)
	if err != nil {
		return nil, fmt.Errorf("ISP mode GPT parse: %w", err)
	}
	e.table = table
	e.info = &goflash.DeviceInfo{
		ChipID:          "isp",
		ProtocolVersion: 0,
		MaxDownloadSize: e.blockSize * 1024,
	}
	ctx.Logger.Info("spreadtrum ISP engine connected", "partitions", len(table.Entries))
	return e.info, nil
}

func (e *Engine) connectBSL(ctx *goflash.Context) (*goflash.DeviceInfo, error) {
	if len(e.fdl1.Data) == 0 || len(e.fdl2.Data) == 0 {
		return nil, fmt.Errorf("%w: FDL1 and FDL2 images must be set before Connect", goflash.ErrInvalidArgument)
	}

	cctx, cancel := context.WithTimeout(context.Background(), bslCommandTimeout)
	defer cancel()

	if _, err := bslCommand(cctx, e.tr, cmdConnect, nil); err != nil {
		return nil, err
	}

	if e.hasSigBypass {
		if err := bslStage(cctx, e.tr, e.sigBypassAddr, e.sigBypassPayload, stageChunkSize); err != nil {
			return nil, fmt.Errorf("signature bypass stage: %w", err)
		}
	}

	if err := bslStage(cctx, e.tr, e.fdl1.Addr, e.fdl1.Data, stageChunkSize); err != nil {
		return nil, fmt.Errorf("FDL1 stage: %w", err)
	}
	if err := bslStage(cctx, e.tr, e.fdl2.Addr, e.fdl2.Data, stageChunkSize); err != nil {
		return nil, fmt.Errorf("FDL2 stage: %w", err)
	}

	// FDL2 hello reports the chunk size future MIDST transfers should use.
	helloBody, err := bslCommand(cctx, e.tr, cmdConnect, nil)
	if err != nil {
		return nil, err
	}
	e.chunkSize = stageChunkSize
	if len(helloBody) >= 4 {
		if reported := binary.BigEndian.Uint32(helloBody[0:4]); reported > 0 {
			e.chunkSize = int(reported)
		}
	}

	e.info = &goflash.DeviceInfo{
		ChipID:          "spreadtrum",
		ProtocolVersion: 2,
		MaxDownloadSize: uint64(e.chunkSize),
	}
	ctx.Logger.Info("spreadtrum engine connected", "chunk_size", e.chunkSize)
	return e.info, nil
}

func (e *Engine) Disconnect(ctx *goflash.Context) error {
	if e.ispTr != nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(context.Background(), bslCommandTimeout)
	defer cancel()
	_, err := bslCommand(cctx, e.tr, cmdEndData, nil)
	return err
}

func encodePartitionLocator(name string, offset, length uint64) []byte {
	nameBytes := []byte(name)
	buf := make([]byte, 2+len(nameBytes)+16)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(nameBytes)))
	copy(buf[2:], nameBytes)
	off := 2 + len(nameBytes)
	binary.BigEndian.PutUint64(buf[off:off+8], offset)
	binary.BigEndian.PutUint64(buf[off+8:off+16], length)
	return buf
}

func (e *Engine) ReadPartition(ctx *goflash.Context, partition string, offset, length uint64, w io.Writer) error {
	if e.ispTr != nil {
		return e.readPartitionISP(partition, offset, length, w)
	}

	cctx, cancel := context.WithTimeout(context.Background(), bslCommandTimeout)
	defer cancel()

	remaining := length
	cursor := offset
	for remaining > 0 {
		chunkLen := uint64(e.chunkSize)
		if chunkLen > remaining {
			chunkLen = remaining
		}
		args := encodePartitionLocator(partition, cursor, chunkLen)
		body, err := bslCommand(cctx, e.tr, cmdReadPartition, args)
		if err != nil {
			return err
		}
		if uint64(len(body)) != chunkLen {
			return &goflash.DataPhaseMismatch{Expected: int(chunkLen), Actual: len(body)}
		}
		if _, err := w.Write(body); err != nil {
			return err
		}
		cursor += chunkLen
		remaining -= chunkLen
	}
	return nil
}

func (e *Engine) readPartitionISP(partition string, offset, length uint64, w io.Writer) error {
	entry, err := e.table.Resolve(partition)
	if err != nil {
		return err
	}
	base := entry.FirstLBA*e.blockSize + offset
	buf := make([]byte, 1<<20)
	remaining := length
	for remaining > 0 {
		n := uint64(len(buf))
		if n > remaining {
			n = remaining
		}
		read, err := e.ispTr.ReadAt(buf[:n], int64(base))
		if err != nil {
			return err
		}
		if _, err := w.Write(buf[:read]); err != nil {
			return err
		}
		base += int64(read)
		remaining -= uint64(read)
	}
	return nil
}

func (e *Engine) WritePartition(ctx *goflash.Context, partition string, r io.Reader, size uint64) error {
	if e.ispTr != nil {
		return e.writePartitionISP(partition, r, size)
	}

	cctx, cancel := context.WithTimeout(context.Background(), bslCommandTimeout)
	defer cancel()

	startBody := encodePartitionLocator(partition, 0, size)
	if _, err := bslCommand(cctx, e.tr, cmdWritePartitionStart, startBody); err != nil {
		return err
	}

	buf := make([]byte, e.chunkSize)
	var written uint64
	for written < size {
		n, err := r.Read(buf)
		if n > 0 {
			if _, err := bslCommand(cctx, e.tr, cmdWriteMidst, buf[:n]); err != nil {
				return fmt.Errorf("WRITE_MIDST at offset %d: %w", written, err)
			}
			written += uint64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if written != size {
		return &goflash.DataPhaseMismatch{Expected: int(size), Actual: int(written)}
	}

	_, err := bslCommand(cctx, e.tr, cmdWriteEnd, nil)
	return err
}

func (e *Engine) writePartitionISP(partition string, r io.Reader, size uint64) error {
	entry, err := e.table.Resolve(partition)
	if err != nil {
		return err
	}
	if size > entry.SizeBytes(e.blockSize) {
		return &goflash.DataPhaseMismatch{Expected: int(entry.SizeBytes(e.blockSize)), Actual: int(size)}
	}
	base := int64(entry.FirstLBA * e.blockSize)
	buf := make([]byte, 1<<20)
	var written uint64
	for written < size {
		n, err := r.Read(buf)
		if n > 0 {
			if _, err := e.ispTr.WriteAt(buf[:n], base); err != nil {
				return err
			}
			base += int64(n)
			written += uint64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if written != size {
		return &goflash.DataPhaseMismatch{Expected: int(size), Actual: int(written)}
	}
	return nil
}

func (e *Engine) ErasePartition(ctx *goflash.Context, partition string) error {
	if e.ispTr != nil {
		entry, err := e.table.Resolve(partition)
		if err != nil {
			return err
		}
		zero := make([]byte, e.blockSize)
		base := int64(entry.FirstLBA * e.blockSize)
		for lba := entry.FirstLBA; lba <= entry.LastLBA; lba++ {
			if _, err := e.ispTr.WriteAt(zero, base); err != nil {
				return err
			}
			base += int64(e.blockSize)
		}
		return nil
	}

	cctx, cancel := context.WithTimeout(context.Background(), bslCommandTimeout)
	defer cancel()
	args := encodePartitionLocator(partition, 0, 0)
	_, err := bslCommand(cctx, e.tr, cmdErasePartition, args)
	return err
}

// ExecuteRaw issues a raw BSL command frame (e.g. READ_FLASH, a vendor
// diagnostic command) and returns its response body. Not available in ISP
// mode, which has no command channel.
func (e *Engine) ExecuteRaw(ctx *goflash.Context, command []byte) ([]byte, error) {
	if e.ispTr != nil {
		return nil, fmt.Errorf("%w: ExecuteRaw is not available in ISP mode", goflash.ErrNotConnected)
	}
	if len(command) < 2 {
		return nil, fmt.Errorf("%w: raw BSL command requires a 2-byte command type prefix", goflash.ErrInvalidArgument)
	}
	cctx, cancel := context.WithTimeout(context.Background(), bslCommandTimeout)
	defer cancel()
	cmd := binary.BigEndian.Uint16(command[0:2])
	return bslCommand(cctx, e.tr, cmd, command[2:])
}

func (e *Engine) Info() *goflash.DeviceInfo { return e.info }
