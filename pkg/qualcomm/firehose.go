package qualcomm

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/flashkit/goflash"
	"github.com/flashkit/goflash/pkg/transport"
)

const defaultSectorSize = 512
const defaultMaxPayload = 1048576
const firehoseCommandTimeout = 30 * time.Second

// firehoseResponse is the terminal envelope every Firehose command produces.
type firehoseResponse struct {
	XMLName xml.Name `xml:"data"`
	Response []struct {
		Value   string `xml:"value,attr"`
		RawMode string `xml:"rawmode,attr"`
	} `xml:"response"`
	Log []struct {
		Value string `xml:"value,attr"`
	} `xml:"log"`
}

func (r firehoseResponse) terminal() (ack bool, rawmode bool, found bool) {
	for _, resp := range r.Response {
		return resp.Value == "ACK", resp.RawMode == "true", true
	}
	return false, false, false
}

// sendXML wraps one Firehose XML element in the <data> envelope Firehose
// expects every host packet to carry and sends it as a single transport
// write.
func sendXML(ctx context.Context, tr transport.Transport, element string) error {
	packet := "<?xml version=\"1.0\" encoding=\"UTF-8\" ?><data>" + element + "</data>"
	log.Debugf("[FIREHOSE][TX] %s", packet)
	if err := tr.Send(ctx, []byte(packet)); err != nil {
		return fmt.Errorf("%w: %v", goflash.ErrTransportFault, err)
	}
	return nil
}

// recvResponse reads Firehose response packets until a terminal <response>
// element arrives, logging any <log> elements along the way.
func recvResponse(ctx context.Context, tr transport.Transport) (ack bool, rawmode bool, err error) {
	deadline := firehoseCommandTimeout
	for {
		data, err := tr.Recv(ctx, 65536, deadline)
		if err != nil {
			return false, false, fmt.Errorf("%w: %v", goflash.ErrTransportFault, err)
		}
		if len(data) == 0 {
			select {
			case <-ctx.Done():
				return false, false, goflash.ErrTimeout
			default:
				continue
			}
		}
		log.Debugf("[FIREHOSE][RX] %s", string(data))
		var resp firehoseResponse
		if err := xml.Unmarshal(data, &resp); err != nil {
			return false, false, fmt.Errorf("%w: %v", goflash.ErrProtocolFault, err)
		}
		for _, l := range resp.Log {
			log.Debugf("[FIREHOSE][DEVICE] %s", l.Value)
		}
		if ack, rawmode, found := resp.terminal(); found {
			return ack, rawmode, nil
		}
	}
}

// runCommand sends one XML element and waits for its terminal ACK/NAK.
func runCommand(ctx context.Context, tr transport.Transport, element string) (rawmode bool, err error) {
	if err := sendXML(ctx, tr, element); err != nil {
		return false, err
	}
	ack, rawmode, err := recvResponse(ctx, tr)
	if err != nil {
		return false, err
	}
	if !ack {
		return false, &goflash.CommandRejected{DeviceMsg: element}
	}
	return rawmode, nil
}

// configure negotiates the data-phase chunk size and memory type for the
// remainder of the session.
func configure(ctx context.Context, tr transport.Transport, storage goflash.StorageKind, maxPayload int) (int, error) {
	element := fmt.Sprintf(
		`<configure MemoryName="%s" MaxPayloadSizeToTargetInBytes="%d" Verbose="0"/>`,
		storage.String(), maxPayload,
	)
	if _, err := runCommand(ctx, tr, element); err != nil {
		return 0, err
	}
	return maxPayload, nil
}

// Engine drives a connected Qualcomm device through Sahara loader upload and
// then the Firehose partition I/O protocol.
type Engine struct {
	tr         transport.Transport
	storage    goflash.StorageKind
	loader     []byte
	info       *goflash.DeviceInfo
	maxPayload int
	sectorSize int
}

// NewEngine builds a Qualcomm engine bound to an already-opened transport.
// storage picks the MemoryName Firehose commands are encoded with; it comes
// from the chip catalogue entry, not device auto-detection.
func NewEngine(tr transport.Transport, storage goflash.StorageKind) *Engine {
	return &Engine{
		tr:         tr,
		storage:    storage,
		maxPayload: defaultMaxPayload,
		sectorSize: defaultSectorSize,
	}
}

// SetLoader supplies the Firehose programmer binary Sahara will upload. It
// must be called before Connect.
func (e *Engine) SetLoader(data []byte) {
	e.loader = data
}

func (e *Engine) Kind() goflash.EngineKind { return goflash.EngineQualcomm }

func (e *Engine) Connect(ctx *goflash.Context) (*goflash.DeviceInfo, error) {
	if len(e.loader) == 0 {
		return nil, fmt.Errorf("%w: no Firehose loader set", goflash.ErrInvalidArgument)
	}

	identity, err := runSahara(context.Background(), e.tr, e.loader)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(context.Background(), firehoseCommandTimeout)
	defer cancel()
	maxPayload, err := configure(cctx, e.tr, e.storage, e.maxPayload)
	if err != nil {
		return nil, err
	}
	e.maxPayload = maxPayload

	e.info = &goflash.DeviceInfo{
		ChipID:          fmt.Sprintf("0x%x", identity.ChipID),
		Storage:         e.storage,
		ProtocolVersion: identity.protocolVersion,
		MaxDownloadSize: uint64(e.maxPayload),
	}
	ctx.Logger.Info("qualcomm engine connected", "chip_id", e.info.ChipID, "storage", e.storage.String())
	return e.info, nil
}

func (e *Engine) Disconnect(ctx *goflash.Context) error {
	cctx, cancel := context.WithTimeout(context.Background(), firehoseCommandTimeout)
	defer cancel()
	_, err := runCommand(cctx, e.tr, `<power value="reset"/>`)
	return err
}

// ReadPartition issues a Firehose <read> and drains the following raw data
// phase straight into w.
func (e *Engine) ReadPartition(ctx *goflash.Context, partition string, offset, length uint64, w io.Writer) error {
	sectors := length / uint64(e.sectorSize)
	startSector := offset / uint64(e.sectorSize)
	element := fmt.Sprintf(
		`<read SECTOR_SIZE_IN_BYTES="%d" num_partition_sectors="%d" physical_partition_number="0" start_sector="%d" filename="%s"/>`,
		e.sectorSize, sectors, startSector, partition,
	)
	cctx, cancel := context.WithTimeout(context.Background(), firehoseCommandTimeout)
	defer cancel()
	if err := sendXML(cctx, e.tr, element); err != nil {
		return err
	}

	remaining := length
	for remaining > 0 {
		chunkCtx, cancel := context.WithTimeout(context.Background(), firehoseCommandTimeout)
		data, err := e.tr.Recv(chunkCtx, e.maxPayload, firehoseCommandTimeout)
		cancel()
		if err != nil {
			return fmt.Errorf("during Firehose <read> data phase: %w", err)
		}
		if len(data) == 0 {
			continue
		}
		n := uint64(len(data))
		if n > remaining {
			n = remaining
		}
		if _, err := w.Write(data[:n]); err != nil {
			return err
		}
		remaining -= n
	}

	ackCtx, cancelAck := context.WithTimeout(context.Background(), firehoseCommandTimeout)
	defer cancelAck()
	ack, _, err := recvResponse(ackCtx, e.tr)
	if err != nil {
		return err
	}
	if !ack {
		return &goflash.CommandRejected{DeviceMsg: "read"}
	}
	return nil
}

// WritePartition issues a Firehose <program> and streams size bytes from r
// as the following raw data phase, in e.maxPayload-sized writes.
func (e *Engine) WritePartition(ctx *goflash.Context, partition string, r io.Reader, size uint64) error {
	sectors := (size + uint64(e.sectorSize) - 1) / uint64(e.sectorSize)
	element := fmt.Sprintf(
		`<program SECTOR_SIZE_IN_BYTES="%d" num_partition_sectors="%d" physical_partition_number="0" start_sector="0" filename="%s"/>`,
		e.sectorSize, sectors, partition,
	)
	cctx, cancel := context.WithTimeout(context.Background(), firehoseCommandTimeout)
	defer cancel()
	if err := sendXML(cctx, e.tr, element); err != nil {
		return err
	}

	var written uint64
	buf := make([]byte, e.maxPayload)
	for written < size {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if uint64(n) > size-written {
				chunk = chunk[:size-written]
			}
			writeCtx, cancel := context.WithTimeout(context.Background(), firehoseCommandTimeout)
			sendErr := e.tr.Send(writeCtx, chunk)
			cancel()
			if sendErr != nil {
				return fmt.Errorf("during Firehose <program> data phase: %w", sendErr)
			}
			written += uint64(len(chunk))
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

	ackCtx, cancelAck := context.WithTimeout(context.Background(), firehoseCommandTimeout)
	defer cancelAck()
	ack, _, err := recvResponse(ackCtx, e.tr)
	if err != nil {
		return err
	}
	if !ack {
		return &goflash.CommandRejected{DeviceMsg: "program"}
	}
	return nil
}

func (e *Engine) ErasePartition(ctx *goflash.Context, partition string) error {
	cctx, cancel := context.WithTimeout(context.Background(), firehoseCommandTimeout)
	defer cancel()
	element := fmt.Sprintf(
		`<erase SECTOR_SIZE_IN_BYTES="%d" num_partition_sectors="0xffffffff" physical_partition_number="0" start_sector="0" filename="%s"/>`,
		e.sectorSize, partition,
	)
	_, err := runCommand(cctx, e.tr, element)
	return err
}

// ExecuteRaw sends the given bytes as a single Firehose XML element,
// wrapping it in the <data> envelope, and returns the raw response bytes
// received up to and including the packet that carries the terminal
// envelope. Used for <power>, <getstorageinfo>,
// and <patch>, which don't fit the read/write/erase surface.
func (e *Engine) ExecuteRaw(ctx *goflash.Context, command []byte) ([]byte, error) {
	cctx, cancel := context.WithTimeout(context.Background(), firehoseCommandTimeout)
	defer cancel()
	if err := sendXML(cctx, e.tr, string(command)); err != nil {
		return nil, err
	}

	var captured bytes.Buffer
	for {
		data, err := e.tr.Recv(cctx, 65536, firehoseCommandTimeout)
		if err != nil {
			return captured.Bytes(), err
		}
		if len(data) == 0 {
			continue
		}
		captured.Write(data)
		var resp firehoseResponse
		if err := xml.Unmarshal(data, &resp); err != nil {
			return captured.Bytes(), fmt.Errorf("%w: %v", goflash.ErrProtocolFault, err)
		}
		if ack, _, found := resp.terminal(); found {
			if !ack {
				return captured.Bytes(), &goflash.CommandRejected{DeviceMsg: string(command)}
			}
			return captured.Bytes(), nil
		}
	}
}

func (e *Engine) Info() *goflash.DeviceInfo { return e.info }
