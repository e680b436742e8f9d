package mediatek

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/flashkit/goflash"
	"github.com/flashkit/goflash/pkg/config"
	"github.com/flashkit/goflash/pkg/transport"
)

// dialect identifies which protocol the staged DA2 speaks once running.
type dialect int

const (
	dialectUnknown dialect = iota
	dialectXFlash
	dialectXML
)

// Toolkit convention: the first byte DA2 sends once jumped to is a dialect
// tag, since BROM's own handshake says nothing about which generation of DA
// is staged. 0x01 marks the XFlash (v5) binary dialect, 0x02 the XML (v6)
// dialect.
const (
	dialectTagXFlash byte = 0x01
	dialectTagXML    byte = 0x02
)

const defaultMaxPacket = 65536

// stage is one download-agent image BROM will load and jump to.
type stage struct {
	Data      []byte
	Addr      uint32
	SigLength uint32
}

// Engine drives a MediaTek device through the BROM handshake, DA1/DA2
// staging, and then the XFlash or XML dialect the running DA2 speaks.
type Engine struct {
	tr  transport.Transport
	da1 stage
	da2 stage

	dialect   dialect
	maxPacket int

	hwCode    uint16
	targetCfg uint32
	info      *goflash.DeviceInfo
}

// NewEngine builds a MediaTek engine bound to an already-opened transport.
func NewEngine(tr transport.Transport) *Engine {
	return &Engine{tr: tr, maxPacket: defaultMaxPacket}
}

// SetDA1 supplies the first-stage download agent BROM loads directly.
func (e *Engine) SetDA1(data []byte, addr uint32, sigLength uint32) {
	e.da1 = stage{Data: data, Addr: addr, SigLength: sigLength}
}

// SetDA2 supplies the second-stage download agent DA1 loads once running.
func (e *Engine) SetDA2(data []byte, addr uint32, sigLength uint32) {
	e.da2 = stage{Data: append([]byte(nil), data...), Addr: addr, SigLength: sigLength}
}

// ApplyPatches rewrites DA2's staged bytes at each patch's documented file
// offset, the security-bypass mechanism (e.g. Carbonara/AllInOneSignature)
// this toolkit applies before SEND_DA rather than at runtime.
func (e *Engine) ApplyPatches(patches []config.PatchEntry) error {
	for _, p := range patches {
		end := p.Offset + uint64(len(p.Value))
		if end > uint64(len(e.da2.Data)) {
			return fmt.Errorf("%w: patch %q at offset %d (len %d) exceeds DA2 image size %d",
				goflash.ErrInvalidArgument, p.Description, p.Offset, len(p.Value), len(e.da2.Data))
		}
		copy(e.da2.Data[p.Offset:end], p.Value)
		log.Debugf("[MTK] applied patch %q at offset 0x%x", p.Description, p.Offset)
	}
	return nil
}

func (e *Engine) Kind() goflash.EngineKind { return goflash.EngineMediaTek }

func (e *Engine) Connect(ctx *goflash.Context) (*goflash.DeviceInfo, error) {
	if len(e.da1.Data) == 0 || len(e.da2.Data) == 0 {
		return nil, fmt.Errorf("%w: DA1 and DA2 images must be set before Connect", goflash.ErrInvalidArgument)
	}

	cctx, cancel := context.WithTimeout(context.Background(), bromCommandTimeout)
	defer cancel()

	if err := bromHandshake(cctx, e.tr); err != nil {
		return nil, err
	}
	hwCode, err := bromGetHWCode(cctx, e.tr)
	if err != nil {
		return nil, err
	}
	e.hwCode = hwCode
	targetCfg, err := bromGetTargetConfig(cctx, e.tr)
	if err != nil {
		return nil, err
	}
	e.targetCfg = targetCfg
	secureBoot := targetCfg&0x1 != 0

	if err := bromSendDA(cctx, e.tr, e.da1.Addr, uint32(len(e.da1.Data)), e.da1.SigLength, e.da1.Data); err != nil {
		return nil, err
	}
	if err := bromJumpDA(cctx, e.tr, e.da1.Addr); err != nil {
		return nil, err
	}

	// DA1 re-exposes the same SEND_DA/JUMP_DA command shape to accept DA2.
	if err := bromSendDA(cctx, e.tr, e.da2.Addr, uint32(len(e.da2.Data)), e.da2.SigLength, e.da2.Data); err != nil {
		return nil, err
	}
	if err := bromJumpDA(cctx, e.tr, e.da2.Addr); err != nil {
		return nil, err
	}

	tag, err := recvExact(cctx, e.tr, 1)
	if err != nil {
		return nil, err
	}
	switch tag[0] {
	case dialectTagXFlash:
		e.dialect = dialectXFlash
	case dialectTagXML:
		e.dialect = dialectXML
	default:
		return nil, fmt.Errorf("%w: unrecognized DA2 dialect tag 0x%02x", goflash.ErrVersionUnsupported, tag[0])
	}

	protocolVersion := 5
	if e.dialect == dialectXML {
		protocolVersion = 6
	}
	e.info = &goflash.DeviceInfo{
		ChipID:          fmt.Sprintf("0x%04x", e.hwCode),
		HWCode:          uint32(e.hwCode),
		SecureBoot:      secureBoot,
		ProtocolVersion: protocolVersion,
		MaxDownloadSize: uint64(e.maxPacket),
	}
	ctx.Logger.Info("mediatek engine connected", "hw_code", e.info.ChipID, "secure_boot", secureBoot, "dialect", e.dialect)
	return e.info, nil
}

func (e *Engine) Disconnect(ctx *goflash.Context) error {
	cctx, cancel := context.WithTimeout(context.Background(), bromCommandTimeout)
	defer cancel()
	switch e.dialect {
	case dialectXFlash:
		_, _, err := xflashSend(cctx, e.tr, xflashCmdErase, nil)
		_ = err // best-effort notification; device reboots regardless
	case dialectXML:
		_ = xmlSendDoc(cctx, e.tr, `<da><disconnect/></da>`)
	}
	return nil
}

func (e *Engine) ReadPartition(ctx *goflash.Context, partition string, offset, length uint64, w io.Writer) error {
	cctx, cancel := context.WithTimeout(context.Background(), bromCommandTimeout)
	defer cancel()
	switch e.dialect {
	case dialectXFlash:
		return xflashRead(cctx, e.tr, partition, offset, length, e.maxPacket, w)
	case dialectXML:
		return xmlRead(cctx, e.tr, partition, offset, length, e.maxPacket, w)
	default:
		return fmt.Errorf("%w: no DA dialect negotiated", goflash.ErrNotConnected)
	}
}

func (e *Engine) WritePartition(ctx *goflash.Context, partition string, r io.Reader, size uint64) error {
	cctx, cancel := context.WithTimeout(context.Background(), bromCommandTimeout)
	defer cancel()
	switch e.dialect {
	case dialectXFlash:
		return xflashWrite(cctx, e.tr, partition, r, size, e.maxPacket)
	case dialectXML:
		return xmlWrite(cctx, e.tr, partition, r, size, e.maxPacket)
	default:
		return fmt.Errorf("%w: no DA dialect negotiated", goflash.ErrNotConnected)
	}
}

func (e *Engine) ErasePartition(ctx *goflash.Context, partition string) error {
	cctx, cancel := context.WithTimeout(context.Background(), bromCommandTimeout)
	defer cancel()
	switch e.dialect {
	case dialectXFlash:
		return xflashErase(cctx, e.tr, partition, 0, ^uint64(0))
	case dialectXML:
		return xmlErase(cctx, e.tr, partition, 0, ^uint64(0))
	default:
		return fmt.Errorf("%w: no DA dialect negotiated", goflash.ErrNotConnected)
	}
}

// ExecuteRaw routes RPMB, register peek/poke, and SEJ requests through the
// dialect's Extensions surface. command is a 4-byte big-endian extension
// command code in xflashExtensionBase..xflashExtensionMax followed by its
// argument block for the XFlash dialect, or a raw <da>...</da> document for
// the XML dialect.
func (e *Engine) ExecuteRaw(ctx *goflash.Context, command []byte) ([]byte, error) {
	cctx, cancel := context.WithTimeout(context.Background(), bromCommandTimeout)
	defer cancel()
	switch e.dialect {
	case dialectXFlash:
		if len(command) < 4 {
			return nil, fmt.Errorf("%w: extension command requires a 4-byte opcode prefix", goflash.ErrInvalidArgument)
		}
		cmd := binary.BigEndian.Uint32(command[0:4])
		return xflashExtension(cctx, e.tr, cmd, command[4:])
	case dialectXML:
		resp, err := xmlRunCommand(cctx, e.tr, string(command))
		if resp != nil {
			return []byte(resp.Message), err
		}
		return nil, err
	default:
		return nil, fmt.Errorf("%w: no DA dialect negotiated", goflash.ErrNotConnected)
	}
}

func (e *Engine) Info() *goflash.DeviceInfo { return e.info }

// ExtensionRequest is one RPMB/register-peek-poke/SEJ command issued through
// the Extensions surface. Command and Args apply to the XFlash dialect; Doc
// is a raw <da>...</da> element for the XML dialect.
type ExtensionRequest struct {
	Command uint32
	Args    []byte
	Doc     string
}

// ExtensionResponse carries whatever payload the device attached to an
// Extensions command's response.
type ExtensionResponse struct {
	Payload []byte
}

// Extension issues a typed Extensions-surface command, giving callers a
// structured alternative to packing/unpacking ExecuteRaw's byte encoding
// themselves for RPMB, register peek/poke, and SEJ access.
func (e *Engine) Extension(ctx *goflash.Context, req ExtensionRequest) (*ExtensionResponse, error) {
	cctx, cancel := context.WithTimeout(context.Background(), bromCommandTimeout)
	defer cancel()
	switch e.dialect {
	case dialectXFlash:
		payload, err := xflashExtension(cctx, e.tr, req.Command, req.Args)
		if err != nil {
			return nil, err
		}
		return &ExtensionResponse{Payload: payload}, nil
	case dialectXML:
		resp, err := xmlRunCommand(cctx, e.tr, req.Doc)
		if err != nil {
			return nil, err
		}
		return &ExtensionResponse{Payload: []byte(resp.Message)}, nil
	default:
		return nil, fmt.Errorf("%w: no DA dialect negotiated", goflash.ErrNotConnected)
	}
}
