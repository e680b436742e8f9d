package mediatek

import (
	"bytes"
	"context"
	"encoding/binary"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flashkit/goflash"
	"github.com/flashkit/goflash/pkg/config"
)

// scriptedTransport replays a fixed sequence of device-side byte chunks and
// records every chunk the engine sends. Unlike the Qualcomm test double,
// reads here are byte-stream oriented: recvExact expects to be able to pull
// sub-chunk slices, so callers script full frames and let recvExact
// assemble them.
type scriptedTransport struct {
	toRecv [][]byte
	sent   [][]byte
}

func (s *scriptedTransport) Connect(ctx context.Context, d goflash.DeviceDescriptor) error { return nil }
func (s *scriptedTransport) Disconnect() error                                             { return nil }

func (s *scriptedTransport) Send(ctx context.Context, data []byte) error {
	s.sent = append(s.sent, append([]byte(nil), data...))
	return nil
}

func (s *scriptedTransport) Recv(ctx context.Context, max int, deadline time.Duration) ([]byte, error) {
	if len(s.toRecv) == 0 {
		return nil, goflash.ErrClosed
	}
	pkt := s.toRecv[0]
	s.toRecv = s.toRecv[1:]
	if len(pkt) > max {
		s.toRecv = append([][]byte{pkt[max:]}, s.toRecv...)
		pkt = pkt[:max]
	}
	return pkt, nil
}

func (s *scriptedTransport) Cancel()           {}
func (s *scriptedTransport) IsConnected() bool { return true }

func TestBromHandshakeSuccess(t *testing.T) {
	tr := &scriptedTransport{toRecv: [][]byte{{0x5F}, {0xF5}, {0xAF}, {0xFA}}}
	err := bromHandshake(context.Background(), tr)
	require.NoError(t, err)
	require.Len(t, tr.sent, 4)
	require.Equal(t, []byte{0xA0}, tr.sent[0])
	require.Equal(t, []byte{0x0A}, tr.sent[1])
	require.Equal(t, []byte{0x50}, tr.sent[2])
	require.Equal(t, []byte{0x05}, tr.sent[3])
}

func TestBromHandshakeRejectsBadComplement(t *testing.T) {
	tr := &scriptedTransport{toRecv: [][]byte{{0x00}}}
	err := bromHandshake(context.Background(), tr)
	require.ErrorIs(t, err, goflash.ErrHandshakeFailed)
}

func TestBromSendDASuccess(t *testing.T) {
	tr := &scriptedTransport{toRecv: [][]byte{{0x00, 0x00}, {0x00, 0x00}}}
	data := []byte("download agent stub")
	err := bromSendDA(context.Background(), tr, 0x40000000, uint32(len(data)), 0, data)
	require.NoError(t, err)
	require.Len(t, tr.sent, 2)
	require.Equal(t, byte(cmdSendDA), tr.sent[0][0])
	require.Equal(t, data, tr.sent[1])
}

func TestBromSendDARejectedHeader(t *testing.T) {
	tr := &scriptedTransport{toRecv: [][]byte{{0x10, 0x01}}}
	err := bromSendDA(context.Background(), tr, 0x40000000, 4, 0, []byte("xxxx"))
	require.Error(t, err)
	var rejected *goflash.CommandRejected
	require.ErrorAs(t, err, &rejected)
}

func fullConnectSequence(da1, da2 []byte, dialectTag byte) [][]byte {
	return [][]byte{
		// bromHandshake
		{0x5F}, {0xF5}, {0xAF}, {0xFA},
		// GET_HW_CODE: echo + 2-byte hw code
		{cmdGetHWCode}, {0x07, 0x66},
		// GET_TARGET_CONFIG: echo + 4-byte flags
		{cmdGetTargetConfig}, {0x00, 0x00, 0x00, 0x00},
		// SEND_DA (da1): header ack + final ack
		{0x00, 0x00}, {0x00, 0x00},
		// JUMP_DA (da1)
		{0x00, 0x00},
		// SEND_DA (da2): header ack + final ack
		{0x00, 0x00}, {0x00, 0x00},
		// JUMP_DA (da2)
		{0x00, 0x00},
		// dialect tag
		{dialectTag},
	}
}

func TestConnectNegotiatesXFlashDialect(t *testing.T) {
	da1 := []byte("stage1")
	da2 := []byte("stage2")
	tr := &scriptedTransport{toRecv: fullConnectSequence(da1, da2, dialectTagXFlash)}

	engine := NewEngine(tr)
	engine.SetDA1(da1, 0x00200000, 0)
	engine.SetDA2(da2, 0x40000000, 0)

	ctx := goflash.NewContext(slog.Default(), nil)
	info, err := engine.Connect(ctx)
	require.NoError(t, err)
	require.Equal(t, dialectXFlash, engine.dialect)
	require.Equal(t, 5, info.ProtocolVersion)
	require.False(t, info.SecureBoot)
}

func TestConnectNegotiatesXMLDialect(t *testing.T) {
	da1 := []byte("stage1")
	da2 := []byte("stage2")
	tr := &scriptedTransport{toRecv: fullConnectSequence(da1, da2, dialectTagXML)}

	engine := NewEngine(tr)
	engine.SetDA1(da1, 0x00200000, 0)
	engine.SetDA2(da2, 0x40000000, 0)

	ctx := goflash.NewContext(slog.Default(), nil)
	info, err := engine.Connect(ctx)
	require.NoError(t, err)
	require.Equal(t, dialectXML, engine.dialect)
	require.Equal(t, 6, info.ProtocolVersion)
}

func TestConnectRequiresBothStages(t *testing.T) {
	tr := &scriptedTransport{}
	engine := NewEngine(tr)
	ctx := goflash.NewContext(slog.Default(), nil)
	_, err := engine.Connect(ctx)
	require.ErrorIs(t, err, goflash.ErrInvalidArgument)
}

func TestApplyPatchesRewritesDA2Bytes(t *testing.T) {
	engine := NewEngine(&scriptedTransport{})
	engine.SetDA2([]byte("AAAAAAAAAA"), 0x40000000, 0)

	err := engine.ApplyPatches([]config.PatchEntry{
		{Description: "disable signature check", Offset: 2, Value: []byte("BB")},
	})
	require.NoError(t, err)
	require.Equal(t, []byte("AABBAAAAAA"), engine.da2.Data)
}

func TestApplyPatchesRejectsOutOfRange(t *testing.T) {
	engine := NewEngine(&scriptedTransport{})
	engine.SetDA2([]byte("AAAA"), 0x40000000, 0)

	err := engine.ApplyPatches([]config.PatchEntry{
		{Description: "too far", Offset: 10, Value: []byte("BB")},
	})
	require.ErrorIs(t, err, goflash.ErrInvalidArgument)
}

func encodeXFlashFrame(status uint32, payload []byte) [][]byte {
	statusBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(statusBytes, status)
	if payload == nil {
		return [][]byte{statusBytes, {0x00, 0x00, 0x00, 0x00}}
	}
	lenBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBytes, uint32(len(payload)))
	return [][]byte{statusBytes, lenBytes, payload}
}

func TestXFlashEraseRoundTrip(t *testing.T) {
	tr := &scriptedTransport{toRecv: encodeXFlashFrame(0, nil)}
	err := xflashErase(context.Background(), tr, "userdata", 0, ^uint64(0))
	require.NoError(t, err)
	require.Len(t, tr.sent, 1)
	cmd := binary.BigEndian.Uint32(tr.sent[0][0:4])
	require.Equal(t, xflashCmdErase, cmd)
}

func TestXFlashReadStreamsPayload(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 64)
	tr := &scriptedTransport{toRecv: encodeXFlashFrame(0, payload)}

	var out bytes.Buffer
	err := xflashRead(context.Background(), tr, "boot", 0, uint64(len(payload)), 4096, &out)
	require.NoError(t, err)
	require.Equal(t, payload, out.Bytes())
}

func TestXFlashExtensionRejectsOutsideReservedRange(t *testing.T) {
	tr := &scriptedTransport{}
	_, err := xflashExtension(context.Background(), tr, 0x1000, nil)
	require.ErrorIs(t, err, goflash.ErrInvalidArgument)
}

func TestXFlashExtensionWithinReservedRange(t *testing.T) {
	tr := &scriptedTransport{toRecv: encodeXFlashFrame(0, []byte{0x01, 0x02})}
	payload, err := xflashExtension(context.Background(), tr, xflashExtensionBase+1, []byte{0x00})
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02}, payload)
}

func TestEngineExtensionXFlash(t *testing.T) {
	tr := &scriptedTransport{toRecv: encodeXFlashFrame(0, []byte{0xAA})}
	engine := NewEngine(tr)
	engine.dialect = dialectXFlash

	resp, err := engine.Extension(goflash.NewContext(slog.Default(), nil), ExtensionRequest{
		Command: xflashExtensionBase + 2,
		Args:    []byte{0x01},
	})
	require.NoError(t, err)
	require.Equal(t, []byte{0xAA}, resp.Payload)
}

func xmlFrame(doc string) []byte {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(doc)))
	return append(header, []byte(doc)...)
}

func TestXMLEraseRoundTrip(t *testing.T) {
	tr := &scriptedTransport{toRecv: [][]byte{xmlFrame(`<response result="OK" message=""/>`)}}
	err := xmlErase(context.Background(), tr, "cache", 0, ^uint64(0))
	require.NoError(t, err)
	require.Len(t, tr.sent, 2)
	require.Contains(t, string(tr.sent[1]), "<erase")
}

func TestXMLEraseRejected(t *testing.T) {
	tr := &scriptedTransport{toRecv: [][]byte{xmlFrame(`<response result="FAIL" message="locked"/>`)}}
	err := xmlErase(context.Background(), tr, "cache", 0, ^uint64(0))
	require.Error(t, err)
	var rejected *goflash.CommandRejected
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, "command rejected by device: locked", rejected.Error())
}
