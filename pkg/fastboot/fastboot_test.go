package fastboot

import (
	"bytes"
	"context"
	"encoding/binary"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flashkit/goflash"
	"github.com/flashkit/goflash/pkg/sparse"
)

// buildSparseImage assembles a minimal standalone Sparse file: one RAW chunk
// covering the whole image, built by hand from the documented header/chunk
// layout since the codec keeps its own writers unexported.
func buildSparseImage(blockSize uint32, blocks uint32, payload []byte) []byte {
	var buf bytes.Buffer
	header := make([]byte, 28)
	binary.LittleEndian.PutUint32(header[0:4], sparse.Magic)
	binary.LittleEndian.PutUint16(header[4:6], 1)  // major
	binary.LittleEndian.PutUint16(header[6:8], 0)  // minor
	binary.LittleEndian.PutUint16(header[8:10], 28)
	binary.LittleEndian.PutUint16(header[10:12], 12)
	binary.LittleEndian.PutUint32(header[12:16], blockSize)
	binary.LittleEndian.PutUint32(header[16:20], blocks)
	binary.LittleEndian.PutUint32(header[20:24], 1) // total chunks
	binary.LittleEndian.PutUint32(header[24:28], 0) // checksum
	buf.Write(header)

	chunkHeader := make([]byte, 12)
	binary.LittleEndian.PutUint16(chunkHeader[0:2], uint16(sparse.ChunkRaw))
	binary.LittleEndian.PutUint16(chunkHeader[2:4], 0)
	binary.LittleEndian.PutUint32(chunkHeader[4:8], blocks)
	binary.LittleEndian.PutUint32(chunkHeader[8:12], uint32(12+len(payload)))
	buf.Write(chunkHeader)
	buf.Write(payload)
	return buf.Bytes()
}

// scriptedTransport replays a queue of whole device-side response packets;
// fastboot preserves message boundaries per USB bulk transfer, so unlike the
// MediaTek byte-stream test double this one never splits a queued packet.
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
	return pkt, nil
}

func (s *scriptedTransport) Cancel()           {}
func (s *scriptedTransport) IsConnected() bool { return true }

func okay(msg string) []byte { return []byte("OKAY" + msg) }
func fail(msg string) []byte { return []byte("FAIL" + msg) }
func info(msg string) []byte { return []byte("INFO" + msg) }
func data(size int) []byte   { return []byte(sprintfData(size)) }

func sprintfData(size int) string {
	const hex = "0123456789abcdef"
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = hex[size&0xf]
		size >>= 4
	}
	return "DATA" + string(b)
}

func TestRunCommandReturnsOkayBody(t *testing.T) {
	tr := &scriptedTransport{toRecv: [][]byte{okay("1.0")}}
	body, err := runCommand(context.Background(), tr, "getvar:version")
	require.NoError(t, err)
	require.Equal(t, "1.0", body)
	require.Len(t, tr.sent, 1)
	require.Equal(t, "getvar:version", string(tr.sent[0]))
}

func TestRunCommandSkipsInfoLines(t *testing.T) {
	tr := &scriptedTransport{toRecv: [][]byte{info("erasing..."), info("done"), okay("")}}
	_, err := runCommand(context.Background(), tr, "erase:cache")
	require.NoError(t, err)
}

func TestRunCommandFailIsCommandRejected(t *testing.T) {
	tr := &scriptedTransport{toRecv: [][]byte{fail("not supported")}}
	_, err := runCommand(context.Background(), tr, "flash:boot")
	require.Error(t, err)
	var rejected *goflash.CommandRejected
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, "not supported", rejected.DeviceMsg)
}

func TestDownloadRejectsSizeMismatch(t *testing.T) {
	tr := &scriptedTransport{toRecv: [][]byte{data(10)}}
	err := download(context.Background(), tr, []byte{1, 2, 3, 4})
	require.Error(t, err)
	var mismatch *goflash.DataPhaseMismatch
	require.ErrorAs(t, err, &mismatch)
}

func TestDownloadSendsPayloadThenAwaitsOkay(t *testing.T) {
	payload := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	tr := &scriptedTransport{toRecv: [][]byte{data(len(payload)), okay("")}}
	err := download(context.Background(), tr, payload)
	require.NoError(t, err)
	require.Len(t, tr.sent, 2)
	require.Equal(t, "download:00000004", string(tr.sent[0]))
	require.Equal(t, payload, tr.sent[1])
}

func connectedEngine(t *testing.T, maxDownloadSize uint64) (*Engine, *scriptedTransport) {
	tr := &scriptedTransport{toRecv: [][]byte{
		okay(sizeHex(maxDownloadSize)),
		okay("a"),
	}}
	engine := NewEngine(tr)
	ctx := goflash.NewContext(slog.Default(), nil)
	info, err := engine.Connect(ctx)
	require.NoError(t, err)
	require.Equal(t, maxDownloadSize, info.MaxDownloadSize)
	require.Equal(t, "_a", info.CurrentSlot)
	tr.sent = nil
	return engine, tr
}

func sizeHex(v uint64) string {
	return "0x" + hexString(v)
}

func hexString(v uint64) string {
	const hex = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	var b []byte
	for v > 0 {
		b = append([]byte{hex[v&0xf]}, b...)
		v >>= 4
	}
	return string(b)
}

func TestConnectReadsMaxDownloadSizeAndSlot(t *testing.T) {
	connectedEngine(t, 0x20000000)
}

func TestWritePartitionUnderLimitSendsSingleDownloadFlashPair(t *testing.T) {
	engine, tr := connectedEngine(t, 0x20000000)
	payload := bytes.Repeat([]byte{0x5A}, 256)
	tr.toRecv = [][]byte{data(len(payload)), okay(""), okay("")}

	err := engine.WritePartition(goflash.NewContext(slog.Default(), nil), "boot", bytes.NewReader(payload), uint64(len(payload)))
	require.NoError(t, err)
	require.Len(t, tr.sent, 3) // download:, payload, flash:
	require.Equal(t, "flash:boot", string(tr.sent[2]))
}

func TestWritePartitionOverLimitSplitsIntoSparsePieces(t *testing.T) {
	engine, tr := connectedEngine(t, 0x20000000)
	engine.maxDownloadSize = 8192 // forces more than one sparse piece below

	payload := bytes.Repeat([]byte{0x11}, defaultBlockSize*3)
	splitter, err := sparse.NewRawSplitter(bytes.NewReader(payload), int64(len(payload)), defaultBlockSize, int(engine.maxDownloadSize))
	require.NoError(t, err)
	require.Greater(t, splitter.Total(), 1)

	for i := 0; i < splitter.Total(); i++ {
		chunk, nextErr := splitter.Next()
		require.NoError(t, nextErr)
		tr.toRecv = append(tr.toRecv, data(len(chunk.Bytes)), okay(""), okay(""))
	}

	err = engine.WritePartition(goflash.NewContext(slog.Default(), nil), "system", bytes.NewReader(payload), uint64(len(payload)))
	require.NoError(t, err)
	require.Len(t, tr.sent, splitter.Total()*3)
}

func TestWritePartitionOverLimitResparsesAnAlreadySparseImage(t *testing.T) {
	engine, tr := connectedEngine(t, 0x20000000)
	engine.maxDownloadSize = 8192

	payload := bytes.Repeat([]byte{0x22}, defaultBlockSize*3)
	image := buildSparseImage(defaultBlockSize, 3, payload)
	require.Greater(t, uint64(len(image)), engine.maxDownloadSize)

	resparser, err := sparse.NewResparser(bytes.NewReader(image), int(engine.maxDownloadSize))
	require.NoError(t, err)
	require.Greater(t, resparser.Total(), 1)

	for i := 0; i < resparser.Total(); i++ {
		chunk, nextErr := resparser.Next()
		require.NoError(t, nextErr)
		tr.toRecv = append(tr.toRecv, data(len(chunk.Bytes)), okay(""), okay(""))
	}

	err = engine.WritePartition(goflash.NewContext(slog.Default(), nil), "system", bytes.NewReader(image), uint64(len(image)))
	require.NoError(t, err)
	require.Len(t, tr.sent, resparser.Total()*3)
}

func TestReadPartitionUnsupported(t *testing.T) {
	engine := NewEngine(&scriptedTransport{})
	err := engine.ReadPartition(goflash.NewContext(slog.Default(), nil), "boot", 0, 10, &bytes.Buffer{})
	require.ErrorIs(t, err, goflash.ErrInvalidArgument)
}

func TestErasePartitionSendsEraseCommand(t *testing.T) {
	engine, tr := connectedEngine(t, 0x20000000)
	tr.toRecv = [][]byte{okay("")}
	err := engine.ErasePartition(goflash.NewContext(slog.Default(), nil), "cache")
	require.NoError(t, err)
	require.Equal(t, "erase:cache", string(tr.sent[0]))
}

func TestExecuteRawSendsCommandVerbatim(t *testing.T) {
	engine, tr := connectedEngine(t, 0x20000000)
	tr.toRecv = [][]byte{okay("")}
	out, err := engine.ExecuteRaw(goflash.NewContext(slog.Default(), nil), []byte("reboot-bootloader"))
	require.NoError(t, err)
	require.Equal(t, "", string(out))
	require.Equal(t, "reboot-bootloader", string(tr.sent[0]))
}
