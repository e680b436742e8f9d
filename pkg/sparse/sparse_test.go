package sparse

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

const testBlockSize = 512

func buildInput(t *testing.T, totalBlocks uint32, chunks []ChunkHeader, datas [][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, writeHeader(&buf, Header{
		MajorVersion: 1,
		BlockSize:    testBlockSize,
		TotalBlocks:  totalBlocks,
		TotalChunks:  uint32(len(chunks)),
	}))
	for i, ch := range chunks {
		require.NoError(t, writeChunkHeader(&buf, ch))
		if len(datas[i]) > 0 {
			buf.Write(datas[i])
		}
	}
	return buf.Bytes()
}

func parseHeaderOf(t *testing.T, raw []byte) Header {
	t.Helper()
	h, err := readHeader(bytes.NewReader(raw))
	require.NoError(t, err)
	return h
}

func TestRawSplitterSingleFile(t *testing.T) {
	data := make([]byte, testBlockSize*3)
	for i := range data {
		data[i] = byte(i)
	}
	sp, err := NewRawSplitter(bytes.NewReader(data), int64(len(data)), testBlockSize, 1<<20)
	require.NoError(t, err)
	require.Equal(t, 1, sp.Total())

	cd, err := sp.Next()
	require.NoError(t, err)
	require.NoError(t, Validate(bytes.NewReader(cd.Bytes)))

	expanded, err := Expand(bytes.NewReader(cd.Bytes))
	require.NoError(t, err)
	require.Equal(t, data, expanded)

	_, err = sp.Next()
	require.Equal(t, io.EOF, err)
}

func TestRawSplitterZeroPadsFinalBlock(t *testing.T) {
	data := make([]byte, testBlockSize+100)
	for i := range data {
		data[i] = 0xAB
	}
	sp, err := NewRawSplitter(bytes.NewReader(data), int64(len(data)), testBlockSize, 1<<20)
	require.NoError(t, err)
	cd, err := sp.Next()
	require.NoError(t, err)

	expanded, err := Expand(bytes.NewReader(cd.Bytes))
	require.NoError(t, err)
	require.Len(t, expanded, testBlockSize*2)
	require.Equal(t, data, expanded[:len(data)])
	for _, b := range expanded[len(data):] {
		require.Zero(t, b)
	}
}

func TestRawSplitterMultipleFilesPreserveOffsets(t *testing.T) {
	const totalBlocks = 20
	data := make([]byte, testBlockSize*totalBlocks)
	for i := range data {
		data[i] = byte(i % 251)
	}
	// small enough budget to force several files
	maxPacket := headerOverhead + 3*testBlockSize
	sp, err := NewRawSplitter(bytes.NewReader(data), int64(len(data)), testBlockSize, maxPacket)
	require.NoError(t, err)
	require.Greater(t, sp.Total(), 1)

	var cursor uint32
	for i := 0; i < sp.Total(); i++ {
		cd, err := sp.Next()
		require.NoError(t, err)
		require.LessOrEqual(t, len(cd.Bytes), maxPacket)
		require.Equal(t, cursor, cd.CoversStart)
		require.NoError(t, Validate(bytes.NewReader(cd.Bytes)))

		h := parseHeaderOf(t, cd.Bytes)
		require.Equal(t, uint32(totalBlocks), h.TotalBlocks)

		expanded, err := Expand(bytes.NewReader(cd.Bytes))
		require.NoError(t, err)
		start := cd.CoversStart * testBlockSize
		end := cd.CoversEnd * testBlockSize
		require.Equal(t, data[start:end], expanded[start:end])
		for _, b := range expanded[:start] {
			require.Zero(t, b)
		}
		for _, b := range expanded[end:] {
			require.Zero(t, b)
		}
		cursor = cd.CoversEnd
	}
	require.Equal(t, uint32(totalBlocks), cursor)

	_, err = sp.Next()
	require.Equal(t, io.EOF, err)
}

func TestRawSplitterRejectsTooSmallBudget(t *testing.T) {
	_, err := NewRawSplitter(bytes.NewReader(make([]byte, testBlockSize)), testBlockSize, testBlockSize, headerOverhead)
	require.ErrorIs(t, err, ErrOversize)
}

func TestRawSplitterZeroLengthImage(t *testing.T) {
	sp, err := NewRawSplitter(bytes.NewReader(nil), 0, testBlockSize, 1<<20)
	require.NoError(t, err)
	require.Equal(t, 0, sp.Total())
	_, err = sp.Next()
	require.Equal(t, io.EOF, err)
}

func TestResparserRoundTrip(t *testing.T) {
	raw := make([]byte, testBlockSize*6)
	for i := range raw {
		raw[i] = byte(i % 200)
	}
	fillPattern := []byte{0x11, 0x22, 0x33, 0x44}

	input := buildInput(t, 10,
		[]ChunkHeader{
			{Type: ChunkDontCare, Blocks: 2, TotalSz: chunkHeaderSize},
			{Type: ChunkRaw, Blocks: 6, TotalSz: chunkHeaderSize + uint32(len(raw))},
			{Type: ChunkFill, Blocks: 2, TotalSz: chunkHeaderSize + 4},
		},
		[][]byte{nil, raw, fillPattern},
	)
	require.NoError(t, Validate(bytes.NewReader(input)))

	expected, err := Expand(bytes.NewReader(input))
	require.NoError(t, err)

	maxPacket := headerOverhead + 3*testBlockSize
	rs, err := NewResparser(bytes.NewReader(input), maxPacket)
	require.NoError(t, err)
	require.Greater(t, rs.Total(), 1)

	var cursor uint32
	for i := 0; i < rs.Total(); i++ {
		cd, err := rs.Next()
		require.NoError(t, err)
		require.LessOrEqual(t, len(cd.Bytes), maxPacket)
		require.Equal(t, cursor, cd.CoversStart)
		require.NoError(t, Validate(bytes.NewReader(cd.Bytes)))

		h := parseHeaderOf(t, cd.Bytes)
		require.Equal(t, uint32(10), h.TotalBlocks)

		expanded, err := Expand(bytes.NewReader(cd.Bytes))
		require.NoError(t, err)
		start := cd.CoversStart * testBlockSize
		end := cd.CoversEnd * testBlockSize
		require.Equal(t, expected[start:end], expanded[start:end])

		cursor = cd.CoversEnd
	}
	require.Equal(t, uint32(10), cursor)

	_, err = rs.Next()
	require.Equal(t, io.EOF, err)
}

func TestResparserSplitsOversizedRaw(t *testing.T) {
	const blocks = 40
	raw := make([]byte, testBlockSize*blocks)
	for i := range raw {
		raw[i] = byte(i)
	}
	input := buildInput(t, blocks,
		[]ChunkHeader{{Type: ChunkRaw, Blocks: blocks, TotalSz: chunkHeaderSize + uint32(len(raw))}},
		[][]byte{raw},
	)

	maxPacket := headerOverhead + 4*testBlockSize
	rs, err := NewResparser(bytes.NewReader(input), maxPacket)
	require.NoError(t, err)
	require.Greater(t, rs.Total(), blocks/4)

	var cursor uint32
	for i := 0; i < rs.Total(); i++ {
		cd, err := rs.Next()
		require.NoError(t, err)
		require.LessOrEqual(t, len(cd.Bytes), maxPacket)
		require.Equal(t, cursor, cd.CoversStart)
		cursor = cd.CoversEnd
	}
	require.Equal(t, uint32(blocks), cursor)
}

func TestResparserKeepsFillChunkWhole(t *testing.T) {
	pattern := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	input := buildInput(t, 1000,
		[]ChunkHeader{{Type: ChunkFill, Blocks: 1000, TotalSz: chunkHeaderSize + 4}},
		[][]byte{pattern},
	)

	rs, err := NewResparser(bytes.NewReader(input), headerOverhead+2*testBlockSize)
	require.NoError(t, err)
	require.Equal(t, 1, rs.Total())

	cd, err := rs.Next()
	require.NoError(t, err)
	p, err := NewParser(bytes.NewReader(cd.Bytes))
	require.NoError(t, err)
	rec, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, ChunkFill, rec.Header.Type)
	require.Equal(t, uint32(1000), rec.Header.Blocks)
}

func TestResparserRejectsBadMagic(t *testing.T) {
	_, err := NewResparser(bytes.NewReader([]byte{0, 0, 0, 0}), 4096)
	require.Error(t, err)
}

func TestValidateDetectsBlockMismatch(t *testing.T) {
	input := buildInput(t, 5,
		[]ChunkHeader{{Type: ChunkDontCare, Blocks: 2, TotalSz: chunkHeaderSize}},
		[][]byte{nil},
	)
	require.ErrorIs(t, Validate(bytes.NewReader(input)), ErrInconsistent)
}

func TestChunkTypeString(t *testing.T) {
	require.Equal(t, "RAW", ChunkRaw.String())
	require.Equal(t, "FILL", ChunkFill.String())
	require.Equal(t, "DONT_CARE", ChunkDontCare.String())
	require.Equal(t, "CRC32", ChunkCRC32.String())
	require.Contains(t, ChunkType(0x1234).String(), "UNKNOWN")
}
