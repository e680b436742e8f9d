package sparse

import (
	"bytes"
	"io"
)

// headerOverhead is the worst-case per-file overhead a RawSplitter or
// Resparser must reserve: the file header, plus a leading and a trailing
// DONT_CARE chunk header (no payload), plus one RAW chunk header for the
// payload itself. Reserving for both DONT_CARE chunks even though the first
// and last files need at most one of them keeps the arithmetic for
// "max_packet is never exceeded" simple and provably safe.
const headerOverhead = headerSize + 3*chunkHeaderSize

// RawSplitter turns a contiguous raw image into a sequence of standalone
// Sparse files, each no larger than maxPacket, each preserving the absolute
// block offset of the data it carries via a leading DONT_CARE chunk (so the
// pieces can be sent to a bootloader sequentially without it ever believing
// it is writing at the partition's start).
type RawSplitter struct {
	src         io.Reader
	blockSize   uint32
	totalBlocks uint32
	perFile     uint32 // blocks of real data carried per output file
	totalFiles  int
	index       int
	cursor      uint32
	remaining   int64 // bytes left to read from src
}

// NewRawSplitter prepares a splitter for a size-byte raw image. maxPacket
// must be large enough to carry at least one block plus header overhead.
func NewRawSplitter(src io.Reader, size int64, blockSize uint32, maxPacket int) (*RawSplitter, error) {
	if blockSize == 0 {
		return nil, ErrInvalidArgument
	}
	budget := maxPacket - headerOverhead
	if budget < int(blockSize) {
		return nil, ErrOversize
	}
	perFile := uint32(budget) / blockSize

	totalBlocks := uint32((size + int64(blockSize) - 1) / int64(blockSize))
	totalFiles := 0
	if totalBlocks > 0 {
		totalFiles = int((totalBlocks + perFile - 1) / perFile)
	}

	return &RawSplitter{
		src:         src,
		blockSize:   blockSize,
		totalBlocks: totalBlocks,
		perFile:     perFile,
		totalFiles:  totalFiles,
		remaining:   size,
	}, nil
}

// Total returns the number of output files this splitter will produce.
func (s *RawSplitter) Total() int { return s.totalFiles }

// Next produces the next output file, or io.EOF once all blocks have been
// emitted.
func (s *RawSplitter) Next() (*ChunkData, error) {
	if s.index >= s.totalFiles {
		return nil, io.EOF
	}

	start := s.cursor
	n := s.perFile
	if s.totalBlocks-start < n {
		n = s.totalBlocks - start
	}
	end := start + n

	payload := make([]byte, n*s.blockSize)
	toRead := int64(len(payload))
	if toRead > s.remaining {
		toRead = s.remaining
	}
	if toRead > 0 {
		if _, err := io.ReadFull(s.src, payload[:toRead]); err != nil {
			return nil, err
		}
		s.remaining -= toRead
	}
	// Bytes beyond toRead stay zero: the final block is zero-padded to
	// block_size as spec.md requires.

	var buf bytes.Buffer
	chunkCount := uint32(1)
	if start > 0 {
		chunkCount++
	}
	if end < s.totalBlocks {
		chunkCount++
	}

	if err := writeHeader(&buf, Header{
		MajorVersion: 1,
		MinorVersion: 0,
		BlockSize:    s.blockSize,
		TotalBlocks:  s.totalBlocks,
		TotalChunks:  chunkCount,
	}); err != nil {
		return nil, err
	}

	if start > 0 {
		if err := writeChunkHeader(&buf, ChunkHeader{Type: ChunkDontCare, Blocks: start, TotalSz: chunkHeaderSize}); err != nil {
			return nil, err
		}
	}
	if err := writeChunkHeader(&buf, ChunkHeader{Type: ChunkRaw, Blocks: n, TotalSz: chunkHeaderSize + uint32(len(payload))}); err != nil {
		return nil, err
	}
	buf.Write(payload)
	if end < s.totalBlocks {
		tail := s.totalBlocks - end
		if err := writeChunkHeader(&buf, ChunkHeader{Type: ChunkDontCare, Blocks: tail, TotalSz: chunkHeaderSize}); err != nil {
			return nil, err
		}
	}

	cd := &ChunkData{
		Index:        s.index,
		Total:        s.totalFiles,
		Bytes:        buf.Bytes(),
		DeclaredSize: buf.Len(),
		CoversStart:  start,
		CoversEnd:    end,
	}
	s.index++
	s.cursor = end
	return cd, nil
}
