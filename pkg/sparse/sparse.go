// Package sparse implements the Android Sparse image format: parsing,
// expansion, and the chunking needed to feed multi-gigabyte partition images
// to bootloaders with a bounded per-transfer payload size.
package sparse

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// Magic is the Android Sparse file header magic number.
	Magic uint32 = 0xED26FF3A

	headerSize      = 28
	chunkHeaderSize = 12
)

// ChunkType identifies the kind of a Sparse chunk.
type ChunkType uint16

const (
	ChunkRaw      ChunkType = 0xCAC1
	ChunkFill     ChunkType = 0xCAC2
	ChunkDontCare ChunkType = 0xCAC3
	ChunkCRC32    ChunkType = 0xCAC4
)

func (t ChunkType) String() string {
	switch t {
	case ChunkRaw:
		return "RAW"
	case ChunkFill:
		return "FILL"
	case ChunkDontCare:
		return "DONT_CARE"
	case ChunkCRC32:
		return "CRC32"
	default:
		return fmt.Sprintf("UNKNOWN(%#x)", uint16(t))
	}
}

// Header is the Android Sparse file header.
type Header struct {
	MajorVersion uint16
	MinorVersion uint16
	BlockSize    uint32
	TotalBlocks  uint32
	TotalChunks  uint32
	Checksum     uint32
}

// ChunkHeader is the per-chunk header that precedes each chunk's data (if
// any).
type ChunkHeader struct {
	Type     ChunkType
	Blocks   uint32 // number of blocks this chunk covers
	TotalSz  uint32 // total chunk size on disk, including this header
}

// DataSize returns the number of data bytes that follow the chunk header on
// disk (0 for DONT_CARE, 4 for FILL, TotalSz-12 for RAW/CRC32).
func (c ChunkHeader) DataSize() uint32 {
	if c.TotalSz < chunkHeaderSize {
		return 0
	}
	return c.TotalSz - chunkHeaderSize
}

func writeHeader(w io.Writer, h Header) error {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.MajorVersion)
	binary.LittleEndian.PutUint16(buf[6:8], h.MinorVersion)
	binary.LittleEndian.PutUint16(buf[8:10], headerSize)
	binary.LittleEndian.PutUint16(buf[10:12], chunkHeaderSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.BlockSize)
	binary.LittleEndian.PutUint32(buf[16:20], h.TotalBlocks)
	binary.LittleEndian.PutUint32(buf[20:24], h.TotalChunks)
	binary.LittleEndian.PutUint32(buf[24:28], h.Checksum)
	_, err := w.Write(buf)
	return err
}

func readHeader(r io.Reader) (Header, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, err
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != Magic {
		return Header{}, ErrBadMagic
	}
	fileHdrSz := binary.LittleEndian.Uint16(buf[8:10])
	chunkHdrSz := binary.LittleEndian.Uint16(buf[10:12])
	if fileHdrSz != headerSize || chunkHdrSz != chunkHeaderSize {
		return Header{}, ErrInconsistent
	}
	return Header{
		MajorVersion: binary.LittleEndian.Uint16(buf[4:6]),
		MinorVersion: binary.LittleEndian.Uint16(buf[6:8]),
		BlockSize:    binary.LittleEndian.Uint32(buf[12:16]),
		TotalBlocks:  binary.LittleEndian.Uint32(buf[16:20]),
		TotalChunks:  binary.LittleEndian.Uint32(buf[20:24]),
		Checksum:     binary.LittleEndian.Uint32(buf[24:28]),
	}, nil
}

func writeChunkHeader(w io.Writer, c ChunkHeader) error {
	buf := make([]byte, chunkHeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(c.Type))
	binary.LittleEndian.PutUint16(buf[2:4], 0) // reserved
	binary.LittleEndian.PutUint32(buf[4:8], c.Blocks)
	binary.LittleEndian.PutUint32(buf[8:12], c.TotalSz)
	_, err := w.Write(buf)
	return err
}

func readChunkHeader(r io.Reader) (ChunkHeader, error) {
	buf := make([]byte, chunkHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return ChunkHeader{}, err
	}
	return ChunkHeader{
		Type:    ChunkType(binary.LittleEndian.Uint16(buf[0:2])),
		Blocks:  binary.LittleEndian.Uint32(buf[4:8]),
		TotalSz: binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}
