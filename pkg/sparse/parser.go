package sparse

import (
	"bytes"
	"io"
)

// Record is one parsed chunk: its header, the absolute block offset it
// starts at, and its materialized data (nil for DONT_CARE, the 4-byte
// pattern for FILL, the full payload for RAW, the opaque payload for CRC32).
type Record struct {
	Header      ChunkHeader
	BlockOffset uint32
	Data        []byte
}

// Parser reads an existing Sparse file's header and chunks sequentially.
// It is single-pass: once a Record has been returned, the next call to Next
// advances past it.
type Parser struct {
	r           io.Reader
	Header      Header
	blockCursor uint32
	chunksRead  uint32
}

// NewParser validates the file header and returns a ready-to-iterate Parser.
func NewParser(r io.Reader) (*Parser, error) {
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	return &Parser{r: r, Header: h}, nil
}

// Next returns the next chunk, or io.EOF once Header.TotalChunks have been
// read.
func (p *Parser) Next() (*Record, error) {
	if p.chunksRead >= p.Header.TotalChunks {
		return nil, io.EOF
	}
	ch, err := readChunkHeader(p.r)
	if err != nil {
		return nil, err
	}
	var data []byte
	switch ch.Type {
	case ChunkRaw, ChunkCRC32:
		data = make([]byte, ch.DataSize())
		if _, err := io.ReadFull(p.r, data); err != nil {
			return nil, err
		}
	case ChunkFill:
		data = make([]byte, 4)
		if _, err := io.ReadFull(p.r, data); err != nil {
			return nil, err
		}
	case ChunkDontCare:
		// no data on disk
	default:
		return nil, ErrInconsistent
	}

	rec := &Record{Header: ch, BlockOffset: p.blockCursor, Data: data}
	p.blockCursor += ch.Blocks
	p.chunksRead++
	return rec, nil
}

// Validate re-parses r as a strict Sparse file: every chunk's declared size
// must be internally consistent and the sum of chunk blocks must equal the
// header's TotalBlocks.
func Validate(r io.Reader) error {
	p, err := NewParser(r)
	if err != nil {
		return err
	}
	var blocks uint32
	for {
		rec, err := p.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		h := rec.Header
		switch h.Type {
		case ChunkRaw:
			if uint64(h.TotalSz) != uint64(chunkHeaderSize)+uint64(h.Blocks)*uint64(p.Header.BlockSize) {
				return ErrInconsistent
			}
		case ChunkFill:
			if uint64(h.TotalSz) != uint64(chunkHeaderSize)+4 {
				return ErrInconsistent
			}
		case ChunkDontCare:
			if uint64(h.TotalSz) != uint64(chunkHeaderSize) {
				return ErrInconsistent
			}
		}
		blocks += h.Blocks
	}
	if blocks != p.Header.TotalBlocks {
		return ErrInconsistent
	}
	return nil
}

// Expand materializes a Sparse file's logical effect on a tabula-rasa
// (all-zero) partition as a flat byte slice, for round-trip comparisons.
// CRC32 chunks contribute no bytes; DONT_CARE chunks contribute zero bytes
// (the cursor still advances).
func Expand(r io.Reader) ([]byte, error) {
	p, err := NewParser(r)
	if err != nil {
		return nil, err
	}
	out := bytes.NewBuffer(make([]byte, 0, int64(p.Header.TotalBlocks)*int64(p.Header.BlockSize)))
	for {
		rec, err := p.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		n := int64(rec.Header.Blocks) * int64(p.Header.BlockSize)
		switch rec.Header.Type {
		case ChunkRaw:
			out.Write(rec.Data)
		case ChunkFill:
			pattern := rec.Data
			for written := int64(0); written < n; written += 4 {
				out.Write(pattern)
			}
		case ChunkDontCare:
			out.Write(make([]byte, n))
		case ChunkCRC32:
			// opaque, contributes nothing
		}
	}
	return out.Bytes(), nil
}
