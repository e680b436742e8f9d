package sparse

import (
	"bytes"
	"io"
)

type pendingChunk struct {
	header ChunkHeader
	data   []byte
}

// Resparser re-chunks an existing Sparse file into a sequence of standalone
// Sparse files no larger than maxPacket, splitting any chunk that alone
// exceeds the budget at a block boundary and preserving each output file's
// absolute block range with leading/trailing DONT_CARE chunks, the same way
// RawSplitter does for raw images.
//
// The whole source is walked in one pass at construction time; Next merely
// hands back the files that pass produced.
type Resparser struct {
	outputs []*ChunkData
	index   int
}

// NewResparser parses src as a Sparse file and re-chunks it.
func NewResparser(src io.Reader, maxPacket int) (*Resparser, error) {
	p, err := NewParser(src)
	if err != nil {
		return nil, err
	}
	blockSize := p.Header.BlockSize
	if blockSize == 0 {
		return nil, ErrInvalidArgument
	}
	budget := maxPacket - headerOverhead
	if budget < chunkHeaderSize+int(blockSize) {
		return nil, ErrOversize
	}
	total := p.Header.TotalBlocks

	var outputs []*ChunkData
	var pending []pendingChunk
	pendingSize := 0
	fileStart := uint32(0)
	cursor := uint32(0)

	flushFile := func() error {
		if len(pending) == 0 {
			return nil
		}
		var buf bytes.Buffer
		chunkCount := uint32(len(pending))
		if fileStart > 0 {
			chunkCount++
		}
		if cursor < total {
			chunkCount++
		}

		if err := writeHeader(&buf, Header{
			MajorVersion: p.Header.MajorVersion,
			MinorVersion: p.Header.MinorVersion,
			BlockSize:    blockSize,
			TotalBlocks:  total,
			TotalChunks:  chunkCount,
		}); err != nil {
			return err
		}
		if fileStart > 0 {
			if err := writeChunkHeader(&buf, ChunkHeader{Type: ChunkDontCare, Blocks: fileStart, TotalSz: chunkHeaderSize}); err != nil {
				return err
			}
		}
		for _, pc := range pending {
			if err := writeChunkHeader(&buf, pc.header); err != nil {
				return err
			}
			if len(pc.data) > 0 {
				buf.Write(pc.data)
			}
		}
		if cursor < total {
			tail := total - cursor
			if err := writeChunkHeader(&buf, ChunkHeader{Type: ChunkDontCare, Blocks: tail, TotalSz: chunkHeaderSize}); err != nil {
				return err
			}
		}

		outputs = append(outputs, &ChunkData{
			Bytes:        buf.Bytes(),
			DeclaredSize: buf.Len(),
			CoversStart:  fileStart,
			CoversEnd:    cursor,
		})
		pending = pending[:0]
		pendingSize = 0
		fileStart = cursor
		return nil
	}

	for {
		rec, err := p.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		onDisk := chunkHeaderSize
		switch rec.Header.Type {
		case ChunkRaw, ChunkCRC32:
			onDisk += len(rec.Data)
		case ChunkFill:
			onDisk += 4
		}

		if onDisk <= budget-pendingSize {
			pending = append(pending, pendingChunk{header: rec.Header, data: rec.Data})
			pendingSize += onDisk
			cursor += rec.Header.Blocks
			continue
		}

		if onDisk <= budget {
			if err := flushFile(); err != nil {
				return nil, err
			}
			pending = append(pending, pendingChunk{header: rec.Header, data: rec.Data})
			pendingSize = onDisk
			cursor += rec.Header.Blocks
			continue
		}

		if rec.Header.Type != ChunkRaw {
			// FILL, CRC32 and DONT_CARE chunks never grow past a few
			// bytes on disk regardless of block count; if one still
			// doesn't fit, maxPacket is too small to make progress.
			return nil, ErrOversize
		}

		if err := flushFile(); err != nil {
			return nil, err
		}
		blocksPerPiece := uint32((budget - chunkHeaderSize) / int(blockSize))
		if blocksPerPiece == 0 {
			return nil, ErrOversize
		}
		offset := 0
		remaining := rec.Header.Blocks
		for remaining > 0 {
			n := blocksPerPiece
			if n > remaining {
				n = remaining
			}
			piece := rec.Data[offset : offset+int(n)*int(blockSize)]
			pending = append(pending, pendingChunk{
				header: ChunkHeader{Type: ChunkRaw, Blocks: n, TotalSz: chunkHeaderSize + uint32(len(piece))},
				data:   piece,
			})
			pendingSize = chunkHeaderSize + len(piece)
			cursor += n
			offset += int(n) * int(blockSize)
			remaining -= n
			if remaining > 0 {
				if err := flushFile(); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := flushFile(); err != nil {
		return nil, err
	}

	for i, o := range outputs {
		o.Index = i
		o.Total = len(outputs)
	}

	return &Resparser{outputs: outputs}, nil
}

// Total returns the number of output files this Resparser will produce.
func (r *Resparser) Total() int { return len(r.outputs) }

// Next returns the next output file, or io.EOF once all have been produced.
func (r *Resparser) Next() (*ChunkData, error) {
	if r.index >= len(r.outputs) {
		return nil, io.EOF
	}
	cd := r.outputs[r.index]
	r.index++
	return cd, nil
}
