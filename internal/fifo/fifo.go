// Package fifo implements a small circular byte buffer that can roll a
// CRC-16 over the bytes written into it. No other package in the module
// imports it; the HDLC decoder and the Spreadtrum staging code keep their
// own byte slices.
package fifo

import "github.com/flashkit/goflash/internal/crc"

// Fifo is a circular buffer with a single reader and a single writer.
type Fifo struct {
	buffer   []byte
	writePos int
	readPos  int
}

// New allocates a Fifo with the given capacity in bytes.
func New(size int) *Fifo {
	return &Fifo{buffer: make([]byte, size)}
}

// Reset empties the buffer.
func (f *Fifo) Reset() {
	f.readPos = 0
	f.writePos = 0
}

// Space reports how many bytes can still be written before the buffer fills.
func (f *Fifo) Space() int {
	left := f.readPos - f.writePos - 1
	if left < 0 {
		left += len(f.buffer)
	}
	return left
}

// Occupied reports how many bytes are available to read.
func (f *Fifo) Occupied() int {
	occ := f.writePos - f.readPos
	if occ < 0 {
		occ += len(f.buffer)
	}
	return occ
}

// Write copies as much of buffer as fits, folding each written byte into crc
// if non-nil, and returns the number of bytes written.
func (f *Fifo) Write(buffer []byte, sum *crc.CRC16) int {
	written := 0
	for _, b := range buffer {
		next := f.writePos + 1
		if next == f.readPos || (next == len(f.buffer) && f.readPos == 0) {
			break
		}
		f.buffer[f.writePos] = b
		written++
		if sum != nil {
			sum.Single(b)
		}
		if next == len(f.buffer) {
			f.writePos = 0
		} else {
			f.writePos = next
		}
	}
	return written
}

// Read copies up to len(buffer) bytes out of the fifo and returns the count.
func (f *Fifo) Read(buffer []byte) int {
	read := 0
	for i := range buffer {
		if f.readPos == f.writePos {
			break
		}
		buffer[i] = f.buffer[f.readPos]
		read++
		f.readPos++
		if f.readPos == len(f.buffer) {
			f.readPos = 0
		}
	}
	return read
}
