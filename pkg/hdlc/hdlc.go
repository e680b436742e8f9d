// Package hdlc implements the byte-escape framing used by the Spreadtrum
// BSL command channel and by Diag: a payload enclosed in 0x7E flag bytes,
// with 0x7E and 0x7D escaped inside the body, trailed by a little-endian
// CRC-16/CCITT computed over the unescaped payload.
package hdlc

import (
	"github.com/flashkit/goflash"
	"github.com/flashkit/goflash/internal/crc"
)

var (
	ErrTruncated   = goflash.ErrTruncated
	ErrBadChecksum = goflash.ErrBadChecksum
	ErrBadFrame    = goflash.ErrBadFrame
)

const (
	flagByte       byte = 0x7E
	escapeByte     byte = 0x7D
	escapeXor      byte = 0x20
)

// Encode frames payload: 0x7E, escaped payload, little-endian CRC-16/CCITT
// of the unescaped payload (also escaped), 0x7E.
func Encode(payload []byte) []byte {
	sum := crc.Sum16(payload)
	trailer := []byte{byte(sum), byte(sum >> 8)}

	out := make([]byte, 0, len(payload)+len(trailer)+4)
	out = append(out, flagByte)
	out = appendEscaped(out, payload)
	out = appendEscaped(out, trailer)
	out = append(out, flagByte)
	return out
}

func appendEscaped(out []byte, data []byte) []byte {
	for _, b := range data {
		if b == flagByte || b == escapeByte {
			out = append(out, escapeByte, b^escapeXor)
		} else {
			out = append(out, b)
		}
	}
	return out
}

// Decode extracts a single frame from the front of stream. It returns the
// unescaped payload (with the trailing CRC already stripped and verified)
// and the number of leading bytes of stream that were consumed.
//
// On failure Decode never advances by more than one byte: a leading
// non-flag byte is garbage and is skipped one byte at a time, and two
// back-to-back flags are an empty frame whose leading flag is discarded the
// same way. This keeps resynchronisation after corruption O(n) in the
// amount of garbage, and bounds it to at most two frames' worth of scanning
// once real frames resume. consumed==0 with err==ErrTruncated means "need
// more bytes before this can be decided".
func Decode(stream []byte) (payload []byte, consumed int, err error) {
	if len(stream) == 0 {
		return nil, 0, ErrTruncated
	}
	if stream[0] != flagByte {
		return nil, 1, ErrTruncated
	}
	if len(stream) > 1 && stream[1] == flagByte {
		// Back-to-back flags: an empty frame. Drop the leading one and let
		// the next call treat stream[1] as a fresh frame start.
		return nil, 1, ErrTruncated
	}

	unescaped := make([]byte, 0, len(stream))
	i := 1
	for i < len(stream) {
		b := stream[i]
		switch {
		case b == flagByte:
			if len(unescaped) < 2 {
				return nil, 1, ErrTruncated
			}
			body := unescaped[:len(unescaped)-2]
			gotCRC := uint16(unescaped[len(unescaped)-2]) | uint16(unescaped[len(unescaped)-1])<<8
			wantCRC := crc.Sum16(body)
			if gotCRC != wantCRC {
				return nil, 1, ErrBadChecksum
			}
			return body, i + 1, nil
		case b == escapeByte:
			if i+1 >= len(stream) {
				return nil, 0, ErrTruncated
			}
			unescaped = append(unescaped, stream[i+1]^escapeXor)
			i += 2
		default:
			unescaped = append(unescaped, b)
			i++
		}
	}
	return nil, 0, ErrTruncated
}
