package hdlc

// Decoder accumulates bytes arriving in arbitrary-sized reads from a stream
// transport and yields complete frames as they become decodable. It never
// discards more than the leading garbage needed to reach the next flag, so
// resynchronisation after corruption costs at most two frames' worth of
// scanning (the current, partially-consumed garbage run, plus the
// following frame).
type Decoder struct {
	buf []byte
}

// Feed appends newly received bytes to the decode buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next attempts to decode one frame out of the buffered bytes. It returns
// ok=false when more bytes are needed. A CRC or truncation failure on a
// complete-looking frame advances the buffer by the smallest amount needed
// to retry, rather than discarding everything accumulated so far.
func (d *Decoder) Next() (payload []byte, ok bool, err error) {
	for {
		if len(d.buf) == 0 {
			return nil, false, nil
		}
		p, consumed, decErr := Decode(d.buf)
		if decErr == ErrTruncated && consumed == 0 {
			return nil, false, nil
		}
		if consumed > 0 {
			d.buf = d.buf[consumed:]
		}
		switch decErr {
		case nil:
			return p, true, nil
		case ErrBadChecksum:
			return nil, false, ErrBadChecksum
		default:
			// Stray flags / garbage skipped; keep scanning.
			continue
		}
	}
}
