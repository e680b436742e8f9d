package mediatek

import (
	"context"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/flashkit/goflash"
	"github.com/flashkit/goflash/pkg/transport"
)

// xmlResponse is the envelope a DA v6 XML-dialect download agent wraps every
// reply in.
type xmlResponse struct {
	XMLName xml.Name `xml:"response"`
	Result  string   `xml:"result,attr"`
	Message string   `xml:"message,attr"`
}

// xmlSendDoc writes one XML document prefixed by its 4-byte little-endian
// length, the framing DA v6 uses in place of XFlash's fixed opcode header.
func xmlSendDoc(ctx context.Context, tr transport.Transport, doc string) error {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(doc)))
	log.Debugf("[DA-XML][TX] %s", doc)
	if err := tr.Send(ctx, header); err != nil {
		return err
	}
	return tr.Send(ctx, []byte(doc))
}

// xmlRecvDoc reads one length-prefixed XML document back from the agent.
func xmlRecvDoc(ctx context.Context, tr transport.Transport) ([]byte, error) {
	lenBytes, err := recvExact(ctx, tr, 4)
	if err != nil {
		return nil, err
	}
	docLen := binary.LittleEndian.Uint32(lenBytes)
	return recvExact(ctx, tr, int(docLen))
}

// xmlRunCommand sends an XML document and waits for its result envelope.
func xmlRunCommand(ctx context.Context, tr transport.Transport, doc string) (*xmlResponse, error) {
	if err := xmlSendDoc(ctx, tr, doc); err != nil {
		return nil, err
	}
	raw, err := xmlRecvDoc(ctx, tr)
	if err != nil {
		return nil, err
	}
	log.Debugf("[DA-XML][RX] %s", string(raw))
	var resp xmlResponse
	if err := xml.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", goflash.ErrProtocolFault, err)
	}
	if resp.Result != "OK" {
		return &resp, &goflash.CommandRejected{DeviceMsg: resp.Message}
	}
	return &resp, nil
}

func xmlRead(ctx context.Context, tr transport.Transport, partition string, offset, length uint64, maxPacket int, w io.Writer) error {
	doc := fmt.Sprintf(`<da><read partition="%s" offset="%d" length="%d"/></da>`, partition, offset, length)
	if err := xmlSendDoc(ctx, tr, doc); err != nil {
		return err
	}
	remaining := length
	for remaining > 0 {
		chunkLen := uint64(maxPacket)
		if chunkLen > remaining {
			chunkLen = remaining
		}
		chunk, err := recvExact(ctx, tr, int(chunkLen))
		if err != nil {
			return err
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		remaining -= chunkLen
	}
	raw, err := xmlRecvDoc(ctx, tr)
	if err != nil {
		return err
	}
	var resp xmlResponse
	if err := xml.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("%w: %v", goflash.ErrProtocolFault, err)
	}
	if resp.Result != "OK" {
		return &goflash.CommandRejected{DeviceMsg: resp.Message}
	}
	return nil
}

func xmlWrite(ctx context.Context, tr transport.Transport, partition string, r io.Reader, size uint64, maxPacket int) error {
	doc := fmt.Sprintf(`<da><write partition="%s" offset="0" length="%d"/></da>`, partition, size)
	if err := xmlSendDoc(ctx, tr, doc); err != nil {
		return err
	}
	buf := make([]byte, maxPacket)
	var written uint64
	for written < size {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if sendErr := tr.Send(ctx, buf[:n]); sendErr != nil {
				return sendErr
			}
			written += uint64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if written != size {
		return &goflash.DataPhaseMismatch{Expected: int(size), Actual: int(written)}
	}
	raw, err := xmlRecvDoc(ctx, tr)
	if err != nil {
		return err
	}
	var resp xmlResponse
	if err := xml.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("%w: %v", goflash.ErrProtocolFault, err)
	}
	if resp.Result != "OK" {
		return &goflash.CommandRejected{DeviceMsg: resp.Message}
	}
	return nil
}

func xmlErase(ctx context.Context, tr transport.Transport, partition string, offset, length uint64) error {
	doc := fmt.Sprintf(`<da><erase partition="%s" offset="%d" length="%d"/></da>`, partition, offset, length)
	_, err := xmlRunCommand(ctx, tr, doc)
	return err
}
