package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// TPKT framing (RFC 1006) carries every PDU exchanged with the server.
const (
	tpktHeaderLen = 4
	tpktVersion   = 3

	maxFrameLen = 64 * 1024
)

// writeFrame wraps a PDU in a TPKT header and writes it.
func writeFrame(w io.Writer, pduData []byte) error {
	frameLen := tpktHeaderLen + len(pduData)
	if frameLen > maxFrameLen {
		return fmt.Errorf("frame too large: %d bytes", frameLen)
	}

	header := make([]byte, tpktHeaderLen)
	header[0] = tpktVersion
	header[1] = 0 // reserved
	binary.BigEndian.PutUint16(header[2:4], uint16(frameLen))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("tpkt header: %w", err)
	}

	if _, err := w.Write(pduData); err != nil {
		return fmt.Errorf("tpkt payload: %w", err)
	}

	return nil
}

// readFrame reads one TPKT frame and returns its payload.
func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, tpktHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("tpkt header: %w", err)
	}

	if header[0] != tpktVersion {
		return nil, fmt.Errorf("unexpected TPKT version: %d", header[0])
	}

	frameLen := int(binary.BigEndian.Uint16(header[2:4]))
	if frameLen < tpktHeaderLen || frameLen > maxFrameLen {
		return nil, fmt.Errorf("invalid TPKT length: %d", frameLen)
	}

	payload := make([]byte, frameLen-tpktHeaderLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("tpkt payload: %w", err)
	}

	return payload, nil
}
