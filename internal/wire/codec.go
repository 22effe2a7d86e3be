// Package wire carries the event store's wire contract: a length-prefixed
// frame codec and the protobuf-shaped request/response envelopes that ride
// inside it. The transport itself (TCP/unix listener, auth, TLS,
// reconnection) is an external collaborator per the store's scope; this
// package gives that collaborator a concrete, testable shape to speak,
// grounded in the teacher's internal/ingest/socket codec.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame's payload, matching the teacher's
// socket codec.
const MaxFrameSize = 8 << 20

// WriteFrame writes payload as a u32-big-endian length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("wire: frame too large: %d", len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	sz := binary.BigEndian.Uint32(header)
	if sz == 0 {
		return nil, fmt.Errorf("wire: empty frame")
	}
	if sz > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame too large: %d", sz)
	}
	payload := make([]byte, int(sz))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
