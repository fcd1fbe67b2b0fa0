package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/busybox42/ringdht/pkg/protocol"
)

var ErrShortFrame = errors.New("frame shorter than header")

// ReadFrame reads one size-prefixed frame from r and returns it whole,
// header included, ready for protocol.Decode.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	size := int(binary.BigEndian.Uint16(hdr[:]))
	if size < protocol.HeaderSize {
		return nil, fmt.Errorf("%w: size %d", ErrShortFrame, size)
	}

	frame := make([]byte, size)
	copy(frame, hdr[:])
	if _, err := io.ReadFull(r, frame[2:]); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return frame, nil
}

// ReadMessage reads and decodes one frame.
func ReadMessage(r io.Reader) (protocol.Message, error) {
	frame, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(frame)
}

func WriteMessage(w io.Writer, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("serialization error: %w", err)
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}
