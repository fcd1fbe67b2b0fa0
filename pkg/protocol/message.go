// pkg/protocol/message.go
package protocol

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the size and type prefix carried by every frame.
const HeaderSize = 4

// MaxFrameSize is the largest frame the 16-bit size field can describe.
const MaxFrameSize = 1<<16 - 1

// MessageType is the wire code of a message. It only exists at the
// encode/decode boundary; in memory a message is identified by its Go type.
type MessageType uint16

const (
	TypeDhtPut     MessageType = 650
	TypeDhtGet     MessageType = 651
	TypeDhtSuccess MessageType = 652
	TypeDhtFailure MessageType = 653

	TypeStorageGet        MessageType = 1000
	TypeStoragePut        MessageType = 1001
	TypeStorageGetSuccess MessageType = 1002
	TypeStoragePutSuccess MessageType = 1003
	TypeStorageFailure    MessageType = 1004

	TypePeerFind         MessageType = 1050
	TypePeerFound        MessageType = 1051
	TypePredecessorGet   MessageType = 1052
	TypePredecessorReply MessageType = 1053
	TypePredecessorSet   MessageType = 1054
)

var typeNames = map[MessageType]string{
	TypeDhtPut:            "DHT_PUT",
	TypeDhtGet:            "DHT_GET",
	TypeDhtSuccess:        "DHT_SUCCESS",
	TypeDhtFailure:        "DHT_FAILURE",
	TypeStorageGet:        "STORAGE_GET",
	TypeStoragePut:        "STORAGE_PUT",
	TypeStorageGetSuccess: "STORAGE_GET_SUCCESS",
	TypeStoragePutSuccess: "STORAGE_PUT_SUCCESS",
	TypeStorageFailure:    "STORAGE_FAILURE",
	TypePeerFind:          "PEER_FIND",
	TypePeerFound:         "PEER_FOUND",
	TypePredecessorGet:    "PREDECESSOR_GET",
	TypePredecessorReply:  "PREDECESSOR_REPLY",
	TypePredecessorSet:    "PREDECESSOR_SET",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
}

// Message is one of the fourteen payload types in this package. The set is
// closed: only types declared here can satisfy it.
type Message interface {
	Type() MessageType
	String() string
	write(w *writer)
}

type payload interface {
	Message
	parse(r *reader) error
}

func newPayload(t MessageType) (payload, error) {
	switch t {
	case TypeDhtPut:
		return &DhtPut{}, nil
	case TypeDhtGet:
		return &DhtGet{}, nil
	case TypeDhtSuccess:
		return &DhtSuccess{}, nil
	case TypeDhtFailure:
		return &DhtFailure{}, nil
	case TypeStorageGet:
		return &StorageGet{}, nil
	case TypeStoragePut:
		return &StoragePut{}, nil
	case TypeStorageGetSuccess:
		return &StorageGetSuccess{}, nil
	case TypeStoragePutSuccess:
		return &StoragePutSuccess{}, nil
	case TypeStorageFailure:
		return &StorageFailure{}, nil
	case TypePeerFind:
		return &PeerFind{}, nil
	case TypePeerFound:
		return &PeerFound{}, nil
	case TypePredecessorGet:
		return &PredecessorGet{}, nil
	case TypePredecessorReply:
		return &PredecessorReply{}, nil
	case TypePredecessorSet:
		return &PredecessorSet{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, uint16(t))
	}
}

// Decode parses exactly one frame. buf must be the whole frame: its length
// has to equal the size header, and the payload has to consume every byte.
func Decode(buf []byte) (Message, error) {
	r := &reader{buf: buf}

	size, err := r.uint16("message size")
	if err != nil {
		return nil, err
	}
	if int(size) != len(buf) {
		return nil, fmt.Errorf("%w: header says %d bytes, buffer has %d", ErrSizeMismatch, size, len(buf))
	}

	code, err := r.uint16("message type")
	if err != nil {
		return nil, err
	}

	msg, err := newPayload(MessageType(code))
	if err != nil {
		return nil, err
	}

	if err := msg.parse(r); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", msg.Type(), err)
	}

	if r.remaining() != 0 {
		return nil, fmt.Errorf("failed to decode %s: %d bytes left: %w", msg.Type(), r.remaining(), ErrTrailingBytes)
	}

	return msg, nil
}

// Encode serializes m into a new frame.
func Encode(m Message) ([]byte, error) {
	return AppendFrame(nil, m)
}

// AppendFrame appends the frame for m to dst. On error dst is returned
// unchanged.
func AppendFrame(dst []byte, m Message) ([]byte, error) {
	if m == nil {
		return dst, ErrNilMessage
	}

	start := len(dst)
	w := &writer{buf: append(dst, 0, 0, 0, 0)}
	m.write(w)
	if w.err != nil {
		return dst[:start], fmt.Errorf("failed to encode %s: %w", m.Type(), w.err)
	}

	size := len(w.buf) - start
	if size > MaxFrameSize {
		return dst[:start], fmt.Errorf("failed to encode %s: %d bytes: %w", m.Type(), size, ErrFrameTooLarge)
	}

	binary.BigEndian.PutUint16(w.buf[start:], uint16(size))
	binary.BigEndian.PutUint16(w.buf[start+2:], uint16(m.Type()))
	return w.buf, nil
}
