package protocol

import "errors"

var (
	// ErrSizeMismatch means the size header does not match the buffer length.
	ErrSizeMismatch = errors.New("message size mismatch")

	// ErrUnknownMessageType means the type code is not registered.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrPayloadUnderflow means the frame ended in the middle of a field.
	ErrPayloadUnderflow = errors.New("payload underflow")

	// ErrTrailingBytes means a payload decoded without consuming the whole frame.
	ErrTrailingBytes = errors.New("trailing bytes after payload")

	// ErrFrameTooLarge means an encoded message does not fit the 16-bit size field.
	ErrFrameTooLarge = errors.New("message exceeds maximum frame size")

	ErrNilMessage = errors.New("nil message")

	// ErrInvalidAddress means a peer address cannot be carried in the 18 byte
	// address field without changing on decode.
	ErrInvalidAddress = errors.New("invalid peer address")
)
