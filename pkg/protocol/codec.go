package protocol

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/busybox42/ringdht/pkg/routing"
)

// addrSize is a 16 byte IP (IPv4 is stored IPv4-mapped) plus a 2 byte port.
const addrSize = 18

// reader walks a frame front to back. Every payload parser shares the same
// reader so the position carries over from the header.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *reader) next(n int, field string) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("failed to read %s: need %d bytes, have %d: %w",
			field, n, r.remaining(), ErrPayloadUnderflow)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) uint8(field string) (uint8, error) {
	b, err := r.next(1, field)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint16(field string) (uint16, error) {
	b, err := r.next(2, field)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) skip(n int, field string) error {
	_, err := r.next(n, field)
	return err
}

func (r *reader) key(field string) (routing.Key, error) {
	var k routing.Key
	b, err := r.next(routing.KeySize, field)
	if err != nil {
		return k, err
	}
	copy(k[:], b)
	return k, nil
}

func (r *reader) identifier(field string) (routing.Identifier, error) {
	var raw [routing.IdentifierSize]byte
	b, err := r.next(routing.IdentifierSize, field)
	if err != nil {
		return routing.Identifier{}, err
	}
	copy(raw[:], b)
	return routing.NewIdentifier(raw), nil
}

func (r *reader) hash(field string) ([32]byte, error) {
	var h [32]byte
	b, err := r.next(len(h), field)
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}

func (r *reader) addr(field string) (netip.AddrPort, error) {
	b, err := r.next(addrSize, field)
	if err != nil {
		return netip.AddrPort{}, err
	}
	var ip [16]byte
	copy(ip[:], b[:16])
	port := binary.BigEndian.Uint16(b[16:])
	return netip.AddrPortFrom(netip.AddrFrom16(ip).Unmap(), port), nil
}

// rest consumes everything left. The returned slice does not alias the frame.
// An empty remainder is nil; the wire does not tell nil and empty apart.
func (r *reader) rest() []byte {
	if r.remaining() == 0 {
		return nil
	}
	out := make([]byte, r.remaining())
	copy(out, r.buf[r.pos:])
	r.pos = len(r.buf)
	return out
}

// writer appends fields in wire order. The first field that cannot be
// represented is kept in err and later writes are dropped.
type writer struct {
	buf []byte
	err error
}

func (w *writer) uint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) uint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *writer) zeros(n int) {
	for i := 0; i < n; i++ {
		w.buf = append(w.buf, 0)
	}
}

func (w *writer) bytes(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *writer) key(k routing.Key) {
	w.buf = append(w.buf, k[:]...)
}

func (w *writer) identifier(id routing.Identifier) {
	b := id.Bytes()
	w.buf = append(w.buf, b[:]...)
}

// addr writes a peer address. Only addresses that decode back unchanged are
// accepted: no zero value, no zone, and IPv4 in its plain form.
func (w *writer) addr(a netip.AddrPort) {
	if w.err != nil {
		return
	}
	switch {
	case !a.IsValid():
		w.err = fmt.Errorf("%w: empty address", ErrInvalidAddress)
		return
	case a.Addr().Zone() != "":
		w.err = fmt.Errorf("%w: %s has a zone", ErrInvalidAddress, a)
		return
	case a.Addr().Is4In6():
		w.err = fmt.Errorf("%w: %s is IPv4-mapped, use the IPv4 form", ErrInvalidAddress, a)
		return
	}
	ip := a.Addr().As16()
	w.buf = append(w.buf, ip[:]...)
	w.uint16(a.Port())
}
