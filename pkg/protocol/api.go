package protocol

import (
	"fmt"

	"github.com/busybox42/ringdht/pkg/routing"
)

// DHT API messages exchanged between a client and the node it is attached to.

// DhtPut asks the node to store Value under Key on Replication replicas for
// TTL seconds. A nil and an empty Value are the same on the wire and decode
// as nil.
//
//	ttl u16 | replication u8 | reserved u8 | key [32] | value
type DhtPut struct {
	TTL         uint16
	Replication uint8
	Key         routing.Key
	Value       []byte
}

func (*DhtPut) Type() MessageType { return TypeDhtPut }

func (m *DhtPut) String() string {
	return fmt.Sprintf("%s key=%s ttl=%d replication=%d value=%dB",
		m.Type(), m.Key.String()[:8], m.TTL, m.Replication, len(m.Value))
}

func (m *DhtPut) write(w *writer) {
	w.uint16(m.TTL)
	w.uint8(m.Replication)
	w.zeros(1)
	w.key(m.Key)
	w.bytes(m.Value)
}

func (m *DhtPut) parse(r *reader) (err error) {
	if m.TTL, err = r.uint16("ttl"); err != nil {
		return err
	}
	if m.Replication, err = r.uint8("replication"); err != nil {
		return err
	}
	if err = r.skip(1, "reserved"); err != nil {
		return err
	}
	if m.Key, err = r.key("key"); err != nil {
		return err
	}
	m.Value = r.rest()
	return nil
}

// DhtGet asks for the value stored under Key.
//
//	key [32]
type DhtGet struct {
	Key routing.Key
}

func (*DhtGet) Type() MessageType { return TypeDhtGet }

func (m *DhtGet) String() string {
	return fmt.Sprintf("%s key=%s", m.Type(), m.Key.String()[:8])
}

func (m *DhtGet) write(w *writer) {
	w.key(m.Key)
}

func (m *DhtGet) parse(r *reader) (err error) {
	m.Key, err = r.key("key")
	return err
}

// DhtSuccess answers a DhtGet with the value found. An empty value decodes
// as nil.
//
//	key [32] | value
type DhtSuccess struct {
	Key   routing.Key
	Value []byte
}

func (*DhtSuccess) Type() MessageType { return TypeDhtSuccess }

func (m *DhtSuccess) String() string {
	return fmt.Sprintf("%s key=%s value=%dB", m.Type(), m.Key.String()[:8], len(m.Value))
}

func (m *DhtSuccess) write(w *writer) {
	w.key(m.Key)
	w.bytes(m.Value)
}

func (m *DhtSuccess) parse(r *reader) (err error) {
	if m.Key, err = r.key("key"); err != nil {
		return err
	}
	m.Value = r.rest()
	return nil
}

// DhtFailure reports that a DhtGet or DhtPut for Key could not be served.
//
//	key [32]
type DhtFailure struct {
	Key routing.Key
}

func (*DhtFailure) Type() MessageType { return TypeDhtFailure }

func (m *DhtFailure) String() string {
	return fmt.Sprintf("%s key=%s", m.Type(), m.Key.String()[:8])
}

func (m *DhtFailure) write(w *writer) {
	w.key(m.Key)
}

func (m *DhtFailure) parse(r *reader) (err error) {
	m.Key, err = r.key("key")
	return err
}
