package protocol

import (
	"crypto/sha256"
	"fmt"
	"net/netip"

	"github.com/busybox42/ringdht/pkg/routing"
)

// Storage messages. A StorageGet/StoragePut may be sent to any peer; the
// replication index tells the receiver which replica position it is serving.

// StorageGet reads one replica.
//
//	replication_index u8 | reserved [3] | key [32]
type StorageGet struct {
	ReplicationIndex uint8
	Key              routing.Key
}

func (*StorageGet) Type() MessageType { return TypeStorageGet }

func (m *StorageGet) String() string {
	return fmt.Sprintf("%s key=%s replica=%d", m.Type(), m.Key.String()[:8], m.ReplicationIndex)
}

func (m *StorageGet) write(w *writer) {
	w.uint8(m.ReplicationIndex)
	w.zeros(3)
	w.key(m.Key)
}

func (m *StorageGet) parse(r *reader) (err error) {
	if m.ReplicationIndex, err = r.uint8("replication index"); err != nil {
		return err
	}
	if err = r.skip(3, "reserved"); err != nil {
		return err
	}
	m.Key, err = r.key("key")
	return err
}

// StoragePut writes one replica. An empty value decodes as nil.
//
//	ttl u16 | replication_index u8 | reserved u8 | key [32] | value
type StoragePut struct {
	TTL              uint16
	ReplicationIndex uint8
	Key              routing.Key
	Value            []byte
}

func (*StoragePut) Type() MessageType { return TypeStoragePut }

func (m *StoragePut) String() string {
	return fmt.Sprintf("%s key=%s replica=%d ttl=%d value=%dB",
		m.Type(), m.Key.String()[:8], m.ReplicationIndex, m.TTL, len(m.Value))
}

func (m *StoragePut) write(w *writer) {
	w.uint16(m.TTL)
	w.uint8(m.ReplicationIndex)
	w.zeros(1)
	w.key(m.Key)
	w.bytes(m.Value)
}

func (m *StoragePut) parse(r *reader) (err error) {
	if m.TTL, err = r.uint16("ttl"); err != nil {
		return err
	}
	if m.ReplicationIndex, err = r.uint8("replication index"); err != nil {
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

// StorageGetSuccess carries a replica's value. An empty value decodes as nil.
//
//	key [32] | value
type StorageGetSuccess struct {
	Key   routing.Key
	Value []byte
}

func (*StorageGetSuccess) Type() MessageType { return TypeStorageGetSuccess }

func (m *StorageGetSuccess) String() string {
	return fmt.Sprintf("%s key=%s value=%dB", m.Type(), m.Key.String()[:8], len(m.Value))
}

func (m *StorageGetSuccess) write(w *writer) {
	w.key(m.Key)
	w.bytes(m.Value)
}

func (m *StorageGetSuccess) parse(r *reader) (err error) {
	if m.Key, err = r.key("key"); err != nil {
		return err
	}
	m.Value = r.rest()
	return nil
}

// StoragePutSuccess acknowledges a StoragePut. ValueHash is the SHA-256 of
// the value as stored, so the sender can check nothing was mangled.
//
//	key [32] | value_hash [32]
type StoragePutSuccess struct {
	Key       routing.Key
	ValueHash [32]byte
}

// NewStoragePutSuccess acknowledges value stored under key.
func NewStoragePutSuccess(key routing.Key, value []byte) *StoragePutSuccess {
	return &StoragePutSuccess{Key: key, ValueHash: sha256.Sum256(value)}
}

// Matches reports whether the acknowledged hash is the hash of value.
func (m *StoragePutSuccess) Matches(value []byte) bool {
	return m.ValueHash == sha256.Sum256(value)
}

func (*StoragePutSuccess) Type() MessageType { return TypeStoragePutSuccess }

func (m *StoragePutSuccess) String() string {
	return fmt.Sprintf("%s key=%s hash=%x", m.Type(), m.Key.String()[:8], m.ValueHash[:4])
}

func (m *StoragePutSuccess) write(w *writer) {
	w.key(m.Key)
	w.bytes(m.ValueHash[:])
}

func (m *StoragePutSuccess) parse(r *reader) (err error) {
	if m.Key, err = r.key("key"); err != nil {
		return err
	}
	m.ValueHash, err = r.hash("value hash")
	return err
}

// StorageFailure reports a missing or unwritable replica.
//
//	key [32]
type StorageFailure struct {
	Key routing.Key
}

func (*StorageFailure) Type() MessageType { return TypeStorageFailure }

func (m *StorageFailure) String() string {
	return fmt.Sprintf("%s key=%s", m.Type(), m.Key.String()[:8])
}

func (m *StorageFailure) write(w *writer) {
	w.key(m.Key)
}

func (m *StorageFailure) parse(r *reader) (err error) {
	m.Key, err = r.key("key")
	return err
}

// Ring maintenance.

// PeerFind asks a peer for the node responsible for Identifier, or the best
// next hop it knows of.
//
//	identifier [32]
type PeerFind struct {
	Identifier routing.Identifier
}

func (*PeerFind) Type() MessageType { return TypePeerFind }

func (m *PeerFind) String() string {
	return fmt.Sprintf("%s id=%s", m.Type(), m.Identifier.Short())
}

func (m *PeerFind) write(w *writer) {
	w.identifier(m.Identifier)
}

func (m *PeerFind) parse(r *reader) (err error) {
	m.Identifier, err = r.identifier("identifier")
	return err
}

// PeerFound answers a PeerFind. Address is either the owner of Identifier
// or a closer peer to ask next. It must be valid, unzoned and, for IPv4, in
// the plain form; Encode fails with ErrInvalidAddress otherwise.
//
//	identifier [32] | ip [16] | port u16
type PeerFound struct {
	Identifier routing.Identifier
	Address    netip.AddrPort
}

func (*PeerFound) Type() MessageType { return TypePeerFound }

func (m *PeerFound) String() string {
	return fmt.Sprintf("%s id=%s addr=%s", m.Type(), m.Identifier.Short(), m.Address)
}

func (m *PeerFound) write(w *writer) {
	w.identifier(m.Identifier)
	w.addr(m.Address)
}

func (m *PeerFound) parse(r *reader) (err error) {
	if m.Identifier, err = r.identifier("identifier"); err != nil {
		return err
	}
	m.Address, err = r.addr("address")
	return err
}

// PredecessorGet asks a peer for its current predecessor. No payload.
type PredecessorGet struct{}

func (*PredecessorGet) Type() MessageType { return TypePredecessorGet }

func (m *PredecessorGet) String() string { return m.Type().String() }

func (*PredecessorGet) write(*writer) {}

func (*PredecessorGet) parse(*reader) error { return nil }

// PredecessorReply answers a PredecessorGet. An invalid (zero) Address means
// the peer has no predecessor and is sent as an empty payload.
//
//	empty | ip [16] | port u16
type PredecessorReply struct {
	Address netip.AddrPort
}

func (*PredecessorReply) Type() MessageType { return TypePredecessorReply }

// HasPredecessor reports whether the reply names a peer.
func (m *PredecessorReply) HasPredecessor() bool {
	return m.Address.IsValid()
}

func (m *PredecessorReply) String() string {
	if !m.HasPredecessor() {
		return fmt.Sprintf("%s none", m.Type())
	}
	return fmt.Sprintf("%s addr=%s", m.Type(), m.Address)
}

func (m *PredecessorReply) write(w *writer) {
	if m.HasPredecessor() {
		w.addr(m.Address)
	}
}

func (m *PredecessorReply) parse(r *reader) (err error) {
	if r.remaining() == 0 {
		m.Address = netip.AddrPort{}
		return nil
	}
	m.Address, err = r.addr("address")
	return err
}

// PredecessorSet proposes Address as the receiver's new predecessor. The
// address rules of PeerFound apply.
//
//	ip [16] | port u16
type PredecessorSet struct {
	Address netip.AddrPort
}

func (*PredecessorSet) Type() MessageType { return TypePredecessorSet }

func (m *PredecessorSet) String() string {
	return fmt.Sprintf("%s addr=%s", m.Type(), m.Address)
}

func (m *PredecessorSet) write(w *writer) {
	w.addr(m.Address)
}

func (m *PredecessorSet) parse(r *reader) (err error) {
	m.Address, err = r.addr("address")
	return err
}
