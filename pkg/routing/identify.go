package routing

import (
	"encoding/hex"
	"net"
	"net/netip"
)

// Identify is implemented by every value that has a canonical ring position.
type Identify interface {
	Identifier() Identifier
}

// SocketAddrV4 is an IPv4 address and port. Only the address is hashed. A
// value that does not hold an IPv4 address is hashed in its 16 byte form.
type SocketAddrV4 netip.AddrPort

func (a SocketAddrV4) Identifier() Identifier {
	addr := netip.AddrPort(a).Addr().Unmap()
	if !addr.Is4() {
		return SocketAddrV6(a).Identifier()
	}
	ip := addr.As4()
	return GenerateIdentifier(ip[:])
}

// SocketAddrV6 is an IPv6 address and port. Only the address is hashed.
type SocketAddrV6 netip.AddrPort

func (a SocketAddrV6) Identifier() Identifier {
	ip := netip.AddrPort(a).Addr().As16()
	return GenerateIdentifier(ip[:])
}

// SocketAddr is either family. IPv4-mapped IPv6 addresses are treated as
// IPv4 so that a peer has one position however its address was written.
type SocketAddr netip.AddrPort

func (a SocketAddr) Identifier() Identifier {
	ap := netip.AddrPort(a)
	if ap.Addr().Unmap().Is4() {
		return SocketAddrV4(ap).Identifier()
	}
	return SocketAddrV6(ap).Identifier()
}

func (a SocketAddr) AddrPort() netip.AddrPort {
	return netip.AddrPort(a)
}

func (a SocketAddr) String() string {
	return netip.AddrPort(a).String()
}

// SocketAddrFromTCP converts a resolved TCP address.
func SocketAddrFromTCP(addr *net.TCPAddr) SocketAddr {
	ap := addr.AddrPort()
	return SocketAddr(netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()))
}

// KeySize is the length of a content key.
const KeySize = 32

// Key is a raw content key as carried in DHT messages. Keys are hashed once
// more before use as a ring position.
type Key [KeySize]byte

func (k Key) Identifier() Identifier {
	return GenerateIdentifier(k[:])
}

// ReplicaIdentifier is the ring position of replica index i of k.
func (k Key) ReplicaIdentifier(i uint8) Identifier {
	buf := make([]byte, 0, KeySize+1)
	buf = append(buf, k[:]...)
	buf = append(buf, i)
	return GenerateIdentifier(buf)
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}
