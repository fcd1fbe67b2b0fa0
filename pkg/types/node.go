// pkg/types/node.go
package types

import (
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/busybox42/ringdht/pkg/routing"
)

// Node is a peer on the ring: its P2P address and the ring position derived
// from it.
type Node struct {
	routing.IdentifierValue[routing.SocketAddr]
	lastSeen atomic.Int64
}

// NewNode stores IPv4-mapped addresses in their IPv4 form, which is the only
// form the wire address field carries unchanged.
func NewNode(addr netip.AddrPort) *Node {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	// ring position comes from the IP only; see routing.SocketAddr
	n := &Node{
		IdentifierValue: routing.NewIdentifierValue(routing.SocketAddr(addr)),
	}
	n.Touch()
	return n
}

// NewNodeFromTCP builds a Node from a resolved TCP address.
func NewNodeFromTCP(addr *net.TCPAddr) *Node {
	return NewNode(routing.SocketAddrFromTCP(addr).AddrPort())
}

func (n *Node) Address() netip.AddrPort {
	return n.Value().AddrPort()
}

func (n *Node) String() string {
	return n.Identifier().Short() + "@" + n.Address().String()
}

// Touch records that the node just answered.
func (n *Node) Touch() {
	n.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen is when the node was created or last touched.
func (n *Node) LastSeen() time.Time {
	return time.Unix(0, n.lastSeen.Load())
}

// SeenWithin reports whether the node answered in the last d.
func (n *Node) SeenWithin(d time.Duration) bool {
	return time.Since(n.LastSeen()) < d
}
