// pkg/network/network.go
package network

import (
	"context"
	"net/netip"

	"github.com/busybox42/ringdht/pkg/protocol"
)

// Network is what the ring logic needs from the transport.
type Network interface {
	// Request sends msg to addr and waits for one reply.
	Request(ctx context.Context, addr netip.AddrPort, msg protocol.Message) (protocol.Message, error)
	// Send delivers msg to addr without waiting for a reply.
	Send(ctx context.Context, addr netip.AddrPort, msg protocol.Message) error
}
