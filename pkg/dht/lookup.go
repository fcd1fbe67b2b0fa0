package dht

import (
	"context"
	"fmt"

	"github.com/busybox42/ringdht/pkg/protocol"
	"github.com/busybox42/ringdht/pkg/routing"
	"github.com/busybox42/ringdht/pkg/types"
)

// findPeer answers a PeerFind from the local table. final is true when the
// returned node is the owner of id rather than a hop towards it.
func (n *Node) findPeer(id routing.Identifier) (next *types.Node, final bool) {
	self := n.Self()
	succ := n.table.Successor()

	if succ == self {
		return self, true
	}
	if pred := n.table.Predecessor(); pred != nil && routing.Owns(self.Identifier(), pred.Identifier(), id) {
		return self, true
	}
	if id.IsBetween(self.Identifier(), succ.Identifier()) {
		return succ, true
	}

	next = n.table.ClosestPreceding(id)
	if next == self {
		return succ, false
	}
	return next, false
}

// Lookup resolves the node responsible for id by walking the ring with
// PeerFind requests.
func (n *Node) Lookup(ctx context.Context, id routing.Identifier) (*types.Node, error) {
	next, final := n.findPeer(id)
	if final {
		return next, nil
	}
	return n.lookupFrom(ctx, next, id)
}

func (n *Node) lookupFrom(ctx context.Context, next *types.Node, id routing.Identifier) (*types.Node, error) {
	for hop := 0; hop < n.config.MaxHops; hop++ {
		reply, err := n.network.Request(ctx, next.Address(), &protocol.PeerFind{Identifier: id})
		if err != nil {
			n.table.Remove(next.Identifier())
			return nil, fmt.Errorf("peer find via %s: %w", next, err)
		}

		found, ok := reply.(*protocol.PeerFound)
		if !ok {
			return nil, fmt.Errorf("%w: %s to PEER_FIND", ErrUnexpectedReply, reply.Type())
		}

		candidate := types.NewNode(found.Address)
		// a peer naming itself owns id; so does a peer's successor when id
		// falls between the two
		if candidate.Identifier().Equal(next.Identifier()) ||
			id.IsBetween(next.Identifier(), candidate.Identifier()) {
			return candidate, nil
		}
		if candidate.Identifier().Equal(n.Self().Identifier()) {
			local, final := n.findPeer(id)
			if final {
				return local, nil
			}
			candidate = local
		}
		next = candidate
	}
	return nil, fmt.Errorf("%w %s after %d hops", ErrNoRoute, id.Short(), n.config.MaxHops)
}
