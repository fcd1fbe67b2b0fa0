package dht

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/busybox42/ringdht/pkg/protocol"
	"github.com/busybox42/ringdht/pkg/types"
)

var ErrJoinSelf = errors.New("bootstrap resolved to this node")

// Join enters the ring known to bootstrap by asking it for our successor.
func (n *Node) Join(ctx context.Context, bootstrap netip.AddrPort) error {
	entry := types.NewNode(bootstrap)
	if entry.Identifier().Equal(n.Self().Identifier()) {
		return ErrJoinSelf
	}

	succ, err := n.lookupFrom(ctx, entry, n.Self().Identifier())
	if err != nil {
		return fmt.Errorf("failed to join via %s: %w", bootstrap, err)
	}
	if succ.Identifier().Equal(n.Self().Identifier()) {
		return ErrJoinSelf
	}

	n.table.SetPredecessor(nil)
	n.table.SetSuccessor(succ)
	n.log.WithField("successor", succ).Info("joined ring")

	return n.Stabilize(ctx)
}

// Stabilize checks whether a node slipped in between us and our successor,
// then offers ourselves to the successor as its predecessor.
func (n *Node) Stabilize(ctx context.Context) error {
	self := n.Self()
	succ := n.table.Successor()

	if succ == self {
		pred := n.table.Predecessor()
		if pred == nil {
			return nil
		}
		n.table.SetSuccessor(pred)
		succ = pred
	}

	reply, err := n.network.Request(ctx, succ.Address(), &protocol.PredecessorGet{})
	if err != nil {
		n.table.Remove(succ.Identifier())
		return fmt.Errorf("successor %s unreachable: %w", succ, err)
	}

	r, ok := reply.(*protocol.PredecessorReply)
	if !ok {
		return fmt.Errorf("%w: %s to PREDECESSOR_GET", ErrUnexpectedReply, reply.Type())
	}

	if r.HasPredecessor() {
		x := types.NewNode(r.Address)
		if x.Identifier().IsBetween(self.Identifier(), succ.Identifier()) &&
			!x.Identifier().Equal(succ.Identifier()) {
			n.table.SetSuccessor(x)
			succ = x
			n.log.WithField("successor", succ).Info("successor updated")
		}
	}

	succ.Touch()
	return n.network.Send(ctx, succ.Address(), &protocol.PredecessorSet{Address: self.Address()})
}

// CheckPredecessor clears the predecessor if it no longer answers. A
// predecessor heard from within the last check interval is not asked again.
func (n *Node) CheckPredecessor(ctx context.Context) {
	pred := n.table.Predecessor()
	if pred == nil || pred.SeenWithin(n.config.CheckPredecessorInterval) {
		return
	}
	if _, err := n.network.Request(ctx, pred.Address(), &protocol.PredecessorGet{}); err != nil {
		n.log.WithError(err).WithField("predecessor", pred).Info("predecessor lost")
		n.table.Remove(pred.Identifier())
		return
	}
	pred.Touch()
}

// FixFingers refreshes the next finger in round-robin order. Following
// fingers whose start also falls before the resolved node are filled in the
// same pass.
func (n *Node) FixFingers(ctx context.Context) error {
	n.fingerMu.Lock()
	i := n.nextFinger
	n.nextFinger = (i + 1) % FingerCount
	n.fingerMu.Unlock()

	owner, err := n.Lookup(ctx, n.table.Start(i))
	if err != nil {
		return err
	}
	n.table.SetFinger(i, owner)

	self := n.Self().Identifier()
	j := i + 1
	for ; j < FingerCount; j++ {
		if !n.table.Start(j).IsBetween(self, owner.Identifier()) {
			break
		}
		n.table.SetFinger(j, owner)
	}

	if j > i+1 {
		n.fingerMu.Lock()
		n.nextFinger = j % FingerCount
		n.fingerMu.Unlock()
	}
	return nil
}

// Run drives periodic ring maintenance until ctx ends.
func (n *Node) Run(ctx context.Context) {
	stabilize := time.NewTicker(n.config.StabilizeInterval)
	fix := time.NewTicker(n.config.FixFingersInterval)
	check := time.NewTicker(n.config.CheckPredecessorInterval)
	sweep := time.NewTicker(n.config.SweepInterval)
	defer func() {
		stabilize.Stop()
		fix.Stop()
		check.Stop()
		sweep.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stabilize.C:
			if err := n.Stabilize(ctx); err != nil {
				n.log.WithError(err).Warn("stabilize failed")
			}
		case <-fix.C:
			if err := n.FixFingers(ctx); err != nil {
				n.log.WithError(err).Debug("fix fingers failed")
			}
		case <-check.C:
			n.CheckPredecessor(ctx)
		case <-sweep.C:
			if s, ok := n.storage.(Sweeper); ok {
				if dropped := s.Sweep(); dropped > 0 {
					n.log.WithField("dropped", dropped).Debug("expired values swept")
				}
			}
		}
	}
}
