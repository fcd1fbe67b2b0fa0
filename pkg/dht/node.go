// pkg/dht/node.go
package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/busybox42/ringdht/pkg/network"
	"github.com/busybox42/ringdht/pkg/protocol"
	"github.com/busybox42/ringdht/pkg/routing"
	"github.com/busybox42/ringdht/pkg/types"
)

var (
	ErrNoRoute         = errors.New("no route to identifier")
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// APIMessageTypes are the messages a client may send to a node.
var APIMessageTypes = []protocol.MessageType{
	protocol.TypeDhtPut,
	protocol.TypeDhtGet,
}

// PeerMessageTypes are the requests a node serves for other nodes.
var PeerMessageTypes = []protocol.MessageType{
	protocol.TypeStorageGet,
	protocol.TypeStoragePut,
	protocol.TypePeerFind,
	protocol.TypePredecessorGet,
	protocol.TypePredecessorSet,
}

type Config struct {
	// MaxReplication caps DhtPut replication and bounds how many replica
	// positions DhtGet reads.
	MaxReplication uint8
	// MaxHops bounds an iterative lookup.
	MaxHops int

	StabilizeInterval        time.Duration
	FixFingersInterval       time.Duration
	CheckPredecessorInterval time.Duration
	SweepInterval            time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxReplication == 0 {
		c.MaxReplication = 4
	}
	if c.MaxHops == 0 {
		c.MaxHops = 32
	}
	if c.StabilizeInterval == 0 {
		c.StabilizeInterval = 5 * time.Second
	}
	if c.FixFingersInterval == 0 {
		c.FixFingersInterval = 2 * time.Second
	}
	if c.CheckPredecessorInterval == 0 {
		c.CheckPredecessorInterval = 10 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// Node is one participant of the ring. It answers peer and client messages
// and keeps its finger table current.
type Node struct {
	table   *FingerTable
	storage Storage
	network network.Network
	config  Config
	log     *logrus.Entry

	fingerMu   sync.Mutex
	nextFinger int
}

func NewNode(self *types.Node, storage Storage, nw network.Network, config Config) *Node {
	return &Node{
		table:   NewFingerTable(self),
		storage: storage,
		network: nw,
		config:  config.withDefaults(),
		log: logrus.WithFields(logrus.Fields{
			"component": "dht",
			"node":      self.String(),
		}),
	}
}

func (n *Node) Self() *types.Node {
	return n.table.Self()
}

func (n *Node) Table() *FingerTable {
	return n.table
}

// Handler adapts HandleMessage to the transport.
func (n *Node) Handler() network.HandlerFunc {
	return func(ctx context.Context, _ net.Addr, msg protocol.Message) (protocol.Message, error) {
		return n.HandleMessage(ctx, msg)
	}
}

// HandleMessage serves one inbound message and returns the reply, if the
// message has one.
func (n *Node) HandleMessage(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	n.log.WithField("msg", msg).Debug("handling message")

	switch m := msg.(type) {
	case *protocol.StorageGet:
		return n.handleStorageGet(m), nil
	case *protocol.StoragePut:
		return n.handleStoragePut(m), nil
	case *protocol.PeerFind:
		return n.handlePeerFind(m), nil
	case *protocol.PredecessorGet:
		return n.handlePredecessorGet(), nil
	case *protocol.PredecessorSet:
		n.handlePredecessorSet(m)
		return nil, nil
	case *protocol.DhtPut:
		return n.handleDhtPut(ctx, m), nil
	case *protocol.DhtGet:
		return n.handleDhtGet(ctx, m), nil
	default:
		return nil, fmt.Errorf("%w: %s is not a request", ErrUnexpectedReply, msg.Type())
	}
}

func (n *Node) handleStorageGet(m *protocol.StorageGet) protocol.Message {
	value, err := n.storage.Retrieve(m.Key)
	if err != nil {
		return &protocol.StorageFailure{Key: m.Key}
	}
	return &protocol.StorageGetSuccess{Key: m.Key, Value: value}
}

func (n *Node) handleStoragePut(m *protocol.StoragePut) protocol.Message {
	ttl := time.Duration(m.TTL) * time.Second
	if err := n.storage.Store(m.Key, m.Value, ttl); err != nil {
		n.log.WithError(err).WithField("key", m.Key.String()[:8]).Warn("failed to store replica")
		return &protocol.StorageFailure{Key: m.Key}
	}
	return protocol.NewStoragePutSuccess(m.Key, m.Value)
}

func (n *Node) handlePeerFind(m *protocol.PeerFind) protocol.Message {
	next, _ := n.findPeer(m.Identifier)
	return &protocol.PeerFound{Identifier: m.Identifier, Address: next.Address()}
}

func (n *Node) handlePredecessorGet() protocol.Message {
	pred := n.table.Predecessor()
	if pred == nil {
		return &protocol.PredecessorReply{}
	}
	return &protocol.PredecessorReply{Address: pred.Address()}
}

func (n *Node) handlePredecessorSet(m *protocol.PredecessorSet) {
	candidate := types.NewNode(m.Address)
	self := n.Self()
	if candidate.Identifier().Equal(self.Identifier()) {
		return
	}

	var current *routing.Identifier
	if pred := n.table.Predecessor(); pred != nil {
		if pred.Identifier().Equal(candidate.Identifier()) {
			pred.Touch()
			return
		}
		id := pred.Identifier()
		current = &id
	}

	if !routing.AcceptPredecessor(self.Identifier(), current, candidate.Identifier()) {
		n.log.WithField("candidate", candidate).Debug("predecessor proposal rejected")
		return
	}

	n.table.SetPredecessor(candidate)
	// a lone node takes its first predecessor as successor too, closing a
	// ring of two
	if n.table.Successor() == self {
		n.table.SetSuccessor(candidate)
	}
	n.log.WithField("predecessor", candidate).Info("predecessor updated")
}
