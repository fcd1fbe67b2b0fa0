package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/busybox42/ringdht/pkg/network"
	"github.com/busybox42/ringdht/pkg/protocol"
	"github.com/busybox42/ringdht/pkg/routing"
	"github.com/busybox42/ringdht/pkg/types"
)

const maxHops = 32

var (
	ErrNoRoute   = errors.New("no route to identifier")
	ErrPutFailed = errors.New("no replica stored the value")
)

// Client talks to a node's API port. Gets share one long-lived connection
// and each Put uses a connection of its own, so a put's failure can never be
// read as the answer to a get.
type Client struct {
	addr   netip.AddrPort
	config *network.Config
	// mu keeps a Get's request and its reply together on the connection.
	mu   sync.Mutex
	peer *network.Peer
	log  *logrus.Entry
}

// Dial connects to the API address of a node. A nil config uses the
// network defaults.
func Dial(ctx context.Context, addr netip.AddrPort, config *network.Config) (*Client, error) {
	if config == nil {
		config = &network.Config{}
	}
	peer, err := network.Dial(ctx, config, addr)
	if err != nil {
		return nil, err
	}
	return &Client{
		addr:   addr,
		config: config,
		peer:   peer,
		log:    logrus.WithFields(logrus.Fields{"component": "client", "node": addr}),
	}, nil
}

// Put asks the node to store value under key on up to replication
// replicas. ttl is rounded down to whole seconds. The node answers a put
// only when it fails, so Put half-closes its connection and waits: EOF
// means stored, DHT_FAILURE means ErrPutFailed. Through a proxy that cannot
// half-close, the put is sent and its outcome is not reported.
func (c *Client) Put(ctx context.Context, key routing.Key, value []byte, ttl time.Duration, replication uint8) error {
	seconds := ttl / time.Second
	if seconds > math.MaxUint16 {
		seconds = math.MaxUint16
	}

	peer, err := network.Dial(ctx, c.config, c.addr)
	if err != nil {
		return err
	}
	defer peer.Close()

	err = peer.Send(ctx, &protocol.DhtPut{
		TTL:         uint16(seconds),
		Replication: replication,
		Key:         key,
		Value:       value,
	})
	if err != nil {
		return err
	}

	if err := peer.CloseWrite(); err != nil {
		c.log.WithError(err).WithField("key", key).Debug("put sent without waiting for its outcome")
		return nil
	}

	msg, err := peer.Receive(ctx)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read put outcome: %w", err)
	}
	if f, ok := msg.(*protocol.DhtFailure); ok && f.Key == key {
		return fmt.Errorf("%w: key %s", ErrPutFailed, key)
	}
	return fmt.Errorf("unexpected %s reply to %s", msg.Type(), protocol.TypeDhtPut)
}

// Get fetches the value stored under key. found is false when no replica
// holds it.
func (c *Client) Get(ctx context.Context, key routing.Key) (value []byte, found bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.peer == nil {
		peer, err := network.Dial(ctx, c.config, c.addr)
		if err != nil {
			return nil, false, err
		}
		c.peer = peer
	}

	reply, err := c.peer.Request(ctx, &protocol.DhtGet{Key: key})
	if err != nil {
		c.reset()
		return nil, false, err
	}

	switch m := reply.(type) {
	case *protocol.DhtSuccess:
		if m.Key == key {
			return m.Value, true, nil
		}
	case *protocol.DhtFailure:
		if m.Key == key {
			return nil, false, nil
		}
	}
	// replies are out of step with requests on this connection
	c.reset()
	return nil, false, fmt.Errorf("unexpected %s reply to %s", reply.Type(), protocol.TypeDhtGet)
}

// reset drops the shared connection; the next Get dials again. c.mu held.
func (c *Client) reset() {
	if c.peer != nil {
		c.peer.Close()
		c.peer = nil
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.peer == nil {
		return nil
	}
	err := c.peer.Close()
	c.peer = nil
	return err
}

// ParseKey accepts a 64 digit hex key as is and hashes anything else.
func ParseKey(s string) routing.Key {
	var key routing.Key
	if len(s) == 2*routing.KeySize {
		if b, err := hex.DecodeString(s); err == nil {
			copy(key[:], b)
			return key
		}
	}
	return sha256.Sum256([]byte(s))
}

// FindPeer walks the ring from the node at via, using its P2P port, and
// returns the node responsible for id.
func FindPeer(ctx context.Context, config *network.Config, via netip.AddrPort, id routing.Identifier) (*types.Node, error) {
	if config == nil {
		config = &network.Config{}
	}
	next := types.NewNode(via)
	for hop := 0; hop < maxHops; hop++ {
		reply, err := request(ctx, config, next.Address(), &protocol.PeerFind{Identifier: id})
		if err != nil {
			return nil, err
		}
		found, ok := reply.(*protocol.PeerFound)
		if !ok {
			return nil, fmt.Errorf("unexpected %s reply to %s", reply.Type(), protocol.TypePeerFind)
		}

		candidate := types.NewNode(found.Address)
		if candidate.Identifier().Equal(next.Identifier()) ||
			id.IsBetween(next.Identifier(), candidate.Identifier()) {
			return candidate, nil
		}
		next = candidate
	}
	return nil, fmt.Errorf("%w %s after %d hops", ErrNoRoute, id.Short(), maxHops)
}

func request(ctx context.Context, config *network.Config, addr netip.AddrPort, msg protocol.Message) (protocol.Message, error) {
	peer, err := network.Dial(ctx, config, addr)
	if err != nil {
		return nil, err
	}
	defer peer.Close()
	return peer.Request(ctx, msg)
}
