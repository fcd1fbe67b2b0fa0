package dht

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/ringdht/internal/store"
	"github.com/busybox42/ringdht/pkg/protocol"
	"github.com/busybox42/ringdht/pkg/routing"
	"github.com/busybox42/ringdht/pkg/types"
)

var errUnreachable = errors.New("unreachable")

// memNetwork delivers messages between in-process nodes, passing each one
// through the wire codec.
type memNetwork struct {
	mu    sync.RWMutex
	nodes map[netip.AddrPort]*Node
	down  map[netip.AddrPort]bool
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		nodes: make(map[netip.AddrPort]*Node),
		down:  make(map[netip.AddrPort]bool),
	}
}

func (m *memNetwork) add(n *Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.Self().Address()] = n
}

func (m *memNetwork) setDown(addr netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down[addr] = true
}

func (m *memNetwork) deliver(ctx context.Context, addr netip.AddrPort, msg protocol.Message) (protocol.Message, error) {
	m.mu.RLock()
	node, ok := m.nodes[addr]
	down := m.down[addr]
	m.mu.RUnlock()
	if !ok || down {
		return nil, fmt.Errorf("dial %s: %w", addr, errUnreachable)
	}

	decoded, err := roundTrip(msg)
	if err != nil {
		return nil, err
	}
	reply, err := node.HandleMessage(ctx, decoded)
	if err != nil || reply == nil {
		return nil, err
	}
	return roundTrip(reply)
}

func (m *memNetwork) Request(ctx context.Context, addr netip.AddrPort, msg protocol.Message) (protocol.Message, error) {
	reply, err := m.deliver(ctx, addr, msg)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, fmt.Errorf("%s sent no reply to %s", addr, msg.Type())
	}
	return reply, nil
}

func (m *memNetwork) Send(ctx context.Context, addr netip.AddrPort, msg protocol.Message) error {
	_, err := m.deliver(ctx, addr, msg)
	return err
}

func roundTrip(msg protocol.Message) (protocol.Message, error) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(frame)
}

func newTestNode(nw *memNetwork, self *types.Node, cfg Config) *Node {
	n := NewNode(self, store.NewLocal(), nw, cfg)
	nw.add(n)
	return n
}

// buildRing joins count nodes through the first one and runs maintenance
// until the ring is settled. The result is ordered by ring position.
func buildRing(t *testing.T, count int) ([]*Node, *memNetwork) {
	t.Helper()
	return buildRingWith(t, count, Config{})
}

func buildRingWith(t *testing.T, count int, cfg Config) ([]*Node, *memNetwork) {
	t.Helper()
	ctx := context.Background()

	nw := newMemNetwork()
	selves := sortedNodes(count)
	// join in address order rather than ring order
	byAddr := make([]*types.Node, count)
	copy(byAddr, selves)
	for i := range byAddr {
		for j := i + 1; j < len(byAddr); j++ {
			if byAddr[j].Address().Addr().Less(byAddr[i].Address().Addr()) {
				byAddr[i], byAddr[j] = byAddr[j], byAddr[i]
			}
		}
	}

	created := make(map[routing.Identifier]*Node)
	first := newTestNode(nw, byAddr[0], cfg)
	created[first.Self().Identifier()] = first
	for _, self := range byAddr[1:] {
		n := newTestNode(nw, self, cfg)
		created[self.Identifier()] = n
		require.NoError(t, n.Join(ctx, first.Self().Address()))
		stabilizeAll(ctx, created)
	}

	for round := 0; round < 2*count; round++ {
		stabilizeAll(ctx, created)
	}
	for _, n := range created {
		for i := 0; i < FingerCount; i++ {
			require.NoError(t, n.FixFingers(ctx))
		}
	}

	ring := make([]*Node, count)
	for i, self := range selves {
		ring[i] = created[self.Identifier()]
	}
	return ring, nw
}

func stabilizeAll(ctx context.Context, nodes map[routing.Identifier]*Node) {
	for _, n := range nodes {
		_ = n.Stabilize(ctx)
	}
}

// ownerOf finds the node responsible for id by scanning the sorted ring.
func ownerOf(ring []*Node, id routing.Identifier) *Node {
	for i, n := range ring {
		pred := ring[(i+len(ring)-1)%len(ring)]
		if routing.Owns(n.Self().Identifier(), pred.Self().Identifier(), id) {
			return n
		}
	}
	return nil
}

func TestSingleNodePutGet(t *testing.T) {
	ctx := context.Background()
	nw := newMemNetwork()
	n := newTestNode(nw, sortedNodes(1)[0], Config{})

	var key routing.Key
	copy(key[:], "alone")

	reply, err := n.HandleMessage(ctx, &protocol.DhtPut{TTL: 60, Replication: 3, Key: key, Value: []byte("v")})
	require.NoError(t, err)
	assert.Nil(t, reply, "successful put has no reply")

	reply, err = n.HandleMessage(ctx, &protocol.DhtGet{Key: key})
	require.NoError(t, err)
	assert.Equal(t, &protocol.DhtSuccess{Key: key, Value: []byte("v")}, reply)
}

func TestDhtGetMissing(t *testing.T) {
	nw := newMemNetwork()
	n := newTestNode(nw, sortedNodes(1)[0], Config{})

	var key routing.Key
	key[0] = 0x42

	reply, err := n.HandleMessage(context.Background(), &protocol.DhtGet{Key: key})
	require.NoError(t, err)
	assert.Equal(t, &protocol.DhtFailure{Key: key}, reply)
}

func TestStorageMessages(t *testing.T) {
	ctx := context.Background()
	nw := newMemNetwork()
	n := newTestNode(nw, sortedNodes(1)[0], Config{})

	var key routing.Key
	key[31] = 7

	reply, err := n.HandleMessage(ctx, &protocol.StorageGet{Key: key})
	require.NoError(t, err)
	assert.Equal(t, &protocol.StorageFailure{Key: key}, reply)

	reply, err = n.HandleMessage(ctx, &protocol.StoragePut{TTL: 30, ReplicationIndex: 1, Key: key, Value: []byte("payload")})
	require.NoError(t, err)
	ack, ok := reply.(*protocol.StoragePutSuccess)
	require.True(t, ok, "got %s", reply)
	assert.True(t, ack.Matches([]byte("payload")))
	assert.False(t, ack.Matches([]byte("other")))

	reply, err = n.HandleMessage(ctx, &protocol.StorageGet{ReplicationIndex: 1, Key: key})
	require.NoError(t, err)
	assert.Equal(t, &protocol.StorageGetSuccess{Key: key, Value: []byte("payload")}, reply)
}

func TestHandleMessageRejectsReplies(t *testing.T) {
	nw := newMemNetwork()
	n := newTestNode(nw, sortedNodes(1)[0], Config{})

	_, err := n.HandleMessage(context.Background(), &protocol.DhtSuccess{})
	assert.ErrorIs(t, err, ErrUnexpectedReply)
}

func TestPredecessorSet(t *testing.T) {
	ctx := context.Background()
	nodes := sortedNodes(3)
	nw := newMemNetwork()
	n := newTestNode(nw, nodes[2], Config{})

	propose := func(candidate *types.Node) {
		reply, err := n.HandleMessage(ctx, &protocol.PredecessorSet{Address: candidate.Address()})
		require.NoError(t, err)
		require.Nil(t, reply)
	}

	propose(nodes[0])
	require.NotNil(t, n.Table().Predecessor())
	assert.True(t, n.Table().Predecessor().Identifier().Equal(nodes[0].Identifier()))
	assert.True(t, n.Table().Successor().Identifier().Equal(nodes[0].Identifier()),
		"a lone node adopts its first predecessor as successor")

	propose(nodes[1])
	assert.True(t, n.Table().Predecessor().Identifier().Equal(nodes[1].Identifier()), "closer candidate accepted")

	propose(nodes[0])
	assert.True(t, n.Table().Predecessor().Identifier().Equal(nodes[1].Identifier()), "farther candidate rejected")

	propose(nodes[2])
	assert.True(t, n.Table().Predecessor().Identifier().Equal(nodes[1].Identifier()), "self ignored")

	reply, err := n.HandleMessage(ctx, &protocol.PredecessorGet{})
	require.NoError(t, err)
	assert.Equal(t, &protocol.PredecessorReply{Address: nodes[1].Address()}, reply)
}

func TestPredecessorGetEmpty(t *testing.T) {
	nw := newMemNetwork()
	n := newTestNode(nw, sortedNodes(1)[0], Config{})

	reply, err := n.HandleMessage(context.Background(), &protocol.PredecessorGet{})
	require.NoError(t, err)
	r, ok := reply.(*protocol.PredecessorReply)
	require.True(t, ok)
	assert.False(t, r.HasPredecessor())
}

func TestJoinSelf(t *testing.T) {
	nw := newMemNetwork()
	n := newTestNode(nw, sortedNodes(1)[0], Config{})

	err := n.Join(context.Background(), n.Self().Address())
	assert.ErrorIs(t, err, ErrJoinSelf)
}

func TestJoinUnreachable(t *testing.T) {
	nw := newMemNetwork()
	n := newTestNode(nw, sortedNodes(1)[0], Config{})

	err := n.Join(context.Background(), netip.MustParseAddrPort("10.9.9.9:4000"))
	assert.ErrorIs(t, err, errUnreachable)
}

func TestTwoNodeRing(t *testing.T) {
	ring, _ := buildRing(t, 2)

	assert.True(t, ring[0].Table().Successor().Identifier().Equal(ring[1].Self().Identifier()))
	assert.True(t, ring[1].Table().Successor().Identifier().Equal(ring[0].Self().Identifier()))
	require.NotNil(t, ring[0].Table().Predecessor())
	assert.True(t, ring[0].Table().Predecessor().Identifier().Equal(ring[1].Self().Identifier()))
}

func TestRingConverges(t *testing.T) {
	ring, _ := buildRing(t, 5)

	for i, n := range ring {
		succ := ring[(i+1)%len(ring)]
		pred := ring[(i+len(ring)-1)%len(ring)]

		assert.Truef(t, n.Table().Successor().Identifier().Equal(succ.Self().Identifier()),
			"successor of %s is %s, want %s", n.Self(), n.Table().Successor(), succ.Self())
		require.NotNil(t, n.Table().Predecessor())
		assert.Truef(t, n.Table().Predecessor().Identifier().Equal(pred.Self().Identifier()),
			"predecessor of %s is %s, want %s", n.Self(), n.Table().Predecessor(), pred.Self())
	}
}

func TestLookupFindsOwner(t *testing.T) {
	ctx := context.Background()
	ring, _ := buildRing(t, 5)

	for k := 0; k < 32; k++ {
		id := routing.GenerateIdentifier([]byte(fmt.Sprintf("lookup-%d", k)))
		want := ownerOf(ring, id)
		require.NotNil(t, want)

		for _, n := range ring {
			got, err := n.Lookup(ctx, id)
			require.NoError(t, err)
			assert.Truef(t, got.Identifier().Equal(want.Self().Identifier()),
				"%s resolved %s to %s, want %s", n.Self(), id.Short(), got, want.Self())
		}
	}
}

func TestPeerFindFromOwner(t *testing.T) {
	ring, _ := buildRing(t, 3)
	owner := ring[1]

	reply, err := owner.HandleMessage(context.Background(), &protocol.PeerFind{Identifier: owner.Self().Identifier()})
	require.NoError(t, err)
	found, ok := reply.(*protocol.PeerFound)
	require.True(t, ok)
	assert.Equal(t, owner.Self().Address(), found.Address)
	assert.Equal(t, owner.Self().Identifier(), found.Identifier)
}

func TestPutGetAcrossRing(t *testing.T) {
	ctx := context.Background()
	ring, _ := buildRing(t, 5)

	for k := 0; k < 8; k++ {
		var key routing.Key
		copy(key[:], fmt.Sprintf("key-%d", k))
		value := bytes.Repeat([]byte{byte(k)}, 16+k)

		reply, err := ring[k%len(ring)].HandleMessage(ctx, &protocol.DhtPut{TTL: 300, Replication: 2, Key: key, Value: value})
		require.NoError(t, err)
		require.Nil(t, reply)

		// the primary replica lives on the owner of its position
		owner := ownerOf(ring, key.ReplicaIdentifier(0))
		stored, err := owner.storage.Retrieve(key)
		require.NoError(t, err)
		assert.Equal(t, value, stored)

		reply, err = ring[(k+2)%len(ring)].HandleMessage(ctx, &protocol.DhtGet{Key: key})
		require.NoError(t, err)
		assert.Equal(t, &protocol.DhtSuccess{Key: key, Value: value}, reply)
	}
}

func TestStabilizeDropsDeadSuccessor(t *testing.T) {
	ctx := context.Background()
	ring, nw := buildRing(t, 2)
	nw.setDown(ring[1].Self().Address())

	err := ring[0].Stabilize(ctx)
	assert.ErrorIs(t, err, errUnreachable)
	assert.Same(t, ring[0].Self(), ring[0].Table().Successor())
	assert.Nil(t, ring[0].Table().Predecessor())
}

func TestCheckPredecessor(t *testing.T) {
	ctx := context.Background()
	ring, nw := buildRingWith(t, 3, Config{CheckPredecessorInterval: time.Millisecond})

	time.Sleep(5 * time.Millisecond)
	ring[1].CheckPredecessor(ctx)
	pred := ring[1].Table().Predecessor()
	require.NotNil(t, pred)
	assert.True(t, pred.SeenWithin(time.Second), "answer should refresh LastSeen")

	time.Sleep(5 * time.Millisecond)
	nw.setDown(ring[0].Self().Address())
	ring[1].CheckPredecessor(ctx)
	assert.Nil(t, ring[1].Table().Predecessor())
}

func TestCheckPredecessorSkipsRecentlySeen(t *testing.T) {
	ctx := context.Background()
	ring, nw := buildRing(t, 3)

	// the last stabilize round re-announced ring[0] to ring[1]
	nw.setDown(ring[0].Self().Address())
	ring[1].CheckPredecessor(ctx)
	require.NotNil(t, ring[1].Table().Predecessor())
	assert.True(t, ring[1].Table().Predecessor().Identifier().Equal(ring[0].Self().Identifier()))
}

func TestPredecessorSetTouchesCurrent(t *testing.T) {
	ring, _ := buildRing(t, 2)
	pred := ring[1].Table().Predecessor()
	require.NotNil(t, pred)

	before := pred.LastSeen()
	time.Sleep(2 * time.Millisecond)
	reply, err := ring[1].HandleMessage(context.Background(), &protocol.PredecessorSet{Address: pred.Address()})
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Same(t, pred, ring[1].Table().Predecessor())
	assert.True(t, pred.LastSeen().After(before))
}

func TestReplicationClamp(t *testing.T) {
	n := NewNode(sortedNodes(1)[0], store.NewLocal(), newMemNetwork(), Config{MaxReplication: 3})

	assert.Equal(t, uint8(1), n.replication(0))
	assert.Equal(t, uint8(2), n.replication(2))
	assert.Equal(t, uint8(3), n.replication(200))
}

func TestRunStopsOnCancel(t *testing.T) {
	nw := newMemNetwork()
	n := NewNode(sortedNodes(1)[0], store.NewLocal(), nw, Config{
		StabilizeInterval:        time.Millisecond,
		FixFingersInterval:       time.Millisecond,
		CheckPredecessorInterval: time.Millisecond,
		SweepInterval:            time.Millisecond,
	})
	nw.add(n)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
