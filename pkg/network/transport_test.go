package network

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/busybox42/ringdht/pkg/protocol"
	"github.com/busybox42/ringdht/pkg/routing"
)

func startTestTransport(t *testing.T) *Transport {
	t.Helper()

	tr := NewTransport(&Config{
		ListenAddr:  "127.0.0.1:0",
		IOTimeout:   2 * time.Second,
		DialRetries: 1,
	})
	require.NoError(t, tr.Start())
	t.Cleanup(func() { tr.Stop() })
	return tr
}

func addrOf(t *testing.T, tr *Transport) netip.AddrPort {
	t.Helper()
	return tr.Addr().(*net.TCPAddr).AddrPort()
}

func TestTransportRequestReply(t *testing.T) {
	server := startTestTransport(t)
	client := NewTransport(&Config{IOTimeout: 2 * time.Second})

	server.RegisterHandler(protocol.TypeDhtGet, func(ctx context.Context, from net.Addr, msg protocol.Message) (protocol.Message, error) {
		get := msg.(*protocol.DhtGet)
		return &protocol.DhtSuccess{Key: get.Key, Value: []byte("found it")}, nil
	})

	var key routing.Key
	copy(key[:], "lookup key")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := client.Request(ctx, addrOf(t, server), &protocol.DhtGet{Key: key})
	require.NoError(t, err)
	require.Equal(t, &protocol.DhtSuccess{Key: key, Value: []byte("found it")}, reply)
}

func TestTransportSendWithoutReply(t *testing.T) {
	server := startTestTransport(t)

	received := make(chan protocol.Message, 1)
	server.RegisterHandler(protocol.TypePredecessorSet, func(ctx context.Context, from net.Addr, msg protocol.Message) (protocol.Message, error) {
		received <- msg
		return nil, nil
	})

	proposed := netip.MustParseAddrPort("10.0.0.9:7401")
	err := server.Send(context.Background(), addrOf(t, server), &protocol.PredecessorSet{Address: proposed})
	require.NoError(t, err)

	select {
	case msg := <-received:
		require.Equal(t, &protocol.PredecessorSet{Address: proposed}, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for message")
	}
}

func TestTransportManyRequestsOnOneConnection(t *testing.T) {
	server := startTestTransport(t)

	var calls atomic.Int32
	server.RegisterHandler(protocol.TypePredecessorGet, func(ctx context.Context, from net.Addr, msg protocol.Message) (protocol.Message, error) {
		calls.Add(1)
		return &protocol.PredecessorReply{}, nil
	})

	peer, err := Dial(context.Background(), &Config{}, addrOf(t, server))
	require.NoError(t, err)
	defer peer.Close()

	for i := 0; i < 3; i++ {
		reply, err := peer.Request(context.Background(), &protocol.PredecessorGet{})
		require.NoError(t, err)
		require.False(t, reply.(*protocol.PredecessorReply).HasPredecessor())
	}
	require.Equal(t, int32(3), calls.Load())
}

func TestTransportDropsMalformedFrame(t *testing.T) {
	server := startTestTransport(t)

	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// size 6, unknown type 0x0001, two payload bytes
	_, err = conn.Write([]byte{0x00, 0x06, 0x00, 0x01, 0xAA, 0xBB})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err, "server should close the connection")
}

func TestTransportRequestContextCancel(t *testing.T) {
	server := startTestTransport(t)

	block := make(chan struct{})
	defer close(block)
	server.RegisterHandler(protocol.TypePeerFind, func(ctx context.Context, from net.Addr, msg protocol.Message) (protocol.Message, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	client := NewTransport(&Config{IOTimeout: 10 * time.Second})
	_, err := client.Request(ctx, addrOf(t, server), &protocol.PeerFind{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr).AddrPort()
	l.Close()

	_, err = Dial(context.Background(), &Config{DialRetries: 1, DialTimeout: time.Second}, addr)
	require.Error(t, err)
}

func TestTransportStop(t *testing.T) {
	tr := NewTransport(&Config{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, tr.Start())
	addr := tr.Addr().String()

	require.NoError(t, tr.Stop())

	conn, err := net.Dial("tcp", addr)
	if err == nil {
		conn.Close()
		t.Error("Transport still accepting connections after Stop")
	}
}

func TestPeerReceive(t *testing.T) {
	server := startTestTransport(t)
	server.RegisterHandler(protocol.TypeDhtPut, func(ctx context.Context, from net.Addr, msg protocol.Message) (protocol.Message, error) {
		return &protocol.DhtFailure{Key: msg.(*protocol.DhtPut).Key}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer, err := Dial(ctx, &Config{IOTimeout: 2 * time.Second}, addrOf(t, server))
	require.NoError(t, err)
	defer peer.Close()

	var key routing.Key
	key[0] = 9
	require.NoError(t, peer.Send(ctx, &protocol.DhtPut{TTL: 1, Key: key, Value: []byte("x")}))

	msg, err := peer.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, &protocol.DhtFailure{Key: key}, msg)
}

func TestPeerCloseWrite(t *testing.T) {
	server := startTestTransport(t)
	handled := make(chan struct{}, 1)
	server.RegisterHandler(protocol.TypeDhtPut, func(ctx context.Context, from net.Addr, msg protocol.Message) (protocol.Message, error) {
		handled <- struct{}{}
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer, err := Dial(ctx, &Config{IOTimeout: 2 * time.Second}, addrOf(t, server))
	require.NoError(t, err)
	defer peer.Close()

	require.NoError(t, peer.Send(ctx, &protocol.DhtPut{TTL: 1, Value: []byte("x")}))
	require.NoError(t, peer.CloseWrite())

	// no reply, so the server hangs up after the put
	_, err = peer.Receive(ctx)
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, handled, 1)
}
