// pkg/network/transport.go
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/busybox42/ringdht/pkg/protocol"
)

// Transport accepts framed connections and dispatches each decoded message
// to the handler registered for its type. It also implements Network for
// outbound requests.
type Transport struct {
	config   *Config
	listener net.Listener
	handlers map[protocol.MessageType]HandlerFunc
	conns    map[net.Conn]struct{}
	mu       sync.RWMutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

var _ Network = (*Transport)(nil)

func NewTransport(config *Config) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		config:   config.withDefaults(),
		handlers: make(map[protocol.MessageType]HandlerFunc),
		conns:    make(map[net.Conn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (t *Transport) RegisterHandler(msgType protocol.MessageType, handler HandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[msgType] = handler
}

func (t *Transport) Start() error {
	listener := t.config.Listener
	if listener == nil {
		l, err := net.Listen("tcp", t.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", t.config.ListenAddr, err)
		}
		listener = l
	}

	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()

	log.WithField("addr", listener.Addr()).Info("transport listening")

	t.wg.Add(1)
	go t.acceptLoop(listener)
	return nil
}

// Addr is the bound listen address, nil before Start.
func (t *Transport) Addr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *Transport) Stop() error {
	t.cancel()

	t.mu.Lock()
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	for conn := range t.conns {
		conn.Close()
	}
	t.mu.Unlock()

	t.wg.Wait()
	return err
}

func (t *Transport) acceptLoop(listener net.Listener) {
	defer t.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithError(err).Warn("failed to accept connection")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		t.mu.Lock()
		if t.ctx.Err() != nil {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.conns[conn] = struct{}{}
		t.mu.Unlock()

		t.wg.Add(1)
		go t.handleConnection(conn)
	}
}

func (t *Transport) handleConnection(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
		conn.Close()
	}()

	entry := log.WithField("remote", conn.RemoteAddr())

	for {
		conn.SetReadDeadline(time.Now().Add(t.config.IdleTimeout))
		frame, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && t.ctx.Err() == nil {
				entry.WithError(err).Debug("connection closed")
			}
			return
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			// framing can no longer be trusted on this connection
			entry.WithError(err).Warn("dropping connection after malformed frame")
			return
		}

		t.mu.RLock()
		handler, ok := t.handlers[msg.Type()]
		t.mu.RUnlock()
		if !ok {
			entry.WithField("type", msg.Type()).Warn("no handler registered")
			return
		}

		ctx, cancel := context.WithTimeout(t.ctx, t.config.IOTimeout)
		reply, err := handler(ctx, conn.RemoteAddr(), msg)
		cancel()
		if err != nil {
			entry.WithFields(logrus.Fields{"type": msg.Type()}).WithError(err).Warn("handler failed")
			return
		}
		if reply == nil {
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(t.config.IOTimeout))
		if err := WriteMessage(conn, reply); err != nil {
			entry.WithError(err).Debug("failed to write reply")
			return
		}
	}
}

// Request opens a connection to addr, performs one exchange and closes it.
func (t *Transport) Request(ctx context.Context, addr netip.AddrPort, msg protocol.Message) (protocol.Message, error) {
	peer, err := Dial(ctx, t.config, addr)
	if err != nil {
		return nil, err
	}
	defer peer.Close()

	log.WithFields(logrus.Fields{"peer": addr, "msg": msg}).Trace("request")
	return peer.Request(ctx, msg)
}

func (t *Transport) Send(ctx context.Context, addr netip.AddrPort, msg protocol.Message) error {
	peer, err := Dial(ctx, t.config, addr)
	if err != nil {
		return err
	}
	defer peer.Close()

	log.WithFields(logrus.Fields{"peer": addr, "msg": msg}).Trace("send")
	return peer.Send(ctx, msg)
}
