package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/busybox42/ringdht/pkg/protocol"
)

var log = logrus.WithField("component", "network")

var ErrHalfCloseUnsupported = errors.New("connection cannot be half-closed")

// Peer is an outbound connection to another node.
type Peer struct {
	Address    netip.AddrPort
	conn       net.Conn
	mu         sync.Mutex
	ioTimeout  time.Duration
	lastActive time.Time
}

// Dial connects to addr, retrying with exponential backoff until the
// configured number of retries is used up or ctx ends.
func Dial(ctx context.Context, config *Config, addr netip.AddrPort) (*Peer, error) {
	config = config.withDefaults()

	dialer, err := config.dialer()
	if err != nil {
		return nil, err
	}

	var conn net.Conn
	op := func() error {
		c, err := dialContext(ctx, dialer, addr.String())
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), config.DialRetries), ctx)
	err = backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		log.WithFields(logrus.Fields{"peer": addr, "retry_in": wait}).Debugf("dial failed: %v", err)
	})
	if err != nil {
		return nil, fmt.Errorf("connection to %s failed: %w", addr, err)
	}

	return &Peer{
		Address:    addr,
		conn:       conn,
		ioTimeout:  config.IOTimeout,
		lastActive: time.Now(),
	}, nil
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

func (c *Config) dialer() (proxy.Dialer, error) {
	if c.Dialer != nil {
		return c.Dialer, nil
	}
	direct := &net.Dialer{Timeout: c.DialTimeout}
	if c.ProxyAddr == "" {
		return direct, nil
	}
	d, err := proxy.SOCKS5("tcp", c.ProxyAddr, nil, direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	return d, nil
}

func dialContext(ctx context.Context, d proxy.Dialer, addr string) (net.Conn, error) {
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return d.Dial("tcp", addr)
}

// Request writes msg and waits for exactly one reply frame.
func (p *Peer) Request(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil, fmt.Errorf("peer not connected")
	}

	stop := p.bind(ctx)
	defer stop()

	if err := WriteMessage(p.conn, msg); err != nil {
		return nil, p.ctxErr(ctx, err)
	}

	reply, err := ReadMessage(p.conn)
	if err != nil {
		return nil, p.ctxErr(ctx, fmt.Errorf("failed to read reply to %s: %w", msg.Type(), err))
	}

	p.lastActive = time.Now()
	return reply, nil
}

// Send writes msg without waiting for a reply.
func (p *Peer) Send(ctx context.Context, msg protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return fmt.Errorf("peer not connected")
	}

	stop := p.bind(ctx)
	defer stop()

	if err := WriteMessage(p.conn, msg); err != nil {
		return p.ctxErr(ctx, err)
	}
	p.lastActive = time.Now()
	return nil
}

// Receive waits for the next message the remote side writes, for
// connections that carry replies out of band.
func (p *Peer) Receive(ctx context.Context) (protocol.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil, fmt.Errorf("peer not connected")
	}

	stop := p.bind(ctx)
	defer stop()

	msg, err := ReadMessage(p.conn)
	if err != nil {
		return nil, p.ctxErr(ctx, err)
	}
	p.lastActive = time.Now()
	return msg, nil
}

// CloseWrite shuts the sending side. The remote reads EOF once it has
// consumed everything written before, and replies can still be received.
// Proxied connections return ErrHalfCloseUnsupported.
func (p *Peer) CloseWrite() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return fmt.Errorf("peer not connected")
	}
	cw, ok := p.conn.(interface{ CloseWrite() error })
	if !ok {
		return ErrHalfCloseUnsupported
	}
	return cw.CloseWrite()
}

// bind applies the I/O timeout (or ctx's deadline if sooner) to the
// connection and unblocks it when ctx is cancelled.
func (p *Peer) bind(ctx context.Context) func() bool {
	deadline := time.Now().Add(p.ioTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	p.conn.SetDeadline(deadline)

	conn := p.conn
	return context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
}

// ctxErr reports a deadline or cancellation as the context's error so
// callers can match it with errors.Is.
func (p *Peer) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

func (p *Peer) LastActive() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActive
}

func (p *Peer) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
