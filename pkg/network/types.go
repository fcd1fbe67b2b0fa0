package network

import (
	"context"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"github.com/busybox42/ringdht/pkg/protocol"
)

// HandlerFunc serves one decoded message. A nil reply with a nil error
// means nothing is written back.
type HandlerFunc func(ctx context.Context, from net.Addr, msg protocol.Message) (protocol.Message, error)

type Config struct {
	// ListenAddr is host:port to bind. Ignored when Listener is set.
	ListenAddr string
	// Listener overrides ListenAddr. Tests pass a pre-bound listener.
	Listener net.Listener

	// ProxyAddr routes outbound dials through a SOCKS5 proxy.
	ProxyAddr string
	// Dialer overrides ProxyAddr.
	Dialer proxy.Dialer

	DialTimeout time.Duration
	// IOTimeout bounds a single request/response exchange.
	IOTimeout time.Duration
	// IdleTimeout closes inbound connections that stay silent.
	IdleTimeout time.Duration
	DialRetries uint64
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.DialTimeout == 0 {
		out.DialTimeout = defaultDialTimeout
	}
	if out.IOTimeout == 0 {
		out.IOTimeout = defaultIOTimeout
	}
	if out.IdleTimeout == 0 {
		out.IdleTimeout = defaultIdleTimeout
	}
	if out.DialRetries == 0 {
		out.DialRetries = defaultDialRetries
	}
	return &out
}
