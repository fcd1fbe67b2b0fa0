package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/busybox42/ringdht/internal/store"
	"github.com/busybox42/ringdht/pkg/config"
	"github.com/busybox42/ringdht/pkg/dht"
	"github.com/busybox42/ringdht/pkg/network"
	"github.com/busybox42/ringdht/pkg/tor"
	"github.com/busybox42/ringdht/pkg/types"
)

var log = logrus.WithField("component", "server")

var ErrAlreadyStarted = errors.New("server already started")

type storage interface {
	dht.Storage
	Close() error
}

// Server runs one ring node: the peer transport, the client API transport,
// the storage engine and, optionally, Tor for outbound connections.
type Server struct {
	config  *config.Config
	storage storage
	tor     *tor.Manager
	p2p     *network.Transport
	api     *network.Transport
	node    *dht.Node

	mu      sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// New opens the configured storage. Nothing listens until Start.
func New(c *config.Config) (*Server, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	s := &Server{config: c}
	switch c.Storage.Backend {
	case config.BackendBadger:
		b, err := store.OpenBadger(c.Storage.Dir)
		if err != nil {
			return nil, err
		}
		s.storage = b
	default:
		s.storage = store.NewLocal()
	}

	log.WithFields(logrus.Fields{
		"backend": c.Storage.Backend,
		"dir":     c.Storage.Dir,
	}).Info("storage opened")
	return s, nil
}

func (s *Server) networkConfig(listen string) (*network.Config, error) {
	nc := &network.Config{
		ListenAddr:  listen,
		ProxyAddr:   s.config.Network.Proxy,
		DialTimeout: s.config.Network.DialTimeout,
		IOTimeout:   s.config.Network.IOTimeout,
		IdleTimeout: s.config.Network.IdleTimeout,
		DialRetries: s.config.Network.DialRetries,
	}
	if s.tor != nil {
		d, err := s.tor.Dialer()
		if err != nil {
			return nil, err
		}
		nc.Dialer = d
	}
	return nc, nil
}

// Start brings up Tor if enabled, both transports and the node, joins the
// bootstrap peer when one is configured and starts ring maintenance.
func (s *Server) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	defer func() {
		if err != nil {
			s.stopLocked()
		}
	}()

	if s.config.Tor.Enable {
		s.tor, err = tor.Start(ctx, tor.Config{
			ExePath:   s.config.Tor.ExePath,
			DataDir:   s.config.Tor.DataDir,
			SocksPort: s.config.Tor.SocksPort,
		})
		if err != nil {
			return err
		}
	}

	p2pConfig, err := s.networkConfig(s.config.DHT.P2PAddress)
	if err != nil {
		return err
	}
	s.p2p = network.NewTransport(p2pConfig)
	if err := s.p2p.Start(); err != nil {
		return fmt.Errorf("failed to start peer transport: %w", err)
	}

	// the ring position comes from the configured IP; the port may have
	// been chosen by the kernel
	self := types.NewNode(netip.AddrPortFrom(
		s.config.P2PAddrPort().Addr(),
		uint16(s.p2p.Addr().(*net.TCPAddr).Port),
	))

	s.node = dht.NewNode(self, s.storage, s.p2p, dht.Config{
		MaxReplication:           s.config.DHT.MaxReplication,
		StabilizeInterval:        s.config.DHT.StabilizeInterval,
		FixFingersInterval:       s.config.DHT.FixFingersInterval,
		CheckPredecessorInterval: s.config.DHT.CheckPredecessorInterval,
		SweepInterval:            s.config.DHT.SweepInterval,
	})
	for _, mt := range dht.PeerMessageTypes {
		s.p2p.RegisterHandler(mt, s.node.Handler())
	}

	apiConfig, err := s.networkConfig(s.config.DHT.APIAddress)
	if err != nil {
		return err
	}
	s.api = network.NewTransport(apiConfig)
	for _, mt := range dht.APIMessageTypes {
		s.api.RegisterHandler(mt, s.node.Handler())
	}
	if err := s.api.Start(); err != nil {
		return fmt.Errorf("failed to start API transport: %w", err)
	}

	if boot, ok := s.config.BootstrapAddrPort(); ok {
		if err := s.node.Join(ctx, boot); err != nil {
			return err
		}
	} else {
		log.WithField("node", self).Info("starting a new ring")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		s.node.Run(runCtx)
	}()

	log.WithFields(logrus.Fields{
		"node": self,
		"p2p":  s.p2p.Addr(),
		"api":  s.api.Addr(),
	}).Info("server started")
	return nil
}

func (s *Server) Node() *dht.Node {
	return s.node
}

// P2PAddr is the bound peer listen address, nil before Start.
func (s *Server) P2PAddr() net.Addr {
	if s.p2p == nil {
		return nil
	}
	return s.p2p.Addr()
}

// APIAddr is the bound client API address, nil before Start.
func (s *Server) APIAddr() net.Addr {
	if s.api == nil {
		return nil
	}
	return s.api.Addr()
}

// Shutdown stops maintenance, both transports and Tor, then closes the
// storage.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	if s.storage == nil {
		return nil
	}
	err := s.storage.Close()
	s.storage = nil
	log.Info("server stopped")
	return err
}

func (s *Server) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.running.Wait()
		s.cancel = nil
	}
	if s.api != nil {
		if err := s.api.Stop(); err != nil {
			log.WithError(err).Warn("error stopping API transport")
		}
		s.api = nil
	}
	if s.p2p != nil {
		if err := s.p2p.Stop(); err != nil {
			log.WithError(err).Warn("error stopping peer transport")
		}
		s.p2p = nil
	}
	if s.tor != nil {
		if err := s.tor.Close(); err != nil {
			log.WithError(err).Warn("error stopping Tor")
		}
		s.tor = nil
	}
}
