package tor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cretz/bine/tor"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

var log = logrus.WithField("component", "tor")

var ErrNotStarted = errors.New("tor is not running")

// Config controls the embedded Tor process.
type Config struct {
	// ExePath is the tor binary. Empty means "tor" from PATH.
	ExePath string
	// DataDir keeps Tor state between runs. Empty means a temporary
	// directory removed on Close.
	DataDir string
	// SocksPort is the local SOCKS5 port. Zero picks a free one.
	SocksPort int
	// ReadyTimeout bounds how long Start waits for the SOCKS port.
	ReadyTimeout time.Duration
	Debug        bool
}

// Manager owns an embedded Tor process used as the outbound SOCKS5 proxy
// for peer connections.
type Manager struct {
	instance  *tor.Tor
	socksPort int
	dataDir   string
	tempDir   bool
}

// Start launches Tor, enables its network and waits until the SOCKS5 port
// accepts connections.
func Start(ctx context.Context, config Config) (*Manager, error) {
	port := config.SocksPort
	if port == 0 {
		p, err := freePort()
		if err != nil {
			return nil, fmt.Errorf("failed to pick SOCKS port: %w", err)
		}
		port = p
	}
	if config.ReadyTimeout == 0 {
		config.ReadyTimeout = 2 * time.Minute
	}

	m := &Manager{socksPort: port, dataDir: config.DataDir}
	if m.dataDir == "" {
		dir, err := os.MkdirTemp("", "ringdht-tor-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create Tor data directory: %w", err)
		}
		m.dataDir = dir
		m.tempDir = true
	}

	var debug io.Writer
	if config.Debug {
		debug = log.WriterLevel(logrus.DebugLevel)
	}

	log.WithField("socks_port", port).Info("starting embedded Tor")
	t, err := tor.Start(ctx, &tor.StartConf{
		ExePath:     config.ExePath,
		DataDir:     m.dataDir,
		DebugWriter: debug,
		ExtraArgs:   []string{"--SocksPort", strconv.Itoa(port)},
	})
	if err != nil {
		m.cleanup()
		return nil, fmt.Errorf("failed to start Tor: %w", err)
	}
	m.instance = t

	if err := t.EnableNetwork(ctx, true); err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to enable Tor network: %w", err)
	}

	readyCtx, cancel := context.WithTimeout(ctx, config.ReadyTimeout)
	defer cancel()
	if err := waitForSocks(readyCtx, m.SocksAddr()); err != nil {
		m.Close()
		return nil, fmt.Errorf("SOCKS5 proxy on %s never came up: %w", m.SocksAddr(), err)
	}

	log.WithField("socks", m.SocksAddr()).Info("Tor ready")
	return m, nil
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func waitForSocks(ctx context.Context, addr string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	var d net.Dialer
	return backoff.Retry(func() error {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}, backoff.WithContext(b, ctx))
}

// SocksAddr is the host:port of the SOCKS5 proxy.
func (m *Manager) SocksAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(m.socksPort))
}

// Dialer returns a SOCKS5 dialer that routes connections through Tor.
func (m *Manager) Dialer() (proxy.Dialer, error) {
	if m == nil || m.instance == nil {
		return nil, ErrNotStarted
	}
	d, err := proxy.SOCKS5("tcp", m.SocksAddr(), nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	return d, nil
}

// Close stops Tor and removes a temporary data directory.
func (m *Manager) Close() error {
	if m == nil || m.instance == nil {
		return nil
	}
	log.Info("stopping Tor")
	err := m.instance.Close()
	m.instance = nil
	m.cleanup()
	return err
}

func (m *Manager) cleanup() {
	if m.tempDir {
		if err := os.RemoveAll(m.dataDir); err != nil {
			log.WithError(err).Warn("failed to remove Tor data directory")
		}
	}
}
