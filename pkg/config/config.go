package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Log     LogC     `mapstructure:"log"`
	DHT     DHTC     `mapstructure:"dht"`
	Network NetworkC `mapstructure:"network"`
	Storage StorageC `mapstructure:"storage"`
	Tor     TorC     `mapstructure:"tor"`
}

type LogC struct {
	Level string `mapstructure:"level"`
}

type DHTC struct {
	// P2PAddress is both the peer listen address and the node's ring
	// position, so it must name a concrete IP.
	P2PAddress string `mapstructure:"p2p_address"`
	APIAddress string `mapstructure:"api_address"`
	// Bootstrap is a peer of an existing ring. Empty starts a new ring.
	Bootstrap string `mapstructure:"bootstrap"`

	MaxReplication           uint8         `mapstructure:"max_replication"`
	StabilizeInterval        time.Duration `mapstructure:"stabilize_interval"`
	FixFingersInterval       time.Duration `mapstructure:"fix_fingers_interval"`
	CheckPredecessorInterval time.Duration `mapstructure:"check_predecessor_interval"`
	SweepInterval            time.Duration `mapstructure:"sweep_interval"`
}

type NetworkC struct {
	// Proxy is a SOCKS5 host:port for outbound peer connections. Ignored
	// when Tor is enabled.
	Proxy       string        `mapstructure:"proxy"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	IOTimeout   time.Duration `mapstructure:"io_timeout"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	DialRetries uint64        `mapstructure:"dial_retries"`
}

type StorageC struct {
	Backend string `mapstructure:"backend"`
	// Dir holds badger files. Empty keeps badger in memory.
	Dir string `mapstructure:"dir"`
}

type TorC struct {
	Enable    bool   `mapstructure:"enable"`
	ExePath   string `mapstructure:"exe_path"`
	DataDir   string `mapstructure:"data_dir"`
	SocksPort int    `mapstructure:"socks_port"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("dht.p2p_address", "127.0.0.1:6001")
	v.SetDefault("dht.api_address", "127.0.0.1:7001")
	v.SetDefault("dht.bootstrap", "")
	v.SetDefault("dht.max_replication", 4)
	v.SetDefault("dht.stabilize_interval", 5*time.Second)
	v.SetDefault("dht.fix_fingers_interval", 2*time.Second)
	v.SetDefault("dht.check_predecessor_interval", 10*time.Second)
	v.SetDefault("dht.sweep_interval", time.Minute)

	v.SetDefault("network.proxy", "")
	v.SetDefault("network.dial_timeout", 10*time.Second)
	v.SetDefault("network.io_timeout", 30*time.Second)
	v.SetDefault("network.idle_timeout", 5*time.Minute)
	v.SetDefault("network.dial_retries", 3)

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.dir", "")

	v.SetDefault("tor.enable", false)
	v.SetDefault("tor.exe_path", "")
	v.SetDefault("tor.data_dir", "")
	v.SetDefault("tor.socks_port", 0)
}

// Load reads the file at path, if any, over the defaults. Environment
// variables such as RINGDHT_DHT_BOOTSTRAP override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ringdht")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	p2p, err := netip.ParseAddrPort(c.DHT.P2PAddress)
	if err != nil {
		return fmt.Errorf("%w: dht.p2p_address: %v", ErrInvalid, err)
	}
	if p2p.Addr().IsUnspecified() {
		return fmt.Errorf("%w: dht.p2p_address %s has no concrete IP", ErrInvalid, p2p)
	}
	// peers exchange addresses without zones
	if p2p.Addr().Zone() != "" {
		return fmt.Errorf("%w: dht.p2p_address %s has a zone", ErrInvalid, p2p)
	}
	if c.DHT.APIAddress == "" {
		return fmt.Errorf("%w: dht.api_address is empty", ErrInvalid)
	}
	if c.DHT.Bootstrap != "" {
		boot, err := netip.ParseAddrPort(c.DHT.Bootstrap)
		if err != nil {
			return fmt.Errorf("%w: dht.bootstrap: %v", ErrInvalid, err)
		}
		if boot.Addr().Zone() != "" {
			return fmt.Errorf("%w: dht.bootstrap %s has a zone", ErrInvalid, boot)
		}
	}
	if c.DHT.MaxReplication == 0 {
		return fmt.Errorf("%w: dht.max_replication must be at least 1", ErrInvalid)
	}

	switch c.Storage.Backend {
	case BackendMemory, BackendBadger:
	default:
		return fmt.Errorf("%w: unknown storage.backend %q", ErrInvalid, c.Storage.Backend)
	}
	return nil
}

// P2PAddrPort is the parsed peer address. Only valid after Validate.
func (c *Config) P2PAddrPort() netip.AddrPort {
	return netip.MustParseAddrPort(c.DHT.P2PAddress)
}

// BootstrapAddrPort returns the bootstrap peer and whether one is set.
func (c *Config) BootstrapAddrPort() (netip.AddrPort, bool) {
	if c.DHT.Bootstrap == "" {
		return netip.AddrPort{}, false
	}
	return netip.MustParseAddrPort(c.DHT.Bootstrap), true
}
