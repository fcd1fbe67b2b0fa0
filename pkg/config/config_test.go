package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, "127.0.0.1:6001", c.DHT.P2PAddress)
	assert.Equal(t, uint8(4), c.DHT.MaxReplication)
	assert.Equal(t, 5*time.Second, c.DHT.StabilizeInterval)
	assert.Equal(t, BackendMemory, c.Storage.Backend)
	assert.False(t, c.Tor.Enable)

	_, ok := c.BootstrapAddrPort()
	assert.False(t, ok)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "node.yaml", `
log:
  level: debug
dht:
  p2p_address: 10.1.2.3:6002
  api_address: 127.0.0.1:7002
  bootstrap: 10.1.2.4:6001
  max_replication: 2
  stabilize_interval: 750ms
storage:
  backend: badger
  dir: /var/lib/ringdht
`)

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "10.1.2.3:6002", c.P2PAddrPort().String())
	assert.Equal(t, uint8(2), c.DHT.MaxReplication)
	assert.Equal(t, 750*time.Millisecond, c.DHT.StabilizeInterval)
	assert.Equal(t, 2*time.Second, c.DHT.FixFingersInterval, "unset keys keep defaults")
	assert.Equal(t, BackendBadger, c.Storage.Backend)
	assert.Equal(t, "/var/lib/ringdht", c.Storage.Dir)

	boot, ok := c.BootstrapAddrPort()
	require.True(t, ok)
	assert.Equal(t, "10.1.2.4:6001", boot.String())
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "node.toml", `
[dht]
p2p_address = "192.168.1.10:6001"
api_address = "192.168.1.10:7001"

[tor]
enable = true
socks_port = 9150
`)

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.10:6001", c.DHT.P2PAddress)
	assert.True(t, c.Tor.Enable)
	assert.Equal(t, 9150, c.Tor.SocksPort)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("RINGDHT_DHT_BOOTSTRAP", "10.0.0.9:6001")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9:6001", c.DHT.Bootstrap)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c, err := Load("")
		require.NoError(t, err)
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad p2p address", func(c *Config) { c.DHT.P2PAddress = "localhost" }},
		{"unspecified p2p address", func(c *Config) { c.DHT.P2PAddress = "0.0.0.0:6001" }},
		{"zoned p2p address", func(c *Config) { c.DHT.P2PAddress = "[fe80::1%eth0]:6001" }},
		{"empty api address", func(c *Config) { c.DHT.APIAddress = "" }},
		{"bad bootstrap", func(c *Config) { c.DHT.Bootstrap = "somewhere" }},
		{"zoned bootstrap", func(c *Config) { c.DHT.Bootstrap = "[fe80::2%eth0]:6001" }},
		{"zero replication", func(c *Config) { c.DHT.MaxReplication = 0 }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.ErrorIs(t, c.Validate(), ErrInvalid)
		})
	}
}
