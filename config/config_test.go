package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gary0122g/EnergyGateway/task"
)

const sample = `
Listen = "0.0.0.0:9000"
Workers = 8

[Backend]
URL = "https://backend.example"
Secret = "s3cret"
GatewayID = "gw-7"

[Harvest]
Interval = "1.5s"
FlushEvery = 20

[[Devices]]
SN = "INV1"
Host = "192.168.1.20"
[Devices.Registers]
40001 = 230.0

[Hosts]
INV2 = "192.168.1.21"
`

func TestDefaultMatchesTaskDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, task.DefaultConfig(), cfg.TaskConfig())
}

func TestDecode(t *testing.T) {
	cfg := Default()
	require.NoError(t, Decode(strings.NewReader(sample), cfg))

	require.Equal(t, "0.0.0.0:9000", cfg.Listen)
	require.Equal(t, 8, cfg.Workers)
	require.Equal(t, "gw-7", cfg.Backend.GatewayID)
	require.Equal(t, 1500*time.Millisecond, cfg.TaskConfig().HarvestInterval)
	require.Equal(t, 20, cfg.TaskConfig().FlushEvery)
	require.Equal(t, task.DefaultMaxBackoff, cfg.TaskConfig().MaxBackoff, "unset keys keep defaults")

	sims := cfg.SimConfigs()
	require.Len(t, sims, 1)
	require.Equal(t, 230.0, sims[0].Registers["40001"])
	require.Equal(t, map[string]string{"INV1": "192.168.1.20", "INV2": "192.168.1.21"}, cfg.ScannerHosts())
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	err := Decode(strings.NewReader(`Listn = "x"`), Default())
	require.ErrorContains(t, err, "unknown config keys")
}

func TestLoadWithEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	t.Setenv("GATEWAY_LISTEN", "127.0.0.1:7000")
	t.Setenv("GATEWAY_HARVEST_MAX_BACKOFF", "2m")
	t.Setenv("GATEWAY_BACKEND_GATEWAY_ID", "gw-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7000", cfg.Listen)
	require.Equal(t, 2*time.Minute, cfg.TaskConfig().MaxBackoff)
	require.Equal(t, "gw-env", cfg.Backend.GatewayID)
	require.Equal(t, 8, cfg.Workers, "file values survive")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"workers":      func(c *Config) { c.Workers = 0 },
		"backoff":      func(c *Config) { c.Harvest.MaxBackoff = Duration(time.Millisecond) },
		"decay":        func(c *Config) { c.Harvest.BackoffDecay = 1.5 },
		"retry delay":  func(c *Config) { c.Reconnect.RetryDelay = 0 },
		"poll":         func(c *Config) { c.Transport.Poll = 0 },
		"timeout":      func(c *Config) { c.Transport.Timeout = Duration(-time.Second) },
		"settings":     func(c *Config) { c.Settings.Interval = 0 },
		"secret":       func(c *Config) { c.Backend.URL = "http://x" },
		"duplicate sn": func(c *Config) { c.Devices = []Device{{SN: "A"}, {SN: "A"}} },
		"empty sn":     func(c *Config) { c.Devices = []Device{{Host: "h"}} },
	} {
		cfg := Default()
		mutate(cfg)
		require.Error(t, cfg.Validate(), name)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Default()))
	require.Contains(t, buf.String(), `Interval = "1s"`)

	cfg := Default()
	cfg.Workers = 1
	require.NoError(t, Decode(&buf, cfg))
	require.Equal(t, Default(), cfg)
}

func TestLoadRejectsZeroDurations(t *testing.T) {
	for _, env := range []string{
		"GATEWAY_RECONNECT_RETRY_DELAY",
		"GATEWAY_TRANSPORT_POLL",
		"GATEWAY_TRANSPORT_TIMEOUT",
		"GATEWAY_SETTINGS_INTERVAL",
	} {
		t.Run(env, func(t *testing.T) {
			t.Setenv(env, "0s")
			_, err := Load("")
			require.ErrorContains(t, err, "must be positive")
		})
	}
}
