package config

import (
	"encoding"
	"io"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/xerrors"

	"github.com/gary0122g/EnergyGateway/device"
	"github.com/gary0122g/EnergyGateway/task"
)

// EnvPrefix prefixes the environment overrides, e.g. GATEWAY_LISTEN
const EnvPrefix = "gateway"

// Config is the gateway configuration
type Config struct {
	// Address of the local REST API
	Listen string
	// Path of the sqlite archive
	DBPath string `split_words:"true"`
	// Level of every logger, e.g. "info" or "debug"
	LogLevel string `split_words:"true"`
	// Size of the blocking worker pool
	Workers int
	// Number of messages kept on the blackboard
	MessageLogSize int `split_words:"true"`

	Backend   Backend
	Harvest   Harvest
	Reconnect Reconnect
	Transport Transport
	Settings  Settings

	// Devices started at boot
	Devices []Device `ignored:"true"`
	// Known device addresses by serial number, used when rescanning
	Hosts map[string]string `ignored:"true"`
}

// Backend configures harvest uploads. Uploads are disabled without URL.
type Backend struct {
	URL       string
	Secret    string
	GatewayID string `split_words:"true"`
}

type Harvest struct {
	// Polling interval floor
	Interval Duration
	// Polling interval cap
	MaxBackoff Duration `split_words:"true"`
	// Factor applied to the polling interval after a successful read
	BackoffDecay float64 `split_words:"true"`
	// Successful reads per uploaded batch
	FlushEvery int `split_words:"true"`
	// Reads per verbose read
	VerboseEvery int `split_words:"true"`
}

type Reconnect struct {
	RetryDelay  Duration `split_words:"true"`
	RescanEvery int      `split_words:"true"`
}

type Transport struct {
	Poll        Duration
	MaxAttempts int `split_words:"true"`
	Timeout     Duration
}

type Settings struct {
	Interval Duration
}

// Device describes a simulated device
type Device struct {
	SN           string
	Host         string
	Registers    map[string]float64
	FailConnects int
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Listen:         "127.0.0.1:8080",
		DBPath:         "gateway.db",
		LogLevel:       "info",
		Workers:        4,
		MessageLogSize: 200,
		Harvest: Harvest{
			Interval:     Duration(task.DefaultHarvestInterval),
			MaxBackoff:   Duration(task.DefaultMaxBackoff),
			BackoffDecay: task.DefaultBackoffDecay,
			FlushEvery:   task.DefaultFlushEvery,
			VerboseEvery: task.DefaultVerboseEvery,
		},
		Reconnect: Reconnect{
			RetryDelay:  Duration(task.DefaultRetryDelay),
			RescanEvery: task.DefaultRescanEvery,
		},
		Transport: Transport{
			Poll:        Duration(task.DefaultTransportPoll),
			MaxAttempts: task.DefaultTransportAttempts,
			Timeout:     Duration(task.DefaultTransportTimeout),
		},
		Settings: Settings{
			Interval: Duration(task.DefaultSettingsInterval),
		},
	}
}

// Load reads the TOML file at path over the defaults and applies GATEWAY_*
// environment overrides. An empty path loads the defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, xerrors.Errorf("opening config: %w", err)
		}
		defer f.Close() //nolint:errcheck
		if err := Decode(f, cfg); err != nil {
			return nil, xerrors.Errorf("loading %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, xerrors.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode reads TOML into cfg and rejects unknown keys
func Decode(r io.Reader, cfg *Config) error {
	md, err := toml.NewDecoder(r).Decode(cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return xerrors.Errorf("unknown config keys: %v", undecoded)
	}
	return nil
}

// Encode writes cfg as TOML
func Encode(w io.Writer, cfg *Config) error {
	return toml.NewEncoder(w).Encode(cfg)
}

// Validate checks the values the gateway cannot run with
func (c *Config) Validate() error {
	switch {
	case c.Workers < 1:
		return xerrors.Errorf("workers must be positive, got %d", c.Workers)
	case c.Harvest.Interval <= 0:
		return xerrors.New("harvest interval must be positive")
	case c.Harvest.MaxBackoff < c.Harvest.Interval:
		return xerrors.Errorf("max backoff %s is below the harvest interval %s", c.Harvest.MaxBackoff, c.Harvest.Interval)
	case c.Harvest.BackoffDecay <= 0 || c.Harvest.BackoffDecay > 1:
		return xerrors.Errorf("backoff decay must be in (0, 1], got %v", c.Harvest.BackoffDecay)
	case c.Harvest.FlushEvery < 1 || c.Harvest.VerboseEvery < 1:
		return xerrors.New("flush and verbose counts must be positive")
	case c.Reconnect.RescanEvery < 1:
		return xerrors.New("rescan count must be positive")
	case c.Transport.MaxAttempts < 1:
		return xerrors.New("transport attempts must be positive")
	case c.Reconnect.RetryDelay <= 0:
		return xerrors.New("reconnect retry delay must be positive")
	case c.Transport.Poll <= 0 || c.Transport.Timeout <= 0:
		return xerrors.New("transport poll interval and timeout must be positive")
	case c.Settings.Interval <= 0:
		return xerrors.New("settings interval must be positive")
	case c.Backend.URL != "" && c.Backend.Secret == "":
		return xerrors.New("backend url requires a secret")
	}

	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if d.SN == "" {
			return xerrors.New("device without serial number")
		}
		if seen[d.SN] {
			return xerrors.Errorf("device %s configured twice", d.SN)
		}
		seen[d.SN] = true
	}
	return nil
}

// TaskConfig returns the task tuning of the configuration
func (c *Config) TaskConfig() task.Config {
	return task.Config{
		HarvestInterval:   time.Duration(c.Harvest.Interval),
		MaxBackoff:        time.Duration(c.Harvest.MaxBackoff),
		BackoffDecay:      c.Harvest.BackoffDecay,
		FlushEvery:        c.Harvest.FlushEvery,
		VerboseEvery:      c.Harvest.VerboseEvery,
		RetryDelay:        time.Duration(c.Reconnect.RetryDelay),
		RescanEvery:       c.Reconnect.RescanEvery,
		TransportPoll:     time.Duration(c.Transport.Poll),
		TransportAttempts: c.Transport.MaxAttempts,
		TransportTimeout:  time.Duration(c.Transport.Timeout),
		SettingsInterval:  time.Duration(c.Settings.Interval),
	}
}

// SimConfigs returns the simulated devices to start
func (c *Config) SimConfigs() []device.SimConfig {
	out := make([]device.SimConfig, 0, len(c.Devices))
	for _, d := range c.Devices {
		out = append(out, device.SimConfig{
			SN:           d.SN,
			Host:         d.Host,
			Registers:    d.Registers,
			FailConnects: d.FailConnects,
		})
	}
	return out
}

// ScannerHosts returns the address book of the device scanner: configured
// device hosts overridden by Hosts
func (c *Config) ScannerHosts() map[string]string {
	hosts := make(map[string]string, len(c.Devices)+len(c.Hosts))
	for _, d := range c.Devices {
		hosts[d.SN] = d.Host
	}
	for sn, host := range c.Hosts {
		hosts[sn] = host
	}
	return hosts
}

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a wrapper type for time.Duration
// for decoding and encoding from/to TOML and the environment
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return nil
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}

func (dur Duration) String() string {
	return time.Duration(dur).String()
}
