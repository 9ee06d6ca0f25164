package task

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"

	"github.com/gary0122g/EnergyGateway/api"
	"github.com/gary0122g/EnergyGateway/blackboard"
	"github.com/gary0122g/EnergyGateway/device"
	"github.com/gary0122g/EnergyGateway/scheduler"
)

var log = logging.Logger("task")

// Defaults for Config
const (
	DefaultHarvestInterval   = 1000 * time.Millisecond
	DefaultMaxBackoff        = 256000 * time.Millisecond
	DefaultBackoffDecay      = 0.9
	DefaultFlushEvery        = 10
	DefaultVerboseEvery      = 10
	DefaultRetryDelay        = 10 * time.Second
	DefaultRescanEvery       = 3
	DefaultTransportPoll     = 100 * time.Millisecond
	DefaultTransportAttempts = 5
	DefaultTransportTimeout  = 30 * time.Second
	DefaultSettingsInterval  = 5 * time.Second
)

// Config tunes the task behaviour
type Config struct {
	HarvestInterval   time.Duration // Polling interval floor
	MaxBackoff        time.Duration // Polling interval cap
	BackoffDecay      float64       // Applied to the interval after a successful read
	FlushEvery        int           // Successful harvests per transport batch
	VerboseEvery      int           // Read attempts per verbose read
	RetryDelay        time.Duration // Delay between reconnect attempts
	RescanEvery       int           // Failed reconnects per host rescan
	TransportPoll     time.Duration // Re-check interval while a POST is in flight
	TransportAttempts int           // POST attempts before a batch is given up
	TransportTimeout  time.Duration // Timeout of a single POST
	SettingsInterval  time.Duration
}

// DefaultConfig returns the standard task configuration
func DefaultConfig() Config {
	return Config{
		HarvestInterval:   DefaultHarvestInterval,
		MaxBackoff:        DefaultMaxBackoff,
		BackoffDecay:      DefaultBackoffDecay,
		FlushEvery:        DefaultFlushEvery,
		VerboseEvery:      DefaultVerboseEvery,
		RetryDelay:        DefaultRetryDelay,
		RescanEvery:       DefaultRescanEvery,
		TransportPoll:     DefaultTransportPoll,
		TransportAttempts: DefaultTransportAttempts,
		TransportTimeout:  DefaultTransportTimeout,
		SettingsInterval:  DefaultSettingsInterval,
	}
}

// Backend receives harvest batches
type Backend interface {
	PostHarvest(ctx context.Context, batch api.HarvestBatch) error
}

// Store archives harvest batches and settings locally
type Store interface {
	SaveHarvest(batch api.HarvestBatch) (int, error)
	SaveSetting(key, value string, at time.Time) error
}

// Env carries the collaborators shared by every task. Store, Backend and
// Scanner are optional.
type Env struct {
	Board     *blackboard.Blackboard
	Scheduler scheduler.TaskScheduler
	Clock     clock.Clock
	Config    Config

	Store   Store
	Backend Backend
	Scanner device.Scanner
}
