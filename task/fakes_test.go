package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/raulk/clock"

	"github.com/gary0122g/EnergyGateway/api"
	"github.com/gary0122g/EnergyGateway/blackboard"
	"github.com/gary0122g/EnergyGateway/device"
	"github.com/gary0122g/EnergyGateway/scheduler"
)

var errTimeout = &device.HarvestError{Kind: device.KindTimeout, Op: "read", Err: errors.New("no response")}

type fakeDevice struct {
	sn         string
	host       string
	open       bool
	terminated bool

	reads         int
	verbose       []bool
	readFn        func(call int) (device.Registers, error)
	connectFn     func() error
	connects      int
	disconnects   int
	disconnectErr error
}

func newFakeDevice(sn string) *fakeDevice {
	return &fakeDevice{sn: sn, host: "10.0.0.1", open: true}
}

func (d *fakeDevice) SN() string         { return d.sn }
func (d *fakeDevice) Host() string       { return d.host }
func (d *fakeDevice) IsOpen() bool       { return d.open }
func (d *fakeDevice) IsTerminated() bool { return d.terminated }

func (d *fakeDevice) Connect() error {
	d.connects++
	if d.connectFn != nil {
		if err := d.connectFn(); err != nil {
			return err
		}
	}
	d.open = true
	return nil
}

func (d *fakeDevice) Disconnect() error {
	d.disconnects++
	d.open = false
	return d.disconnectErr
}

func (d *fakeDevice) Clone(host string) device.Device {
	if host == "" {
		host = d.host
	}
	return &fakeDevice{sn: d.sn, host: host, readFn: d.readFn, connectFn: d.connectFn}
}

func (d *fakeDevice) ReadHarvestData(verbose bool) (device.Registers, error) {
	call := d.reads
	d.reads++
	d.verbose = append(d.verbose, verbose)
	if d.readFn == nil {
		return device.Registers{"1": call}, nil
	}
	return d.readFn(call)
}

func newTestEnv(t *testing.T) (*Env, *scheduler.Scheduler, *clock.Mock) {
	t.Helper()
	mClock := clock.NewMock()
	mClock.Set(time.Unix(1700000000, 0))
	s := scheduler.NewScheduler(2, scheduler.WithClock(mClock))
	env := &Env{
		Board:     blackboard.New(100, mClock.Now),
		Scheduler: s,
		Clock:     mClock,
		Config:    DefaultConfig(),
	}
	return env, s, mClock
}

// registered puts an open device in the registry without starting a harvest
func registered(env *Env, dev device.Device) {
	env.Board.Add(dev)
}

type fakeStore struct {
	mu       sync.Mutex
	batches  []api.HarvestBatch
	settings map[string]string
	err      error
}

func (s *fakeStore) SaveHarvest(batch api.HarvestBatch) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.batches = append(s.batches, batch)
	return len(batch.Samples), nil
}

func (s *fakeStore) SaveSetting(key, value string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.settings == nil {
		s.settings = make(map[string]string)
	}
	s.settings[key] = value
	return nil
}

func (s *fakeStore) Batches() []api.HarvestBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.HarvestBatch(nil), s.batches...)
}

type fakeBackend struct {
	mu      sync.Mutex
	posts   []api.HarvestBatch
	failFor int
	block   chan struct{}
}

func (b *fakeBackend) PostHarvest(ctx context.Context, batch api.HarvestBatch) error {
	if b.block != nil {
		<-b.block
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.posts = append(b.posts, batch)
	if len(b.posts) <= b.failFor {
		return errors.New("backend unavailable")
	}
	return nil
}

func (b *fakeBackend) Posts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.posts)
}
