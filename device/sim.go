package device

import (
	"sort"
	"sync"

	"golang.org/x/xerrors"
)

// SimConfig describes a simulated device
type SimConfig struct {
	SN           string
	Host         string
	Registers    map[string]float64 // Base register values, incremented on every read
	FailReads    int                // Number of initial reads that time out
	FailConnects int                // Number of initial connects that fail
}

// simState is the "physical" device shared by every clone
type simState struct {
	mu           sync.Mutex
	cfg          SimConfig
	host         string
	reads        int
	failReads    int
	failConnects int
}

// Simulated is an in-memory device producing synthetic register values.
// It lets the gateway run end to end without hardware.
type Simulated struct {
	state *simState
	host  string
	open  bool
}

var _ Device = (*Simulated)(nil)

// NewSimulated creates a simulated device
func NewSimulated(cfg SimConfig) *Simulated {
	return &Simulated{
		state: &simState{
			cfg:          cfg,
			host:         cfg.Host,
			failReads:    cfg.FailReads,
			failConnects: cfg.FailConnects,
		},
		host: cfg.Host,
	}
}

func (d *Simulated) SN() string   { return d.state.cfg.SN }
func (d *Simulated) Host() string { return d.host }

func (d *Simulated) IsOpen() bool { return d.open }

// IsTerminated is always false: simulated hardware is never shut down
func (d *Simulated) IsTerminated() bool { return false }

// Connect succeeds once the configured connect failures are used up and the
// device is bound to the host the simulated hardware answers on
func (d *Simulated) Connect() error {
	s := d.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.host != s.host {
		return &HarvestError{Kind: KindTimeout, Op: "connect", Err: xerrors.Errorf("no device at %s", d.host)}
	}
	if s.failConnects > 0 {
		s.failConnects--
		return &HarvestError{Kind: KindTimeout, Op: "connect", Err: xerrors.New("connection refused")}
	}
	d.open = true
	return nil
}

func (d *Simulated) Disconnect() error {
	d.open = false
	return nil
}

// Move changes the host the simulated hardware answers on, as after a DHCP
// lease change
func (d *Simulated) Move(host string) {
	d.state.mu.Lock()
	d.state.host = host
	d.state.mu.Unlock()
}

// FailNextReads makes the next n reads time out
func (d *Simulated) FailNextReads(n int) {
	d.state.mu.Lock()
	d.state.failReads = n
	d.state.mu.Unlock()
}

// Clone returns an unconnected device sharing the simulated hardware
func (d *Simulated) Clone(host string) Device {
	if host == "" {
		host = d.host
	}
	return &Simulated{state: d.state, host: host}
}

// ReadHarvestData returns every base register plus the read count. Verbose
// reads add the static identification registers.
func (d *Simulated) ReadHarvestData(verbose bool) (Registers, error) {
	if !d.open {
		return nil, &HarvestError{Kind: KindClosed, Op: "read", Err: xerrors.New("device not open")}
	}

	s := d.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failReads > 0 {
		s.failReads--
		return nil, &HarvestError{Kind: KindTimeout, Op: "read", Err: xerrors.New("no response")}
	}

	s.reads++
	regs := make(Registers, len(s.cfg.Registers)+2)
	for addr, base := range s.cfg.Registers {
		regs[addr] = base + float64(s.reads)
	}
	if verbose {
		regs["sn"] = s.cfg.SN
		regs["host"] = d.host
	}
	return regs, nil
}

// StaticScanner answers host lookups from a fixed table
type StaticScanner struct {
	mu    sync.Mutex
	hosts map[string]string
}

var _ Scanner = (*StaticScanner)(nil)

// NewStaticScanner creates a scanner from a serial to host table
func NewStaticScanner(hosts map[string]string) *StaticScanner {
	m := make(map[string]string, len(hosts))
	for sn, host := range hosts {
		m[sn] = host
	}
	return &StaticScanner{hosts: m}
}

// Set records the current host of a device
func (s *StaticScanner) Set(sn, host string) {
	s.mu.Lock()
	s.hosts[sn] = host
	s.mu.Unlock()
}

func (s *StaticScanner) FindDevice(sn string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	host, ok := s.hosts[sn]
	return host, ok
}

// Known returns the serials the scanner knows about, sorted
func (s *StaticScanner) Known() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	sns := make([]string, 0, len(s.hosts))
	for sn := range s.hosts {
		sns = append(sns, sn)
	}
	sort.Strings(sns)
	return sns
}
