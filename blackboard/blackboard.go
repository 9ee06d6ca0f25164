// Package blackboard holds the state shared by scheduler tasks: the open
// devices, pending settings and the info/error message log.
//
// A Blackboard is owned by the scheduler goroutine. Tasks mutate it directly;
// other goroutines go through scheduler.Call.
package blackboard

import (
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/gary0122g/EnergyGateway/device"
	"github.com/gary0122g/EnergyGateway/metrics"
)

var log = logging.Logger("blackboard")

// EventKind tells subscribers what happened to a device
type EventKind int

const (
	DeviceAdded EventKind = iota
	DeviceRemoved
)

func (k EventKind) String() string {
	if k == DeviceAdded {
		return "added"
	}
	return "removed"
}

// Event is queued by Add and Remove
type Event struct {
	Kind   EventKind
	Device device.Device
}

// Listener consumes registry events on the scheduler goroutine
type Listener func(Event)

// Blackboard is the device registry
type Blackboard struct {
	devices   []device.Device
	settings  map[string]string
	messages  *MessageLog
	listeners []Listener

	events      []Event
	dispatching bool

	lastSeen map[string]time.Time
	now      func() time.Time
}

// New creates an empty blackboard keeping up to maxMessages log entries
func New(maxMessages int, now func() time.Time) *Blackboard {
	if now == nil {
		now = time.Now
	}
	return &Blackboard{
		settings: make(map[string]string),
		messages: NewMessageLog(maxMessages),
		lastSeen: make(map[string]time.Time),
		now:      now,
	}
}

// Subscribe registers a listener for DeviceAdded and DeviceRemoved events
func (b *Blackboard) Subscribe(l Listener) {
	b.listeners = append(b.listeners, l)
}

// Add registers an open device. A device whose serial is already present is
// ignored and Add returns false.
func (b *Blackboard) Add(dev device.Device) bool {
	if b.FindSN(dev.SN()) != nil {
		log.Warnw("device already registered", "sn", dev.SN())
		return false
	}
	b.devices = append(b.devices, dev)
	b.lastSeen[dev.SN()] = b.now()
	metrics.Gateway.OpenDevices.Set(float64(len(b.devices)))
	b.Info("device %s online at %s", dev.SN(), dev.Host())

	b.emit(Event{Kind: DeviceAdded, Device: dev})
	return true
}

// Remove drops the device with the same serial. It returns false when no such
// device is registered.
func (b *Blackboard) Remove(dev device.Device) bool {
	for i, d := range b.devices {
		if d.SN() != dev.SN() {
			continue
		}
		b.devices = append(b.devices[:i], b.devices[i+1:]...)
		metrics.Gateway.OpenDevices.Set(float64(len(b.devices)))
		b.Info("device %s offline", dev.SN())

		b.emit(Event{Kind: DeviceRemoved, Device: d})
		return true
	}
	return false
}

// FindSN returns the registered device with the given serial, or nil
func (b *Blackboard) FindSN(sn string) device.Device {
	for _, d := range b.devices {
		if d.SN() == sn {
			return d
		}
	}
	return nil
}

// Devices returns the open devices in registration order
func (b *Blackboard) Devices() []device.Device {
	out := make([]device.Device, len(b.devices))
	copy(out, b.devices)
	return out
}

// Touch records a successful harvest for a device
func (b *Blackboard) Touch(sn string) {
	b.lastSeen[sn] = b.now()
}

// LastSeen returns the time of the last successful harvest or registration
func (b *Blackboard) LastSeen(sn string) (time.Time, bool) {
	t, ok := b.lastSeen[sn]
	return t, ok
}

// emit queues an event and, unless a dispatch is already running further up
// the stack, delivers the queue to every listener in order.
func (b *Blackboard) emit(ev Event) {
	b.events = append(b.events, ev)
	if b.dispatching {
		return
	}

	b.dispatching = true
	defer func() { b.dispatching = false }()

	for len(b.events) > 0 {
		ev := b.events[0]
		b.events = b.events[1:]
		for _, l := range b.listeners {
			l(ev)
		}
	}
}

// SetPending queues a setting change
func (b *Blackboard) SetPending(key, value string) {
	b.settings[key] = value
}

// PendingSettings returns a copy of the queued setting changes
func (b *Blackboard) PendingSettings() map[string]string {
	out := make(map[string]string, len(b.settings))
	for k, v := range b.settings {
		out[k] = v
	}
	return out
}

// TakePendingSettings returns and clears the queued setting changes
func (b *Blackboard) TakePendingSettings() map[string]string {
	out := b.settings
	b.settings = make(map[string]string)
	return out
}

// Messages returns the message log
func (b *Blackboard) Messages() *MessageLog {
	return b.messages
}

// Info records an informational message
func (b *Blackboard) Info(format string, args ...any) {
	b.messages.Add(b.now(), LevelInfo, format, args...)
}

// Error records an error message
func (b *Blackboard) Error(format string, args ...any) {
	b.messages.Add(b.now(), LevelError, format, args...)
}
