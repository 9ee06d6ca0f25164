package device

import (
	"errors"
	"fmt"
)

// Registers maps a register address to its decoded value
type Registers map[string]any

// Device is a polled inverter or meter. Wire protocols (Modbus TCP/RTU,
// Solarman, Sunspec) live behind this interface.
type Device interface {
	// SN returns the stable identity used to deduplicate devices
	SN() string

	// Host returns the address the device is currently bound to
	Host() string

	// Connect opens the transport
	Connect() error

	IsOpen() bool

	// IsTerminated reports that the device was shut down and must not be
	// polled any longer
	IsTerminated() bool

	Disconnect() error

	// Clone returns a fresh, unconnected device with the same identity.
	// An empty host keeps the current one.
	Clone(host string) Device

	// ReadHarvestData reads one sample. Failures are reported as *HarvestError.
	ReadHarvestData(verbose bool) (Registers, error)
}

// Scanner rediscovers devices whose address may have changed
type Scanner interface {
	FindDevice(sn string) (host string, ok bool)
}

// ErrorKind classifies read failures
type ErrorKind int

const (
	// KindTimeout is a transient failure: no answer in time
	KindTimeout ErrorKind = iota
	// KindProtocol is a transient failure: a malformed or rejected answer
	KindProtocol
	// KindClosed means the transport is gone and polling cannot recover
	KindClosed
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindClosed:
		return "closed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// HarvestError describes a failed device operation
type HarvestError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *HarvestError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *HarvestError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a harvest error. Errors that are not
// *HarvestError count as protocol errors.
func KindOf(err error) ErrorKind {
	var he *HarvestError
	if errors.As(err, &he) {
		return he.Kind
	}
	return KindProtocol
}
