package task

import (
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/gary0122g/EnergyGateway/api"
	"github.com/gary0122g/EnergyGateway/device"
	"github.com/gary0122g/EnergyGateway/metrics"
	"github.com/gary0122g/EnergyGateway/scheduler"
)

// Harvest polls one open device. The polling interval doubles on every failed
// read up to Config.MaxBackoff and decays by Config.BackoffDecay on every
// successful read down to Config.HarvestInterval. A read failing while the
// interval is saturated hands the device over to a DevicePerpetualTask.
type Harvest struct {
	scheduler.BaseTask
	env *Env
	dev device.Device

	backoff   time.Duration
	barn      map[int64]device.Registers
	attempts  int
	successes int
	failures  int // consecutive
	lastErr   error
}

// NewHarvest creates the harvest task of an open device
func NewHarvest(env *Env, dev device.Device, due time.Time) *Harvest {
	h := &Harvest{
		BaseTask: scheduler.BaseTask{TaskName: "harvest:" + dev.SN(), DueAt: due},
		env:      env,
		dev:      dev,
		backoff:  env.Config.HarvestInterval,
		barn:     make(map[int64]device.Registers),
	}
	metrics.Gateway.HarvestBackoff.WithLabelValues(dev.SN()).Set(float64(h.backoff.Milliseconds()))
	return h
}

// Device returns the polled device
func (h *Harvest) Device() device.Device { return h.dev }

// Backoff returns the current polling interval
func (h *Harvest) Backoff() time.Duration { return h.backoff }

// Failures returns the number of consecutive failed reads
func (h *Harvest) Failures() int { return h.failures }

// LastError returns the error of the last failed read
func (h *Harvest) LastError() error { return h.lastErr }

// Barn returns a copy of the samples not yet handed to a transport task
func (h *Harvest) Barn() map[int64]device.Registers {
	out := make(map[int64]device.Registers, len(h.barn))
	for k, v := range h.barn {
		out[k] = v
	}
	return out
}

// Execute runs one polling cycle
func (h *Harvest) Execute(now time.Time) ([]scheduler.Task, error) {
	if h.dev.IsTerminated() || !h.dev.IsOpen() {
		log.Infow("device no longer open", "sn", h.dev.SN())
		return h.terminate(now, "device closed"), nil
	}

	verbose := h.attempts%h.env.Config.VerboseEvery == 0
	h.attempts++

	start := h.env.Clock.Now()
	regs, err := read(h.dev, verbose)
	elapsed := h.env.Clock.Now().Sub(start)

	if err != nil {
		return h.failed(now, elapsed, err), nil
	}
	return h.harvested(now, elapsed, regs), nil
}

func (h *Harvest) harvested(now time.Time, elapsed time.Duration, regs device.Registers) []scheduler.Task {
	sn := h.dev.SN()
	metrics.Gateway.HarvestReads.WithLabelValues(sn, metrics.ResultOK).Inc()
	if h.failures > 0 {
		log.Infow("device recovered", "sn", sn, "failures", h.failures)
	}
	h.failures = 0
	h.lastErr = nil
	h.env.Board.Touch(sn)

	h.barn[now.UnixMilli()] = regs
	h.successes++

	if h.backoff > h.env.Config.HarvestInterval {
		h.backoff = time.Duration(math.Round(float64(h.backoff) * h.env.Config.BackoffDecay))
		if h.backoff < h.env.Config.HarvestInterval {
			h.backoff = h.env.Config.HarvestInterval
		}
	}
	metrics.Gateway.HarvestBackoff.WithLabelValues(sn).Set(float64(h.backoff.Milliseconds()))

	// keep the cadence: the time spent reading comes out of the wait
	if elapsed < h.backoff {
		h.SetDue(now.Add(h.backoff))
	} else {
		h.SetDue(now.Add(elapsed + h.backoff))
	}

	if h.successes%h.env.Config.FlushEvery == 0 {
		return []scheduler.Task{h, h.flush(now)}
	}
	return []scheduler.Task{h}
}

func (h *Harvest) failed(now time.Time, elapsed time.Duration, err error) []scheduler.Task {
	sn := h.dev.SN()
	metrics.Gateway.HarvestReads.WithLabelValues(sn, device.KindOf(err).String()).Inc()
	h.failures++
	h.lastErr = err

	if device.KindOf(err) == device.KindClosed || h.backoff >= h.env.Config.MaxBackoff {
		log.Warnw("device unreachable", "sn", sn, "failures", h.failures, "error", err)
		return h.terminate(now, err.Error())
	}

	h.backoff *= 2
	if h.backoff > h.env.Config.MaxBackoff {
		h.backoff = h.env.Config.MaxBackoff
	}
	metrics.Gateway.HarvestBackoff.WithLabelValues(sn).Set(float64(h.backoff.Milliseconds()))
	log.Debugw("harvest failed", "sn", sn, "failures", h.failures, "backoff", h.backoff, "error", err)

	h.SetDue(now.Add(elapsed + h.backoff))
	return []scheduler.Task{h}
}

// terminate disconnects the device, removes it from the registry and returns
// the tasks taking over: a transport for pending samples and a reconnect task.
func (h *Harvest) terminate(now time.Time, reason string) []scheduler.Task {
	sn := h.dev.SN()
	if err := h.dev.Disconnect(); err != nil {
		log.Warnw("disconnect failed", "sn", sn, "error", err)
	}
	h.env.Board.Remove(h.dev)
	h.env.Board.Error("device %s unreachable: %s", sn, reason)
	metrics.Gateway.HarvestBackoff.DeleteLabelValues(sn)

	var next []scheduler.Task
	if len(h.barn) > 0 {
		next = append(next, h.flush(now))
	}
	return append(next, NewDevicePerpetualTask(h.env, h.dev.Clone(""), now.Add(h.env.Config.RetryDelay)))
}

// flush moves the barn into a new transport task
func (h *Harvest) flush(now time.Time) *HarvestTransport {
	batch := api.NewHarvestBatch(uuid.NewString(), h.dev.SN(), h.barn)
	h.barn = make(map[int64]device.Registers)
	return NewHarvestTransport(h.env, batch, now)
}

// read treats a panic in the device driver as a protocol error
func read(dev device.Device, verbose bool) (regs device.Registers, err error) {
	defer func() {
		if r := recover(); r != nil {
			regs = nil
			err = &device.HarvestError{Kind: device.KindProtocol, Op: "read", Err: xerrors.Errorf("read panicked: %v", r)}
		}
	}()
	return dev.ReadHarvestData(verbose)
}
