package task

import (
	"time"

	"golang.org/x/xerrors"

	"github.com/gary0122g/EnergyGateway/device"
	"github.com/gary0122g/EnergyGateway/metrics"
	"github.com/gary0122g/EnergyGateway/scheduler"
)

// DevicePerpetualTask keeps trying to bring a device online and never gives
// up. Once connected the device goes into the registry, whose listeners start
// its Harvest.
type DevicePerpetualTask struct {
	scheduler.BaseTask
	env      *Env
	dev      device.Device
	attempts int
}

// NewDevicePerpetualTask creates a reconnect task for a device
func NewDevicePerpetualTask(env *Env, dev device.Device, due time.Time) *DevicePerpetualTask {
	return &DevicePerpetualTask{
		BaseTask: scheduler.BaseTask{TaskName: "reconnect:" + dev.SN(), DueAt: due},
		env:      env,
		dev:      dev,
	}
}

// Device returns the device being reconnected
func (t *DevicePerpetualTask) Device() device.Device { return t.dev }

// Attempts returns the number of failed connects so far
func (t *DevicePerpetualTask) Attempts() int { return t.attempts }

func (t *DevicePerpetualTask) Execute(now time.Time) ([]scheduler.Task, error) {
	sn := t.dev.SN()
	if d := t.env.Board.FindSN(sn); d != nil && d.IsOpen() {
		log.Debugw("device already open", "sn", sn)
		return nil, nil
	}

	err := connect(t.dev)
	if err == nil {
		metrics.Gateway.ReconnectTries.WithLabelValues(sn, metrics.ResultOK).Inc()
		if !t.env.Board.Add(t.dev) {
			// a stale entry is still registered; its harvest hands over on its next tick
			if err := t.dev.Disconnect(); err != nil {
				log.Warnw("disconnect failed", "sn", sn, "error", err)
			}
		}
		return nil, nil
	}

	t.attempts++
	metrics.Gateway.ReconnectTries.WithLabelValues(sn, metrics.ResultFailed).Inc()
	log.Infow("connect failed", "sn", sn, "host", t.dev.Host(), "attempt", t.attempts, "error", err)

	if t.env.Scanner != nil && t.attempts%t.env.Config.RescanEvery == 0 {
		t.rescan()
	}

	t.SetDue(now.Add(t.env.Config.RetryDelay))
	return []scheduler.Task{t}, nil
}

// rescan looks the device up again and rebinds it when its host changed
func (t *DevicePerpetualTask) rescan() {
	host, ok := t.env.Scanner.FindDevice(t.dev.SN())
	if !ok || host == "" || host == t.dev.Host() {
		return
	}
	t.env.Board.Info("device %s moved from %s to %s", t.dev.SN(), t.dev.Host(), host)
	t.dev = t.dev.Clone(host)
}

// connect treats a panic in the device driver as a failed connect
func connect(dev device.Device) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Errorf("connect panicked: %v", r)
		}
	}()
	return dev.Connect()
}
