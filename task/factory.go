package task

import (
	"github.com/gary0122g/EnergyGateway/blackboard"
	"github.com/gary0122g/EnergyGateway/device"
)

// HarvestFactory starts a Harvest for every device added to the registry
type HarvestFactory struct {
	env *Env
}

// NewHarvestFactory subscribes a factory to the blackboard events
func NewHarvestFactory(env *Env) *HarvestFactory {
	f := &HarvestFactory{env: env}
	env.Board.Subscribe(f.handle)
	return f
}

func (f *HarvestFactory) handle(ev blackboard.Event) {
	switch ev.Kind {
	case blackboard.DeviceAdded:
		log.Infow("starting harvest", "sn", ev.Device.SN(), "host", ev.Device.Host())
		f.env.Scheduler.AddTask(NewHarvest(f.env, ev.Device, f.env.Clock.Now()))
	case blackboard.DeviceRemoved:
		log.Infow("device removed", "sn", ev.Device.SN())
	}
}

// Bootstrap queues a reconnect task for each configured device, due now
func (f *HarvestFactory) Bootstrap(devs []device.Device) {
	now := f.env.Clock.Now()
	for _, dev := range devs {
		f.env.Scheduler.AddTask(NewDevicePerpetualTask(f.env, dev, now))
	}
}
