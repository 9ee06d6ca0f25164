package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const pre = "gateway_"

// Gateway groups the agent metrics.
var Gateway = struct {
	TasksExecuted    *prometheus.CounterVec
	TaskFailures     *prometheus.CounterVec
	PendingTasks     prometheus.Gauge
	BusyWorkers      prometheus.Gauge
	HarvestReads     *prometheus.CounterVec
	HarvestBackoff   *prometheus.GaugeVec
	OpenDevices      prometheus.Gauge
	ReconnectTries   *prometheus.CounterVec
	TransportBatches *prometheus.CounterVec
}{
	TasksExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: pre + "tasks_executed_total",
		Help: "Number of task executions by task kind.",
	}, []string{"kind"}),
	TaskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: pre + "task_failures_total",
		Help: "Number of tasks dropped after an error or panic.",
	}, []string{"kind"}),
	PendingTasks: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: pre + "pending_tasks",
		Help: "Tasks waiting in the scheduler queue.",
	}),
	BusyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: pre + "busy_workers",
		Help: "Worker pool slots currently running blocking I/O.",
	}),
	HarvestReads: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: pre + "harvest_reads_total",
		Help: "Device reads by device serial and result.",
	}, []string{"sn", "result"}),
	HarvestBackoff: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: pre + "harvest_backoff_ms",
		Help: "Current polling interval per device.",
	}, []string{"sn"}),
	OpenDevices: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: pre + "open_devices",
		Help: "Devices currently in the registry.",
	}),
	ReconnectTries: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: pre + "reconnect_attempts_total",
		Help: "Reconnect attempts by device serial and result.",
	}, []string{"sn", "result"}),
	TransportBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: pre + "transport_batches_total",
		Help: "Harvest batches handed to the backend by result.",
	}, []string{"result"}),
}

// Result label values
const (
	ResultOK      = "ok"
	ResultFailed  = "failed"
	ResultGaveUp  = "gave_up"
	ResultSkipped = "skipped"
)

func init() {
	prometheus.MustRegister(
		Gateway.TasksExecuted,
		Gateway.TaskFailures,
		Gateway.PendingTasks,
		Gateway.BusyWorkers,
		Gateway.HarvestReads,
		Gateway.HarvestBackoff,
		Gateway.OpenDevices,
		Gateway.ReconnectTries,
		Gateway.TransportBatches,
	)
}
