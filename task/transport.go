package task

import (
	"context"
	"time"

	"github.com/jpillora/backoff"

	"github.com/gary0122g/EnergyGateway/api"
	"github.com/gary0122g/EnergyGateway/metrics"
	"github.com/gary0122g/EnergyGateway/scheduler"
)

// HarvestTransport archives one batch locally and uploads it to the backend.
// The blocking work runs on the scheduler worker pool; the task polls for its
// completion on later ticks.
type HarvestTransport struct {
	scheduler.BaseTask
	env   *Env
	batch api.HarvestBatch

	future   *scheduler.Future
	archived bool // written by the worker, read only after the future is done
	attempts int
	retry    *backoff.Backoff
}

// NewHarvestTransport creates the transport task of a batch
func NewHarvestTransport(env *Env, batch api.HarvestBatch, due time.Time) *HarvestTransport {
	return &HarvestTransport{
		BaseTask: scheduler.BaseTask{TaskName: "transport:" + batch.SN, DueAt: due},
		env:      env,
		batch:    batch,
		retry: &backoff.Backoff{
			Min:    time.Second,
			Max:    time.Minute,
			Factor: 2,
			Jitter: true,
		},
	}
}

// Batch returns the carried batch
func (t *HarvestTransport) Batch() api.HarvestBatch { return t.batch }

// Attempts returns the number of started deliveries
func (t *HarvestTransport) Attempts() int { return t.attempts }

func (t *HarvestTransport) Execute(now time.Time) ([]scheduler.Task, error) {
	if t.future == nil {
		f, ok := t.env.Scheduler.Go(t.deliver)
		if !ok {
			log.Debugw("worker pool busy", "batch", t.batch.ID)
			return t.again(now, t.env.Config.TransportPoll), nil
		}
		t.future = f
		t.attempts++
		return t.again(now, t.env.Config.TransportPoll), nil
	}

	if !t.future.Done() {
		return t.again(now, t.env.Config.TransportPoll), nil
	}

	err := t.future.Err()
	t.future = nil

	switch {
	case err == nil && t.env.Backend == nil:
		metrics.Gateway.TransportBatches.WithLabelValues(metrics.ResultSkipped).Inc()
		return nil, nil
	case err == nil:
		metrics.Gateway.TransportBatches.WithLabelValues(metrics.ResultOK).Inc()
		log.Debugw("batch delivered", "batch", t.batch.ID, "sn", t.batch.SN, "samples", len(t.batch.Samples))
		return nil, nil
	case t.attempts >= t.env.Config.TransportAttempts:
		metrics.Gateway.TransportBatches.WithLabelValues(metrics.ResultGaveUp).Inc()
		log.Errorw("giving up on batch", "batch", t.batch.ID, "attempts", t.attempts, "error", err)
		t.env.Board.Error("upload of %d samples from %s failed: %v", len(t.batch.Samples), t.batch.SN, err)
		return nil, nil
	default:
		metrics.Gateway.TransportBatches.WithLabelValues(metrics.ResultFailed).Inc()
		delay := t.retry.Duration()
		log.Warnw("batch upload failed", "batch", t.batch.ID, "attempt", t.attempts, "retry", delay, "error", err)
		return t.again(now, delay), nil
	}
}

func (t *HarvestTransport) again(now time.Time, d time.Duration) []scheduler.Task {
	t.SetDue(now.Add(d))
	return []scheduler.Task{t}
}

// deliver runs on a worker goroutine and must not touch the blackboard
func (t *HarvestTransport) deliver(ctx context.Context) error {
	if !t.archived && t.env.Store != nil {
		if _, err := t.env.Store.SaveHarvest(t.batch); err != nil {
			log.Errorw("archiving batch failed", "batch", t.batch.ID, "error", err)
		}
	}
	t.archived = true

	if t.env.Backend == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.env.Config.TransportTimeout)
	defer cancel()
	return t.env.Backend.PostHarvest(ctx, t.batch)
}
