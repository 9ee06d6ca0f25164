package scheduler

import (
	"container/heap"
	"context"
	"runtime/debug"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"

	"github.com/gary0122g/EnergyGateway/metrics"
)

var log = logging.Logger("scheduler")

const (
	// DefaultIdleSleep is how long the loop sleeps when nothing is queued
	DefaultIdleSleep = 20 * time.Millisecond

	// DefaultMaxWait bounds the sleep before a future task so the loop never
	// blocks indefinitely
	DefaultMaxWait = time.Second
)

// Scheduler implements the TaskScheduler interface. Tasks run one at a time on
// the goroutine calling Run; only work handed to Go runs elsewhere.
type Scheduler struct {
	clock      clock.Clock
	maxWorkers int
	idleSleep  time.Duration
	maxWait    time.Duration

	mu      sync.Mutex
	pending taskQueue
	seq     uint64
	wake    chan struct{}

	workers *semaphore.Weighted
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

var _ TaskScheduler = (*Scheduler)(nil)

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock replaces the wall clock, mostly for tests
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithIdleSleep sets the sleep used when the queue is empty
func WithIdleSleep(d time.Duration) Option {
	return func(s *Scheduler) { s.idleSleep = d }
}

// WithMaxWait sets the longest sleep before a task that is not yet due
func WithMaxWait(d time.Duration) Option {
	return func(s *Scheduler) { s.maxWait = d }
}

// NewScheduler creates a new task scheduler with a pool of maxWorkers for
// offloaded I/O
func NewScheduler(maxWorkers int, opts ...Option) *Scheduler {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		clock:      clock.New(),
		maxWorkers: maxWorkers,
		idleSleep:  DefaultIdleSleep,
		maxWait:    DefaultMaxWait,
		wake:       make(chan struct{}, 1),
		workers:    semaphore.NewWeighted(int64(maxWorkers)),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the scheduler clock time
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// AddTask inserts a task into the pending queue. Safe for concurrent use.
func (s *Scheduler) AddTask(task Task) {
	if task == nil {
		return
	}

	s.mu.Lock()
	s.seq++
	heap.Push(&s.pending, &item{task: task, due: task.Due(), seq: s.seq})
	n := len(s.pending)
	s.mu.Unlock()

	metrics.Gateway.PendingTasks.Set(float64(n))

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of pending tasks
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// next pops the earliest task if it is due. Otherwise it reports how long the
// loop may sleep.
func (s *Scheduler) next(now time.Time) (Task, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil, s.idleSleep, false
	}

	head := s.pending[0]
	if head.due.After(now) {
		wait := head.due.Sub(now)
		if wait > s.maxWait {
			wait = s.maxWait
		}
		return nil, wait, false
	}

	it := heap.Pop(&s.pending).(*item)
	metrics.Gateway.PendingTasks.Set(float64(len(s.pending)))
	return it.task, 0, true
}

// Step runs the earliest task if it is due and reports whether one ran
func (s *Scheduler) Step() bool {
	task, _, ok := s.next(s.clock.Now())
	if !ok {
		return false
	}
	s.execute(task)
	return true
}

func (s *Scheduler) execute(task Task) {
	kind := Kind(task)
	metrics.Gateway.TasksExecuted.WithLabelValues(kind).Inc()

	next, err := s.safeExecute(task, s.clock.Now())
	if err != nil {
		metrics.Gateway.TaskFailures.WithLabelValues(kind).Inc()
		log.Errorw("task failed, dropping it", "task", task.Name(), "error", err)
		return
	}

	for _, t := range next {
		s.AddTask(t)
	}
}

func (s *Scheduler) safeExecute(task Task, now time.Time) (next []Task, err error) {
	defer func() {
		if r := recover(); r != nil {
			next = nil
			err = xerrors.Errorf("panic in %s: %v\n%s", task.Name(), r, debug.Stack())
		}
	}()
	return task.Execute(now)
}

// Run is the main loop. It executes due tasks until ctx is cancelled, then
// waits for the worker pool to drain.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Infow("scheduler started", "workers", s.maxWorkers)
	defer func() {
		s.cancel()
		s.wg.Wait()
		log.Info("scheduler stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		task, wait, ok := s.next(s.clock.Now())
		if ok {
			s.execute(task)
			continue
		}

		timer := s.clock.Timer(wait)
		select {
		case <-ctx.Done():
		case <-s.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Call runs fn on the scheduler goroutine and waits for it. Callers on other
// goroutines use it to read or mutate state owned by tasks.
func (s *Scheduler) Call(ctx context.Context, fn func()) error {
	errc := make(chan error, 1)
	s.AddTask(NewFuncTask("call", s.clock.Now(), func(time.Time) error {
		finished := false
		defer func() {
			if !finished {
				errc <- xerrors.New("call panicked")
			}
		}()
		fn()
		finished = true
		errc <- nil
		return nil
	}))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Future reports the completion of work offloaded with Go
type Future struct {
	done chan struct{}
	err  error
}

// Done reports whether the work has finished
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the work result. Only valid once Done returns true.
func (f *Future) Err() error {
	return f.err
}

// Go runs fn on the worker pool. It never blocks: when all workers are busy
// it returns false and the caller retries on a later tick.
func (s *Scheduler) Go(fn func(ctx context.Context) error) (*Future, bool) {
	if !s.workers.TryAcquire(1) {
		return nil, false
	}
	metrics.Gateway.BusyWorkers.Inc()

	f := &Future{done: make(chan struct{})}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer metrics.Gateway.BusyWorkers.Dec()
		defer s.workers.Release(1)
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				f.err = xerrors.Errorf("worker panic: %v", r)
			}
		}()
		f.err = fn(s.ctx)
	}()
	return f, true
}
