package scheduler

import (
	"context"
	"strings"
	"time"
)

// Task represents a schedulable unit of work
type Task interface {
	// Name identifies the task in logs and metrics, e.g. "harvest:SN123"
	Name() string

	// Due returns the earliest time the task may run
	Due() time.Time

	// Execute runs the task. Every returned task is handed back to the scheduler;
	// a task reschedules itself by moving its due time and returning itself.
	// A returned error drops the task.
	Execute(now time.Time) ([]Task, error)
}

// BaseTask provides the name and due time shared by all tasks
type BaseTask struct {
	TaskName string    // Task name
	DueAt    time.Time // Earliest execution time
}

// Name returns the task name
func (t *BaseTask) Name() string {
	return t.TaskName
}

// Due returns the task due time
func (t *BaseTask) Due() time.Time {
	return t.DueAt
}

// SetDue moves the task due time
func (t *BaseTask) SetDue(due time.Time) {
	t.DueAt = due
}

// Kind returns the part of a task name before the first colon
func Kind(t Task) string {
	kind, _, _ := strings.Cut(t.Name(), ":")
	return kind
}

// FuncTask runs a closure once on the scheduler goroutine
type FuncTask struct {
	BaseTask
	fn func(now time.Time) error
}

// NewFuncTask creates a one-shot task
func NewFuncTask(name string, due time.Time, fn func(now time.Time) error) *FuncTask {
	return &FuncTask{
		BaseTask: BaseTask{TaskName: name, DueAt: due},
		fn:       fn,
	}
}

// Execute runs the closure and never reschedules
func (t *FuncTask) Execute(now time.Time) ([]Task, error) {
	return nil, t.fn(now)
}

// TaskScheduler defines the scheduler surface used by tasks and the API server
type TaskScheduler interface {
	// AddTask queues a task; a due time in the past means "run as soon as possible"
	AddTask(task Task)

	// Call runs fn on the scheduler goroutine and waits for it to finish
	Call(ctx context.Context, fn func()) error

	// Go offloads blocking work to the bounded worker pool. It returns false
	// when every worker is busy.
	Go(fn func(ctx context.Context) error) (*Future, bool)

	// Now returns the scheduler clock time
	Now() time.Time
}
