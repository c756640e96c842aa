package monitor

import (
	"context"
	"sync/atomic"
	"time"
)

// Task is a unit of recurring work owned by a Scheduler.
type Task interface {
	// Name is unique within a Scheduler.
	Name() string
	// IsDue decides whether the task should start at now.
	IsDue(now time.Time) bool
	// MarkRun records the start time of a run.
	MarkRun(startedAt time.Time)
	Run(ctx context.Context) error
}

// SetupTask is a Task with a one-time initialization. A failed Setup
// disables the task; other tasks are unaffected.
type SetupTask interface {
	Task
	Setup(ctx context.Context) error
}

// Triggerable tasks can be forced due on the next tick.
type Triggerable interface {
	TriggerNow()
}

// TaskBase carries the name, cadence and last run of a task and implements
// the default elapsed-time trigger. Embed it by pointer.
type TaskBase struct {
	name      string
	interval  time.Duration
	lastRunAt atomic.Pointer[time.Time] // nil before the first run
	triggered atomic.Bool
}

// NewTaskBase returns a TaskBase due every interval. An interval of zero
// makes the task due on every tick.
func NewTaskBase(name string, interval time.Duration) *TaskBase {
	return &TaskBase{name: name, interval: interval}
}

func (b *TaskBase) Name() string { return b.name }

func (b *TaskBase) Interval() time.Duration { return b.interval }

func (b *TaskBase) LastRunAt() time.Time {
	if last := b.lastRunAt.Load(); last != nil {
		return *last
	}
	return time.Time{}
}

func (b *TaskBase) MarkRun(startedAt time.Time) {
	b.lastRunAt.Store(&startedAt)
}

func (b *TaskBase) TriggerNow() {
	b.triggered.Store(true)
}

// IsDue reports true once for a pending trigger, before the first run, and
// whenever interval has elapsed since the last run started.
func (b *TaskBase) IsDue(now time.Time) bool {
	if b.triggered.Swap(false) {
		return true
	}
	last := b.lastRunAt.Load()
	if last == nil || b.interval <= 0 {
		return true
	}
	return now.Sub(*last) >= b.interval
}
