package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
)

const DefaultTickInterval = 500 * time.Millisecond

var (
	ErrDuplicateTask  = errors.New("task already registered")
	ErrTaskNotFound   = errors.New("task not found")
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// RunStats is a snapshot of a task's run history.
type RunStats struct {
	Name         string        `json:"name"`
	Ready        bool          `json:"ready"`
	Disabled     bool          `json:"disabled"`
	Running      bool          `json:"running"`
	Runs         int           `json:"runs"`
	Failures     int           `json:"failures"`
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	LastDuration time.Duration `json:"lastDuration"`
	LastError    string        `json:"lastError,omitempty"`
}

type scheduledTask struct {
	task     Task
	ready    atomic.Bool
	disabled atomic.Bool
	running  atomic.Bool

	mu    sync.Mutex
	stats RunStats
}

func (st *scheduledTask) snapshot() RunStats {
	st.mu.Lock()
	s := st.stats
	st.mu.Unlock()
	s.Name = st.task.Name()
	s.Ready = st.ready.Load()
	s.Disabled = st.disabled.Load()
	s.Running = st.running.Load()
	return s
}

// Scheduler ticks registered tasks and runs the due ones, each in its own
// goroutine. A task never overlaps itself, and a slow or failing task does
// not delay the others.
type Scheduler struct {
	logger *slog.Logger
	ticker ticker.Ticker
	clock  func() time.Time

	mu      sync.Mutex
	tasks   []*scheduledTask
	byName  map[string]*scheduledTask
	started bool
	cancel  context.CancelFunc
	loop    chan struct{}
	wg      sync.WaitGroup
}

type SchedulerOption func(*Scheduler)

// WithTicker replaces the tick source, typically with ticker.NewForce in tests.
func WithTicker(t ticker.Ticker) SchedulerOption {
	return func(s *Scheduler) { s.ticker = t }
}

func WithClock(clock func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.clock = clock }
}

func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.ticker = ticker.New(d) }
}

func NewScheduler(logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		logger: logger.With(slog.String("component", "scheduler")),
		clock:  time.Now,
		byName: make(map[string]*scheduledTask),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ticker == nil {
		s.ticker = ticker.New(DefaultTickInterval)
	}
	return s
}

// AddTask registers task. Tasks must be added before Start.
func (s *Scheduler) AddTask(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	if _, ok := s.byName[task.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.Name())
	}
	st := &scheduledTask{task: task}
	s.tasks = append(s.tasks, st)
	s.byName[task.Name()] = st
	return nil
}

// Start runs every task's Setup in the background and begins ticking.
// Tasks become eligible once their setup has succeeded.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loop = make(chan struct{})

	for _, st := range s.tasks {
		setup, ok := st.task.(SetupTask)
		if !ok {
			st.ready.Store(true)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := setup.Setup(runCtx); err != nil {
				st.disabled.Store(true)
				s.logger.Error("task setup failed, task disabled",
					slog.String("task", st.task.Name()),
					slog.Any("error", err))
				return
			}
			st.ready.Store(true)
		}()
	}

	go s.run(runCtx)
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.loop)
	s.ticker.Resume()
	defer s.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ticker.Ticks():
			s.tick(ctx, s.clock())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, st := range s.tasks {
		if !st.ready.Load() || st.disabled.Load() {
			continue
		}
		if !st.running.CompareAndSwap(false, true) {
			continue
		}
		if !st.task.IsDue(now) {
			st.running.Store(false)
			continue
		}
		st.task.MarkRun(now)
		s.wg.Add(1)
		go s.execute(ctx, st, now)
	}
}

func (s *Scheduler) execute(ctx context.Context, st *scheduledTask, startedAt time.Time) {
	defer s.wg.Done()
	defer st.running.Store(false)

	err := runRecovered(ctx, st.task)
	duration := s.clock().Sub(startedAt)

	st.mu.Lock()
	st.stats.Runs++
	st.stats.LastRunAt = startedAt
	st.stats.LastDuration = duration
	st.stats.LastError = ""
	if err != nil {
		st.stats.Failures++
		st.stats.LastError = err.Error()
	}
	st.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		s.logger.Error("task run failed",
			slog.String("task", st.task.Name()),
			slog.Duration("duration", duration),
			slog.Any("error", err))
	}
}

func runRecovered(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return task.Run(ctx)
}

// Stop stops ticking, cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.cancel == nil {
		s.mu.Unlock()
		return
	}
	cancel, loop := s.cancel, s.loop
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	<-loop
	s.wg.Wait()
}

// RunNow forces the named task due on the next tick.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	st, ok := s.byName[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	t, ok := st.task.(Triggerable)
	if !ok {
		return fmt.Errorf("task %s cannot be triggered", name)
	}
	t.TriggerNow()
	return nil
}

func (s *Scheduler) Stats(name string) (RunStats, bool) {
	s.mu.Lock()
	st, ok := s.byName[name]
	s.mu.Unlock()
	if !ok {
		return RunStats{}, false
	}
	return st.snapshot(), true
}

// AllStats returns the stats of every task in registration order.
func (s *Scheduler) AllStats() []RunStats {
	s.mu.Lock()
	tasks := append([]*scheduledTask(nil), s.tasks...)
	s.mu.Unlock()

	out := make([]RunStats, 0, len(tasks))
	for _, st := range tasks {
		out = append(out, st.snapshot())
	}
	return out
}
