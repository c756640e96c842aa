package monitor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b-open-io/wallet-monitor/monitor"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTask struct {
	*monitor.TaskBase
	runs     chan time.Time
	err      error
	panicMsg string
	release  chan struct{}
	setupErr error
}

func newFakeTask(name string, interval time.Duration) *fakeTask {
	return &fakeTask{
		TaskBase: monitor.NewTaskBase(name, interval),
		runs:     make(chan time.Time, 16),
	}
}

func (f *fakeTask) Run(ctx context.Context) error {
	f.runs <- f.LastRunAt()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.err
}

type setupFakeTask struct {
	*fakeTask
}

func (s setupFakeTask) Setup(ctx context.Context) error { return s.setupErr }

type harness struct {
	scheduler *monitor.Scheduler
	force     *ticker.Force
	clock     *fakeClock
}

func newHarness(t *testing.T, tasks ...monitor.Task) *harness {
	t.Helper()
	h := &harness{
		force: ticker.NewForce(time.Hour),
		clock: &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.scheduler = monitor.NewScheduler(nil, monitor.WithTicker(h.force), monitor.WithClock(h.clock.Now))
	for _, task := range tasks {
		require.NoError(t, h.scheduler.AddTask(task))
	}
	require.NoError(t, h.scheduler.Start(context.Background()))
	t.Cleanup(h.scheduler.Stop)
	return h
}

// tick returns once the scheduler loop has accepted the tick.
func (h *harness) tick() {
	h.force.Force <- h.clock.Now()
}

func (h *harness) waitIdle(t *testing.T, name string, runs int) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok := h.scheduler.Stats(name)
		return ok && st.Runs == runs && !st.Running
	}, 2*time.Second, 5*time.Millisecond)
}

func receiveRun(t *testing.T, task *fakeTask) time.Time {
	t.Helper()
	select {
	case at := <-task.runs:
		return at
	case <-time.After(2 * time.Second):
		t.Fatalf("task %s did not run", task.Name())
	}
	return time.Time{}
}

func TestFailingTaskRunsAgainNextTick(t *testing.T) {
	task := newFakeTask("flaky", time.Minute)
	task.err = errors.New("source unreachable")
	h := newHarness(t, task)

	h.tick()
	first := receiveRun(t, task)
	assert.Equal(t, h.clock.Now(), first)
	h.waitIdle(t, "flaky", 1)

	// Not due before the interval elapses.
	h.clock.Advance(30 * time.Second)
	h.tick()
	h.tick()
	assert.Empty(t, task.runs)

	h.clock.Advance(30 * time.Second)
	h.tick()
	second := receiveRun(t, task)
	assert.True(t, second.After(first))
	h.waitIdle(t, "flaky", 2)

	st, _ := h.scheduler.Stats("flaky")
	assert.Equal(t, 2, st.Failures)
	assert.Equal(t, "source unreachable", st.LastError)
	assert.Equal(t, second, st.LastRunAt)
}

func TestPanickingTaskIsRecovered(t *testing.T) {
	task := newFakeTask("panics", 0)
	task.panicMsg = "boom"
	h := newHarness(t, task)

	h.tick()
	receiveRun(t, task)
	h.waitIdle(t, "panics", 1)

	h.tick()
	receiveRun(t, task)
	h.waitIdle(t, "panics", 2)

	st, _ := h.scheduler.Stats("panics")
	assert.Equal(t, 2, st.Failures)
	assert.Contains(t, st.LastError, "boom")
}

func TestSlowTaskDoesNotBlockOthers(t *testing.T) {
	slow := newFakeTask("slow", 0)
	slow.release = make(chan struct{})
	fast := newFakeTask("fast", 0)
	h := newHarness(t, slow, fast)

	h.tick()
	receiveRun(t, slow)
	receiveRun(t, fast)
	h.waitIdle(t, "fast", 1)

	h.tick()
	receiveRun(t, fast)
	h.waitIdle(t, "fast", 2)

	st, _ := h.scheduler.Stats("slow")
	assert.True(t, st.Running)
	assert.Zero(t, st.Runs)
	assert.Empty(t, slow.runs, "slow task must not overlap itself")

	close(slow.release)
	h.waitIdle(t, "slow", 1)
}

func TestSetupFailureDisablesOnlyThatTask(t *testing.T) {
	broken := setupFakeTask{newFakeTask("broken", 0)}
	broken.setupErr = errors.New("missing table")
	healthy := setupFakeTask{newFakeTask("healthy", 0)}
	h := newHarness(t, broken, healthy)

	require.Eventually(t, func() bool {
		st, _ := h.scheduler.Stats("broken")
		return st.Disabled
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		st, _ := h.scheduler.Stats("healthy")
		return st.Ready
	}, 2*time.Second, 5*time.Millisecond)

	h.tick()
	receiveRun(t, healthy.fakeTask)
	h.waitIdle(t, "healthy", 1)
	assert.Empty(t, broken.runs)
}

func TestRunNowForcesIntervalTask(t *testing.T) {
	task := newFakeTask("hourly", time.Hour)
	h := newHarness(t, task)

	h.tick()
	receiveRun(t, task)
	h.waitIdle(t, "hourly", 1)

	h.tick()
	assert.Empty(t, task.runs)

	require.NoError(t, h.scheduler.RunNow("hourly"))
	h.tick()
	receiveRun(t, task)
	h.waitIdle(t, "hourly", 2)

	assert.ErrorIs(t, h.scheduler.RunNow("missing"), monitor.ErrTaskNotFound)
}

func TestAddTaskRejectsDuplicatesAndLateTasks(t *testing.T) {
	s := monitor.NewScheduler(nil, monitor.WithTicker(ticker.NewForce(time.Hour)))
	require.NoError(t, s.AddTask(newFakeTask("a", 0)))
	assert.ErrorIs(t, s.AddTask(newFakeTask("a", 0)), monitor.ErrDuplicateTask)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.ErrorIs(t, s.AddTask(newFakeTask("b", 0)), monitor.ErrAlreadyStarted)
	assert.Len(t, s.AllStats(), 1)
}

func TestTaskBaseKeepsRecordedStartTime(t *testing.T) {
	base := monitor.NewTaskBase("zoned", time.Minute)
	assert.True(t, base.LastRunAt().IsZero())
	assert.True(t, base.IsDue(time.Now()))

	started := time.Date(2024, 5, 1, 9, 30, 0, 0, time.FixedZone("UTC+3", 3*3600))
	base.MarkRun(started)
	assert.Equal(t, started, base.LastRunAt())
	assert.Same(t, started.Location(), base.LastRunAt().Location())
	assert.False(t, base.IsDue(started.Add(59*time.Second)))
	assert.True(t, base.IsDue(started.Add(time.Minute)))
}
