package coordination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cluster-coordinator/pkg/coorderr"
	"github.com/ChuLiYu/cluster-coordinator/pkg/types"
)

// barrierCall invokes BarrierAsync and exposes the eventual result.
type barrierCall struct {
	ch chan error
}

func callBarrier(svc *Service, id string, timeout time.Duration, task types.Task, participants []types.Task) *barrierCall {
	c := &barrierCall{ch: make(chan error, 1)}
	svc.BarrierAsync(id, timeout, task, participants, func(err error) { c.ch <- err })
	return c
}

func (c *barrierCall) result(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("barrier callback never fired")
		return nil
	}
}

func (c *barrierCall) pending() bool {
	select {
	case err := <-c.ch:
		c.ch <- err
		return false
	default:
		return true
	}
}

func registerBoth(t *testing.T, svc *Service) {
	t.Helper()
	require.NoError(t, svc.RegisterTask(task0, 7))
	require.NoError(t, svc.RegisterTask(task1, 9))
}

func TestBarrierPassesWhenAllArrive(t *testing.T) {
	svc, _ := newTestService(t, twoTaskConfig(), &fakeDirectory{})
	registerBoth(t, svc)

	c0 := callBarrier(svc, "x", time.Second, task0, nil)
	assert.True(t, c0.pending(), "barrier should wait for the second task")

	c1 := callBarrier(svc, "x", time.Second, task1, nil)
	require.NoError(t, c0.result(t))
	require.NoError(t, c1.result(t))
}

func TestBarrierExplicitParticipants(t *testing.T) {
	svc, _ := newTestService(t, twoTaskConfig(), &fakeDirectory{})
	registerBoth(t, svc)

	both := []types.Task{task0, task1}
	c0 := callBarrier(svc, "x", time.Second, task0, both)
	c1 := callBarrier(svc, "x", time.Second, task1, both)
	require.NoError(t, c0.result(t))
	require.NoError(t, c1.result(t))
}

func TestBarrierRepeatedArrivalIsNoOp(t *testing.T) {
	svc, _ := newTestService(t, twoTaskConfig(), &fakeDirectory{})
	registerBoth(t, svc)

	c0a := callBarrier(svc, "x", time.Minute, task0, nil)
	c0b := callBarrier(svc, "x", time.Minute, task0, nil)
	assert.True(t, c0a.pending())
	assert.True(t, c0b.pending())
	assert.Equal(t, 1, svc.barriers["x"].numPending)

	c1 := callBarrier(svc, "x", time.Minute, task1, nil)
	require.NoError(t, c0a.result(t))
	require.NoError(t, c0b.result(t))
	require.NoError(t, c1.result(t))
}

func TestBarrierPassedResultIsStable(t *testing.T) {
	svc, _ := newTestService(t, twoTaskConfig(), &fakeDirectory{})
	registerBoth(t, svc)

	only := []types.Task{task0}
	require.NoError(t, callBarrier(svc, "solo", time.Second, task0, only).result(t))

	// Later calls observe the stored result without re-running the
	// barrier.
	require.NoError(t, callBarrier(svc, "solo", time.Second, task0, only).result(t))
	b := svc.barriers["solo"]
	assert.True(t, b.passed)
	assert.Empty(t, b.tasksAtBarrier)
}

func TestBarrierTimeout(t *testing.T) {
	svc, clk := newTestService(t, twoTaskConfig(), &fakeDirectory{})
	registerBoth(t, svc)

	c0 := callBarrier(svc, "x", 500*time.Millisecond, task0, nil)
	clk.Advance(time.Second)
	svc.checkBarrierTimeout()

	err := c0.result(t)
	require.Error(t, err)
	assert.True(t, coorderr.IsDeadlineExceeded(err))
	msg := coorderr.Message(err)
	assert.Contains(t, msg, "1/2")
	assert.Contains(t, msg, task0.Name()) // initiating task
	assert.Contains(t, msg, task1.Name()) // pending task
}

func TestBarrierUnknownParticipant(t *testing.T) {
	svc, _ := newTestService(t, twoTaskConfig(), &fakeDirectory{})
	registerBoth(t, svc)

	ghost := types.Task{JobName: "ghost", TaskID: 0}
	err := callBarrier(svc, "x", time.Second, task0, []types.Task{task0, ghost}).result(t)
	require.Error(t, err)
	assert.True(t, coorderr.IsInvalidArgument(err))
	assert.Contains(t, coorderr.Message(err), ghost.Name())
}

func TestBarrierNonParticipatingCaller(t *testing.T) {
	svc, _ := newTestService(t, twoTaskConfig(), &fakeDirectory{})
	registerBoth(t, svc)

	err := callBarrier(svc, "x", time.Second, task1, []types.Task{task0}).result(t)
	require.Error(t, err)
	assert.True(t, coorderr.IsInvalidArgument(err))
	assert.Contains(t, coorderr.Message(err), task1.Name())

	// The barrier is poisoned for the real participant too.
	err = callBarrier(svc, "x", time.Second, task0, []types.Task{task0}).result(t)
	assert.True(t, coorderr.IsInvalidArgument(err))
}

func TestBarrierConflictingParticipantSets(t *testing.T) {
	svc, _ := newTestService(t, twoTaskConfig(), &fakeDirectory{})
	registerBoth(t, svc)

	c0 := callBarrier(svc, "x", time.Minute, task0, []types.Task{task0, task1})
	c1 := callBarrier(svc, "x", time.Minute, task0, []types.Task{task0})

	err := c1.result(t)
	assert.True(t, coorderr.IsInvalidArgument(err))
	assert.Contains(t, coorderr.Message(err), "conflicting tasks")
	// The waiting caller observes the same failure.
	assert.Equal(t, err, c0.result(t))
}

func TestBarrierParticipantAlreadyInError(t *testing.T) {
	dir := &fakeDirectory{}
	svc, _ := newTestService(t, twoTaskConfig(), dir)
	registerBoth(t, svc)
	require.NoError(t, svc.ReportTaskError(task1, coorderr.Internalf("oom")))

	err := callBarrier(svc, "x", time.Second, task0, nil).result(t)
	require.Error(t, err)
	assert.True(t, coorderr.IsInternal(err))
	assert.Contains(t, coorderr.Message(err), task1.Name())
}

func TestBarrierFailsWhenParticipantErrs(t *testing.T) {
	dir := &fakeDirectory{}
	svc, _ := newTestService(t, twoTaskConfig(), dir)
	registerBoth(t, svc)

	c0 := callBarrier(svc, "x", time.Minute, task0, nil)
	require.NoError(t, svc.ReportTaskError(task1, coorderr.Internalf("oom")))

	err := c0.result(t)
	assert.True(t, coorderr.IsInternal(err))
	assert.Contains(t, coorderr.Message(err), task1.Name())
}

func TestCancelBarrier(t *testing.T) {
	svc, _ := newTestService(t, twoTaskConfig(), &fakeDirectory{})
	registerBoth(t, svc)

	// Only the first participant arrives; the barrier is still open when
	// the cancel lands.
	c0 := callBarrier(svc, "s", 5*time.Second, task0, []types.Task{task0, task1})

	require.NoError(t, svc.CancelBarrier("s", task0))

	err := c0.result(t)
	require.Error(t, err)
	assert.True(t, coorderr.IsCancelled(err))
	assert.Contains(t, coorderr.Message(err), task0.Name())
}

func TestCancelBarrierBothCallbacksObserveCancellation(t *testing.T) {
	svc, _ := newTestService(t, twoTaskConfig(), &fakeDirectory{})
	registerBoth(t, svc)

	// Only task0 arrives, so the barrier stays open for cancellation.
	c0 := callBarrier(svc, "s", 5*time.Second, task0, []types.Task{task0, task1})
	c0b := callBarrier(svc, "s", 5*time.Second, task0, []types.Task{task0, task1})

	require.NoError(t, svc.CancelBarrier("s", task0))
	for _, c := range []*barrierCall{c0, c0b} {
		err := c.result(t)
		assert.True(t, coorderr.IsCancelled(err))
		assert.Contains(t, coorderr.Message(err), task0.Name())
	}
}

func TestCancelBarrierAlreadyPassed(t *testing.T) {
	svc, _ := newTestService(t, twoTaskConfig(), &fakeDirectory{})
	registerBoth(t, svc)

	require.NoError(t, callBarrier(svc, "solo", time.Second, task0, []types.Task{task0}).result(t))
	err := svc.CancelBarrier("solo", task0)
	assert.True(t, coorderr.IsFailedPrecondition(err))
}

func TestCancelBarrierBeforeCreation(t *testing.T) {
	svc, _ := newTestService(t, twoTaskConfig(), &fakeDirectory{})
	registerBoth(t, svc)

	require.NoError(t, svc.CancelBarrier("never-called", task0))

	// A later call observes the cancellation.
	err := callBarrier(svc, "never-called", time.Second, task0, nil).result(t)
	assert.True(t, coorderr.IsCancelled(err))
}

func TestBarrierInvariants(t *testing.T) {
	svc, _ := newTestService(t, twoTaskConfig(), &fakeDirectory{})
	registerBoth(t, svc)

	callBarrier(svc, "a", time.Minute, task0, nil)
	callBarrier(svc, "b", time.Minute, task1, nil)

	svc.mu.Lock()
	for id, b := range svc.barriers {
		pending := 0
		for _, arrived := range b.tasksAtBarrier {
			if !arrived {
				pending++
			}
		}
		assert.Equal(t, pending, b.numPending, "barrier %s", id)
		_, ongoing := svc.ongoingBarriers[id]
		assert.Equal(t, !b.passed, ongoing, "barrier %s", id)
		for task, arrived := range b.tasksAtBarrier {
			_, joined := svc.clusterState[task.Name()].ongoingBarriers[id]
			assert.True(t, joined, "task %s should track barrier %s until it passes", task.Name(), id)
			_ = arrived
		}
	}
	svc.mu.Unlock()
}

func TestShutdownBarrierDisconnectsAllTasks(t *testing.T) {
	cfg := twoTaskConfig()
	cfg.ShutdownBarrierTimeoutMs = 5000
	svc, _ := newTestService(t, cfg, &fakeDirectory{})
	registerBoth(t, svc)

	done0 := make(chan error, 1)
	done1 := make(chan error, 1)
	svc.ShutdownTaskAsync(task0, func(err error) { done0 <- err })
	svc.ShutdownTaskAsync(task1, func(err error) { done1 <- err })

	require.NoError(t, <-done0)
	require.NoError(t, <-done1)

	infos := svc.GetTaskState([]types.Task{task0, task1})
	assert.Equal(t, types.StateDisconnected, infos[0].State)
	assert.Equal(t, types.StateDisconnected, infos[1].State)
}

func TestShutdownBarrierTimeoutReportsToStragglers(t *testing.T) {
	cfg := twoTaskConfig()
	cfg.ShutdownBarrierTimeoutMs = 5000
	dir := &fakeDirectory{}
	svc, clk := newTestService(t, cfg, dir)
	registerBoth(t, svc)

	done0 := make(chan error, 1)
	svc.ShutdownTaskAsync(task0, func(err error) { done0 <- err })

	clk.Advance(6 * time.Second)
	svc.checkBarrierTimeout()

	err := <-done0
	require.Error(t, err)
	assert.True(t, coorderr.IsDeadlineExceeded(err))

	// The straggler is pushed a service-originated error.
	require.Eventually(t, func() bool {
		return len(dir.reportsFor(task1.Name())) == 1
	}, 2*time.Second, 10*time.Millisecond)
	report := dir.reportsFor(task1.Name())[0]
	assert.Equal(t, serviceSourceJobName, report.SourceTask.JobName)

	// The arrived task was disconnected by the barrier hook.
	assert.Equal(t, types.StateDisconnected, svc.GetTaskState([]types.Task{task0})[0].State)
}

func TestShutdownWithoutBarrierDisconnectsIndividually(t *testing.T) {
	svc, _ := newTestService(t, twoTaskConfig(), &fakeDirectory{})
	registerBoth(t, svc)

	done := make(chan error, 1)
	svc.ShutdownTaskAsync(task0, func(err error) { done <- err })
	require.NoError(t, <-done)

	infos := svc.GetTaskState([]types.Task{task0, task1})
	assert.Equal(t, types.StateDisconnected, infos[0].State)
	assert.Equal(t, types.StateConnected, infos[1].State)
}
