package coordination

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/cluster-coordinator/pkg/coorderr"
	"github.com/ChuLiYu/cluster-coordinator/pkg/types"
)

// Soft limit on simultaneously open barriers; crossing it only logs.
const ongoingBarriersSoftLimit = 20

// At most this many pending task names are listed in a barrier timeout
// message.
const pendingTaskLogLimit = 20

// barrierState is a named rendezvous across a fixed participant set.
type barrierState struct {
	passed bool
	// result is meaningful only once passed is true.
	result     error
	deadlineUs int64
	// tasksAtBarrier maps each participant to whether it has arrived. The
	// key set is the participant set and is immutable after creation.
	tasksAtBarrier map[types.Task]bool
	numPending     int
	doneCallbacks  []StatusCallback
	// initiatingTask is the first task that invoked this barrier id.
	initiatingTask types.Task
}

// validateTaskArgs checks that the participant list given on a subsequent
// barrier call is consistent with the set recorded at creation. An empty
// list stands for the whole cluster.
func validateTaskArgs(args []types.Task, tasksAtBarrier map[types.Task]bool, clusterSize int) bool {
	if len(args) == 0 {
		return len(tasksAtBarrier) == clusterSize
	}
	if len(tasksAtBarrier) != len(args) {
		return false
	}
	for _, task := range args {
		if _, ok := tasksAtBarrier[task]; !ok {
			return false
		}
	}
	return true
}

// BarrierAsync blocks the calling task at the named barrier until every
// participant arrives, the deadline passes, the barrier is cancelled, a
// participant fails, or the service stops. done fires exactly once with the
// final result; repeated calls from an arrived task are no-ops that observe
// the eventual result.
func (s *Service) BarrierAsync(barrierID string, timeout time.Duration, task types.Task, participants []types.Task, done StatusCallback) {
	sourceName := task.Name()
	log.Debug("BarrierAsync invoked", "barrier", barrierID, "task", sourceName)

	// A caller outside a non-empty participant list poisons the barrier so
	// that participants already waiting (and any later callers) observe the
	// mistake instead of hanging until the deadline.
	if len(participants) > 0 && !containsTask(participants, task) {
		callErr := coorderr.InvalidArgumentf(
			"a non-participating task %s called the barrier %s", sourceName, barrierID)
		var d deferredCalls
		s.mu.Lock()
		if s.shuttingDown {
			s.mu.Unlock()
			done(errBarrierAfterShutdown())
			return
		}
		b := s.barrierOrCreate(barrierID)
		if !b.passed {
			s.passBarrierLocked(barrierID, callErr, b, &d)
		}
		s.mu.Unlock()
		d.run()
		done(callErr)
		return
	}

	var d deferredCalls
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		done(errBarrierAfterShutdown())
		return
	}
	b, created := s.barrierOrCreateNoted(barrierID)
	if created {
		b.initiatingTask = task
		// An empty participant list means the whole cluster.
		if len(participants) == 0 {
			for _, ts := range s.clusterState {
				b.tasksAtBarrier[ts.task] = false
			}
		} else {
			for _, p := range participants {
				if _, ok := s.clusterState[p.Name()]; !ok {
					barrierErr := coorderr.InvalidArgumentf(
						"unexpected task %s that is not in the cluster called the barrier %s",
						p.Name(), barrierID)
					s.passBarrierLocked(barrierID, barrierErr, b, &d)
					s.mu.Unlock()
					d.run()
					done(barrierErr)
					return
				}
				b.tasksAtBarrier[p] = false
			}
		}
		b.numPending = len(b.tasksAtBarrier)

		// A participant already in error can never arrive.
		for p := range b.tasksAtBarrier {
			if s.clusterState[p.Name()].state == types.StateError {
				barrierErr := coorderr.Internalf(
					"task %s is already in error before the barrier %s was called",
					p.Name(), barrierID)
				s.passBarrierLocked(barrierID, barrierErr, b, &d)
				s.mu.Unlock()
				d.run()
				done(barrierErr)
				return
			}
		}
		b.deadlineUs = s.clk.NowMicros() + timeout.Microseconds()

		s.ongoingBarriers[barrierID] = struct{}{}
		if open := len(s.ongoingBarriers); open > ongoingBarriersSoftLimit {
			log.Warn("high number of ongoing barriers in coordination service", "count", open)
		}
		s.metrics.BarrierOpened(len(s.ongoingBarriers))
		for p := range b.tasksAtBarrier {
			s.clusterState[p.Name()].joinBarrier(barrierID)
		}
	}

	if b.passed {
		// The shutdown barrier additionally disconnects late callers; a
		// failed disconnect supersedes the stored barrier result.
		if barrierID == s.shutdownBarrierID {
			if err := s.disconnectTaskLocked(task, &d); err != nil {
				s.mu.Unlock()
				d.run()
				done(err)
				return
			}
		}
		result := b.result
		s.mu.Unlock()
		d.run()
		done(result)
		return
	}

	b.doneCallbacks = append(b.doneCallbacks, done)

	if !validateTaskArgs(participants, b.tasksAtBarrier, len(s.clusterState)) {
		barrierErr := coorderr.InvalidArgumentf(
			"conflicting tasks specified for the same barrier %s", barrierID)
		s.passBarrierLocked(barrierID, barrierErr, b, &d)
		s.mu.Unlock()
		d.run()
		return
	}

	// Arrivals are idempotent; only the first one decrements the count.
	if !b.tasksAtBarrier[task] {
		b.tasksAtBarrier[task] = true
		b.numPending--
		if b.numPending == 0 {
			s.passBarrierLocked(barrierID, nil, b, &d)
		}
	}
	s.mu.Unlock()
	d.run()
}

// CancelBarrier fails the named barrier with Cancelled on behalf of task.
func (s *Service) CancelBarrier(barrierID string, task types.Task) error {
	var d deferredCalls
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return coorderr.Internalf("coordination service has stopped, CancelBarrier() failed")
	}
	b, existed := s.barriers[barrierID]
	if !existed {
		log.Warn("barrier is cancelled before being created",
			"barrier", barrierID, "task", task.Name())
		b = s.barrierOrCreate(barrierID)
	}
	if b.passed {
		code := coorderr.Code(b.result)
		s.mu.Unlock()
		return coorderr.FailedPreconditionf(
			"barrier %s has already been passed with status code %d", barrierID, code)
	}
	cancelled := coorderr.Cancelledf("barrier %s is cancelled by task %s", barrierID, task.Name())
	s.passBarrierLocked(barrierID, cancelled, b, &d)
	s.mu.Unlock()
	d.run()
	log.Debug("barrier cancelled", "barrier", barrierID)
	return nil
}

// barrierOrCreate returns the record for barrierID, creating an empty one
// if absent.
func (s *Service) barrierOrCreate(barrierID string) *barrierState {
	b, _ := s.barrierOrCreateNoted(barrierID)
	return b
}

func (s *Service) barrierOrCreateNoted(barrierID string) (*barrierState, bool) {
	if b, ok := s.barriers[barrierID]; ok {
		return b, false
	}
	b := &barrierState{tasksAtBarrier: make(map[types.Task]bool)}
	s.barriers[barrierID] = b
	return b, true
}

// passBarrierLocked is the single completion site for a barrier. It marks
// the barrier passed, runs the reserved-id hooks, detaches the barrier from
// every participant and queues the pending callbacks onto d in registration
// order. Caller-supplied callbacks run only after the state mutex is
// released.
func (s *Service) passBarrierLocked(barrierID string, result error, b *barrierState, d *deferredCalls) {
	b.passed = true
	b.result = result
	log.Debug("barrier passed", "barrier", barrierID, "err", result)

	if barrierID == s.devicePropagationBarrierID {
		s.aggregateClusterDevicesLocked()
	}
	for p := range b.tasksAtBarrier {
		if ts, ok := s.clusterState[p.Name()]; ok {
			ts.exitBarrier(barrierID)
		}
	}

	if barrierID == s.shutdownBarrierID {
		if result == nil {
			log.Info("shutdown barrier in coordination service has passed")
		} else {
			log.Error("shutdown barrier in coordination service has failed, the workers are out of sync", "err", result)
		}
		shutdownErr := coorderr.Internalf(
			"shutdown barrier has failed, but this task is not at the barrier yet, barrier result: %s",
			coorderr.Message(result))
		for p, arrived := range b.tasksAtBarrier {
			if arrived {
				if err := s.disconnectTaskLocked(p, d); err != nil {
					log.Error("failed to disconnect task at shutdown barrier",
						"task", p.Name(), "err", err)
				}
			} else if result != nil {
				// Stragglers never see the barrier result; push the failure.
				s.reportServiceErrorToTaskAsync(p, shutdownErr)
			}
		}
	}

	b.tasksAtBarrier = make(map[types.Task]bool)
	delete(s.ongoingBarriers, barrierID)
	s.metrics.BarrierPassed(result == nil, len(s.ongoingBarriers))

	cbs := b.doneCallbacks
	b.doneCallbacks = nil
	for _, cb := range cbs {
		d.add(cb, result)
	}
}

func containsTask(tasks []types.Task, task types.Task) bool {
	for _, t := range tasks {
		if t == task {
			return true
		}
	}
	return false
}

func errBarrierAfterShutdown() error {
	return coorderr.Internalf("barrier requested after coordination service has shut down")
}

// timeoutErrorLocked builds the DeadlineExceeded description for an expired
// barrier: arrived/total counts, the initiating task and up to
// pendingTaskLogLimit pending task names.
func (s *Service) timeoutErrorLocked(barrierID string, b *barrierState) string {
	var pendingNames []string
	pendingCount := 0
	for p, arrived := range b.tasksAtBarrier {
		if arrived {
			continue
		}
		pendingCount++
		if len(pendingNames) < pendingTaskLogLimit {
			pendingNames = append(pendingNames, p.Name())
		}
	}
	arrived := len(b.tasksAtBarrier) - pendingCount
	msg := fmt.Sprintf(
		"barrier timed out, id: %s. tasks at the barrier: %d/%d, first task at the barrier: %s, pending task names:",
		barrierID, arrived, len(b.tasksAtBarrier), b.initiatingTask.Name())
	for _, name := range pendingNames {
		msg += "\n" + name
	}
	return msg
}
