package coordination

import (
	"sync"

	"github.com/ChuLiYu/cluster-coordinator/internal/clock"
	"github.com/ChuLiYu/cluster-coordinator/pkg/coorderr"
	"github.com/ChuLiYu/cluster-coordinator/pkg/types"
)

// taskState is the per-task record maintained by the service.
//
// State transition:
//
//	             Register            Heartbeat timeout
//	DISCONNECTED --------> CONNECTED -----------------> ERROR
//	                           |      ReportTaskError
//	                           +---------------------> ERROR
//
// All fields are guarded by the service state mutex, except
// lastHeartbeatUs which has its own fine-grained lock so the staleness
// sweep can sample liveness without serializing with registry traffic.
type taskState struct {
	task        types.Task
	state       types.TaskState
	status      error // nil while state != ERROR
	incarnation uint64

	hbMu            sync.Mutex
	lastHeartbeatUs int64

	// After a graceful disconnect, heartbeats and error polls are still
	// accepted until this instant to tolerate the agent not yet having
	// noticed the state change.
	disconnectGraceUs int64

	devices         types.DeviceInfo
	ongoingBarriers map[string]struct{}
}

func newTaskState(task types.Task) *taskState {
	return &taskState{
		task:            task,
		state:           types.StateDisconnected,
		ongoingBarriers: make(map[string]struct{}),
	}
}

func (t *taskState) setConnected(clk clock.Clock, incarnation uint64) {
	t.state = types.StateConnected
	t.status = nil
	t.incarnation = incarnation
	t.hbMu.Lock()
	t.lastHeartbeatUs = clk.NowMicros()
	t.hbMu.Unlock()
}

func (t *taskState) disconnect(clk clock.Clock, gracePeriodUs int64) {
	t.disconnectGraceUs = clk.NowMicros() + gracePeriodUs
	t.state = types.StateDisconnected
	t.status = nil
}

// setError records the first error only; later errors are dropped.
func (t *taskState) setError(err error) {
	if t.state == types.StateError {
		return
	}
	t.state = types.StateError
	t.status = err
}

// recordHeartbeat refreshes the liveness timestamp. A pending error is
// returned verbatim; a mismatched incarnation yields Aborted.
func (t *taskState) recordHeartbeat(clk clock.Clock, incarnation uint64) error {
	if t.status != nil {
		return t.status
	}
	if incarnation != t.incarnation {
		return coorderr.Abortedf(
			"incarnation mismatch: expecting %d but got %d, the remote task has likely restarted",
			t.incarnation, incarnation)
	}
	t.hbMu.Lock()
	t.lastHeartbeatUs = clk.NowMicros()
	t.hbMu.Unlock()
	return nil
}

func (t *taskState) timeSinceLastHeartbeatMs(clk clock.Clock) int64 {
	t.hbMu.Lock()
	defer t.hbMu.Unlock()
	return (clk.NowMicros() - t.lastHeartbeatUs) / 1000
}

// isDisconnectedBeyondGracePeriod reports whether the task has been
// disconnected long enough that no further agent requests are expected.
func (t *taskState) isDisconnectedBeyondGracePeriod(clk clock.Clock) bool {
	return t.state == types.StateDisconnected && clk.NowMicros() > t.disconnectGraceUs
}

func (t *taskState) joinBarrier(barrierID string) {
	t.ongoingBarriers[barrierID] = struct{}{}
}

func (t *taskState) exitBarrier(barrierID string) {
	delete(t.ongoingBarriers, barrierID)
}

// ongoingBarrierIDs returns a copy; callers fail barriers while iterating,
// which mutates the live set.
func (t *taskState) ongoingBarrierIDs() []string {
	ids := make([]string, 0, len(t.ongoingBarriers))
	for id := range t.ongoingBarriers {
		ids = append(ids, id)
	}
	return ids
}

func (t *taskState) deviceInfoIsCollected() bool {
	return !t.devices.Empty()
}

func (t *taskState) collectDeviceInfo(devices types.DeviceInfo) {
	t.devices = devices
}
