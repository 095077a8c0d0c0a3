// Package coordination implements the cluster coordination service: task
// lifecycle with heartbeat liveness, named barriers, cluster-wide error
// propagation and the shared configuration key-value store.
package coordination

import (
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/cluster-coordinator/internal/clock"
	"github.com/ChuLiYu/cluster-coordinator/internal/kvstore"
	"github.com/ChuLiYu/cluster-coordinator/internal/metrics"
	"github.com/ChuLiYu/cluster-coordinator/pkg/coorderr"
	"github.com/ChuLiYu/cluster-coordinator/pkg/types"
)

var log = slog.Default()

const (
	defaultHeartbeatTimeoutMs = 10 * 1000
	devicePropagationTimeout  = time.Hour
	// How often the staleness sweep runs.
	stalenessCheckInterval = time.Second
	// At most this many straggler names are logged while waiting for the
	// cluster to connect.
	pendingStragglerLogLimit = 3
)

// StatusCallback receives the final result of an asynchronous operation.
// Callbacks are never invoked while the service state mutex is held; they
// may re-enter the service.
type StatusCallback func(err error)

// deferredCalls collects callback invocations made under the state mutex so
// they can run after it is released, in registration order.
type deferredCalls struct {
	calls []func()
}

func (d *deferredCalls) add(cb StatusCallback, err error) {
	d.calls = append(d.calls, func() { cb(err) })
}

func (d *deferredCalls) run() {
	for _, call := range d.calls {
		call()
	}
	d.calls = nil
}

// Config carries the recognized service options.
type Config struct {
	// HeartbeatTimeoutMs is the liveness deadline; 0 means the 10 s
	// default. It doubles as the disconnect grace duration.
	HeartbeatTimeoutMs int64
	// ShutdownBarrierTimeoutMs > 0 makes ShutdownTaskAsync rendezvous on
	// the shutdown barrier; otherwise callers disconnect individually.
	ShutdownBarrierTimeoutMs int64
	// AllowNewIncarnationToReconnect permits ERROR -> CONNECTED for tasks
	// that lost connection (Unavailable) and restarted.
	AllowNewIncarnationToReconnect bool
	// Jobs declares the cluster. A record is created for every
	// (job, 0..NumTasks-1) pair at construction.
	Jobs []types.CoordinatedJob
	// RecoverableJobs lists job names whose errors are not propagated to
	// the rest of the cluster.
	RecoverableJobs []string
	// Metrics optionally observes state changes; nil disables.
	Metrics *metrics.Collector
}

// Service is the coordination service. One instance is the authoritative
// source of cluster membership and global state for its cluster.
type Service struct {
	clk       clock.Clock
	directory ClientDirectory // nil selects pull-mode error delivery
	metrics   *metrics.Collector

	heartbeatTimeoutMs             int64
	shutdownBarrierTimeout         time.Duration
	allowNewIncarnationToReconnect bool
	recoverableJobs                map[string]struct{}

	serviceIncarnation         uint64
	devicePropagationBarrierID string
	shutdownBarrierID          string

	kv *kvstore.Store

	mu              sync.Mutex
	clusterState    map[string]*taskState
	clusterDevices  types.DeviceInfo
	barriers        map[string]*barrierState
	ongoingBarriers map[string]struct{}
	shuttingDown    bool
	errorPolling    errorPollingState
	postAggregateFn func(types.DeviceInfo) types.DeviceInfo

	// Latches to true on the first PollForError and never resets, so it is
	// readable without the state mutex.
	clientPolling atomic.Bool

	stopCh chan struct{}
	loopWg sync.WaitGroup
}

// New constructs the service, pre-creates a record for every declared task
// and starts the staleness checker. A non-nil directory selects push-mode
// error delivery.
func New(clk clock.Clock, cfg Config, directory ClientDirectory) *Service {
	log.Info("initializing coordination service")
	heartbeatTimeoutMs := cfg.HeartbeatTimeoutMs
	if heartbeatTimeoutMs <= 0 {
		heartbeatTimeoutMs = defaultHeartbeatTimeoutMs
	}
	incarnation := rand.Uint64()
	s := &Service{
		clk:                            clk,
		directory:                      directory,
		metrics:                        cfg.Metrics,
		heartbeatTimeoutMs:             heartbeatTimeoutMs,
		shutdownBarrierTimeout:         time.Duration(cfg.ShutdownBarrierTimeoutMs) * time.Millisecond,
		allowNewIncarnationToReconnect: cfg.AllowNewIncarnationToReconnect,
		recoverableJobs:                make(map[string]struct{}),
		serviceIncarnation:             incarnation,
		devicePropagationBarrierID:     "WaitForAllTasks::" + strconv.FormatUint(incarnation, 10),
		shutdownBarrierID:              "Shutdown::" + strconv.FormatUint(incarnation, 10),
		kv:                             kvstore.New(),
		clusterState:                   make(map[string]*taskState),
		barriers:                       make(map[string]*barrierState),
		ongoingBarriers:                make(map[string]struct{}),
		errorPolling:                   newErrorPollingState(),
		stopCh:                         make(chan struct{}),
	}
	for _, job := range cfg.RecoverableJobs {
		s.recoverableJobs[job] = struct{}{}
	}
	for _, job := range cfg.Jobs {
		for i := 0; i < job.NumTasks; i++ {
			task := types.Task{JobName: job.Name, TaskID: i}
			s.clusterState[task.Name()] = newTaskState(task)
		}
	}
	s.loopWg.Add(1)
	go s.checkStalenessLoop()
	return s
}

// GetServiceIncarnation returns the random id minted at construction. It is
// embedded in the reserved barrier ids so successive service instances can
// never collide.
func (s *Service) GetServiceIncarnation() uint64 { return s.serviceIncarnation }

// RegisterTask connects a task to the service under the given incarnation.
func (s *Service) RegisterTask(task types.Task, incarnation uint64) error {
	taskName := task.Name()

	var d deferredCalls
	var regErr error
	s.mu.Lock()
	switch {
	case s.shuttingDown:
		s.mu.Unlock()
		return coorderr.Internalf(
			"coordination service has stopped, RegisterTask() from task %s failed", taskName)
	case s.clusterState[taskName] == nil:
		// Unknown-task errors are returned to the caller only, never
		// propagated to the rest of the cluster.
		s.mu.Unlock()
		return coorderr.InvalidArgumentf("unexpected task registered with task_name=%s", taskName)
	}

	ts := s.clusterState[taskName]
	payload := coorderr.GetPayload(ts.status)
	switch {
	case ts.state == types.StateDisconnected,
		s.allowNewIncarnationToReconnect && coorderr.IsUnavailable(ts.status) && payload != nil:
		// First registration, a post-Reset reconnect, or a configured
		// restart after a lost connection.
		ts.setConnected(s.clk, incarnation)
		log.Info("task has connected to coordination service",
			"task", taskName, "incarnation", incarnation)
		s.logConnectStatusLocked()
		s.metrics.TaskRegistered()
		s.updateTaskGaugesLocked()
		s.mu.Unlock()
		return nil
	case ts.state == types.StateConnected && ts.incarnation == incarnation:
		// Agent retry of a registration the service already processed.
		// Refreshing the heartbeat stamp widens the agent's grace window.
		ts.setConnected(s.clk, incarnation)
		log.Info("task has connected again with the same incarnation",
			"task", taskName, "incarnation", incarnation)
		s.logConnectStatusLocked()
		s.mu.Unlock()
		return nil
	case ts.state == types.StateConnected:
		regErr = coorderr.WithSourceTask(coorderr.Abortedf(
			"task %s unexpectedly tried to connect with a different incarnation, it has likely restarted",
			taskName), task)
	default:
		regErr = coorderr.WithSourceTask(coorderr.Abortedf(
			"task %s unexpectedly tried to connect while it is already in error, ResetTask() should be called before a subsequent connect attempt",
			taskName), task)
	}
	log.Error("task registration rejected", "task", taskName, "err", regErr)
	s.setTaskErrorLocked(taskName, regErr, &d)
	s.mu.Unlock()
	d.run()
	s.propagateError(task, false)
	return regErr
}

// logConnectStatusLocked reports progress towards a fully connected
// cluster, naming a few stragglers.
func (s *Service) logConnectStatusLocked() {
	pending := 0
	var stragglers []string
	for name, ts := range s.clusterState {
		if ts.state != types.StateConnected {
			pending++
			if len(stragglers) < pendingStragglerLogLimit {
				stragglers = append(stragglers, name)
			}
		}
	}
	log.Info("waiting for tasks to connect", "pending", pending, "total", len(s.clusterState))
	if len(stragglers) > 0 {
		log.Info("example stragglers", "tasks", strings.Join(stragglers, ","))
	}
}

// RecordHeartbeat refreshes a task's liveness under its incarnation.
func (s *Service) RecordHeartbeat(task types.Task, incarnation uint64) error {
	taskName := task.Name()

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return coorderr.Internalf(
			"coordination service has stopped, RecordHeartbeat() from task %s failed", taskName)
	}
	ts, ok := s.clusterState[taskName]
	if !ok {
		s.mu.Unlock()
		return coorderr.InvalidArgumentf(
			"unexpected heartbeat request from task %s, this usually implies a configuration error", taskName)
	}
	if ts.status != nil {
		// The task has a pending error; report it back as-is rather than
		// minting a new one.
		err := ts.status
		s.mu.Unlock()
		return err
	}
	if ts.isDisconnectedBeyondGracePeriod(s.clk) {
		s.mu.Unlock()
		return coorderr.InvalidArgumentf(
			"task with task_name=%s must be registered before sending heartbeat messages", taskName)
	}
	hbErr := ts.recordHeartbeat(s.clk, incarnation)
	if hbErr == nil {
		s.mu.Unlock()
		return nil
	}
	var d deferredCalls
	s.setTaskErrorLocked(taskName, hbErr, &d)
	s.mu.Unlock()
	d.run()
	s.propagateError(task, false)
	return hbErr
}

// ReportTaskError records an error a task observed locally and propagates
// it to the rest of the cluster.
func (s *Service) ReportTaskError(task types.Task, taskErr error) error {
	taskName := task.Name()

	var d deferredCalls
	s.mu.Lock()
	switch {
	case s.shuttingDown:
		s.mu.Unlock()
		return coorderr.Internalf("coordination service has stopped, ReportTaskError() failed")
	case s.clusterState[taskName] == nil:
		s.mu.Unlock()
		return coorderr.InvalidArgumentf("unexpected request from task %s", taskName)
	case s.clusterState[taskName].state != types.StateConnected:
		s.mu.Unlock()
		return coorderr.FailedPreconditionf("the task is not connected or already has an error")
	}
	s.setTaskErrorLocked(taskName, taskErr, &d)
	s.mu.Unlock()
	d.run()
	s.propagateError(task, true)
	return nil
}

// ResetTask disconnects the task so it may register again later.
func (s *Service) ResetTask(task types.Task) error {
	var d deferredCalls
	s.mu.Lock()
	err := s.disconnectTaskLocked(task, &d)
	s.mu.Unlock()
	d.run()
	return err
}

// disconnectTaskLocked moves a CONNECTED or ERROR task back to
// DISCONNECTED with a heartbeat-timeout grace window, failing every
// barrier the task was still in.
func (s *Service) disconnectTaskLocked(task types.Task, d *deferredCalls) error {
	taskName := task.Name()
	if s.shuttingDown {
		return coorderr.Internalf(
			"coordination service has stopped, DisconnectTask() failed for task_name=%s", taskName)
	}
	ts, ok := s.clusterState[taskName]
	if !ok {
		return coorderr.InvalidArgumentf("unexpected disconnect request with task_name=%s", taskName)
	}
	if ts.state == types.StateDisconnected {
		return coorderr.FailedPreconditionf("the task is already disconnected: %s", taskName)
	}

	ts.disconnect(s.clk, s.heartbeatTimeoutMs*1000)
	for _, barrierID := range ts.ongoingBarrierIDs() {
		barrierErr := coorderr.Internalf(
			"barrier failed because a task has disconnected, barrier id: %s, task: %s",
			barrierID, taskName)
		s.passBarrierLocked(barrierID, barrierErr, s.barriers[barrierID], d)
	}
	s.updateTaskGaugesLocked()

	log.Info("task has disconnected from coordination service", "task", taskName)
	return nil
}

// ShutdownTaskAsync takes the task through the coordinated shutdown
// sequence: the shutdown barrier when one is configured, an individual
// disconnect otherwise.
func (s *Service) ShutdownTaskAsync(task types.Task, done StatusCallback) {
	log.Debug("ShutdownTaskAsync invoked", "task", task.Name())
	if s.shutdownBarrierTimeout > 0 {
		// Rendezvous so that all tasks disconnect together.
		s.BarrierAsync(s.shutdownBarrierID, s.shutdownBarrierTimeout, task, nil, done)
		return
	}
	var d deferredCalls
	s.mu.Lock()
	var err error
	if s.shuttingDown {
		err = coorderr.Internalf("coordination service has stopped, ShutdownTaskAsync() failed")
	} else {
		err = s.disconnectTaskLocked(task, &d)
	}
	s.mu.Unlock()
	d.run()
	done(err)
}

// GetTaskState snapshots (state, status) for each requested task.
func (s *Service) GetTaskState(tasks []types.Task) []types.TaskStateInfo {
	infos := make([]types.TaskStateInfo, 0, len(tasks))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range tasks {
		info := types.TaskStateInfo{Task: task, State: types.StateDisconnected}
		var status error
		if ts, ok := s.clusterState[task.Name()]; ok {
			info.State = ts.state
			status = ts.status
		} else {
			status = coorderr.InvalidArgumentf("unexpected task %s that is not in the cluster", task.Name())
		}
		if status != nil {
			info.ErrorCode = uint32(coorderr.Code(status))
			info.ErrorMessage = coorderr.Message(status)
			t := task
			info.SourceTask = &t
			info.IsReportedError = false
		}
		infos = append(infos, info)
	}
	return infos
}

// setTaskErrorLocked moves the task to ERROR (keeping the first error) and
// fails every barrier the task was still in.
func (s *Service) setTaskErrorLocked(taskName string, err error, d *deferredCalls) {
	ts := s.clusterState[taskName]
	ts.setError(err)
	for _, barrierID := range ts.ongoingBarrierIDs() {
		barrierErr := coorderr.Internalf(
			"barrier failed because a task is in error, barrier id: %s, task: %s, error: %s",
			barrierID, taskName, coorderr.Message(err))
		s.passBarrierLocked(barrierID, barrierErr, s.barriers[barrierID], d)
	}
	s.updateTaskGaugesLocked()
	log.Error("task has been set to ERROR in coordination service", "task", taskName, "err", err)
}

func (s *Service) updateTaskGaugesLocked() {
	connected, errored := 0, 0
	for _, ts := range s.clusterState {
		switch ts.state {
		case types.StateConnected:
			connected++
		case types.StateError:
			errored++
		}
	}
	s.metrics.SetTaskStates(connected, errored)
}

// WaitForAllTasks stores the task's device info on its first call, then
// joins the device-propagation barrier across the whole cluster.
func (s *Service) WaitForAllTasks(task types.Task, devices types.DeviceInfo, done StatusCallback) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		done(coorderr.Internalf("coordination service has stopped, WaitForAllTasks() failed"))
		return
	}
	if ts, ok := s.clusterState[task.Name()]; ok && !ts.deviceInfoIsCollected() {
		ts.collectDeviceInfo(devices)
	}
	s.mu.Unlock()
	s.BarrierAsync(s.devicePropagationBarrierID, devicePropagationTimeout, task, nil, done)
}

// aggregateClusterDevicesLocked publishes the union of all collected
// device info, in deterministic (job, id) order. Runs exactly once, when
// the device-propagation barrier passes.
func (s *Service) aggregateClusterDevicesLocked() {
	if !s.clusterDevices.Empty() {
		log.Error("cluster devices already aggregated, skipping")
		return
	}
	ordered := make([]types.Task, 0, len(s.clusterState))
	for _, ts := range s.clusterState {
		ordered = append(ordered, ts.task)
	}
	types.SortTasks(ordered)
	for _, task := range ordered {
		s.clusterDevices.Merge(s.clusterState[task.Name()].devices)
	}
	if s.postAggregateFn != nil {
		s.clusterDevices = s.postAggregateFn(s.clusterDevices)
	}
}

// ListClusterDevices returns the aggregated device info; empty until the
// device-propagation barrier has passed.
func (s *Service) ListClusterDevices() types.DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clusterDevices.Clone()
}

// SetDeviceAggregationFunction installs a host-supplied post-processing
// step applied to the aggregate before publication.
func (s *Service) SetDeviceAggregationFunction(fn func(types.DeviceInfo) types.DeviceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postAggregateFn = fn
}

// InsertKeyValue stores a config key-value, waking any blocked getters.
func (s *Service) InsertKeyValue(key, value string, allowOverwrite bool) error {
	log.Debug("InsertKeyValue", "key", key, "allow_overwrite", allowOverwrite)
	err := s.kv.Insert(key, value, allowOverwrite)
	if err == nil {
		s.metrics.SetKVKeys(s.kv.Len())
	}
	return err
}

// GetKeyValueAsync delivers the value for key, blocking (via callback)
// until a matching insert or service shutdown.
func (s *Service) GetKeyValueAsync(key string, cb kvstore.GetCallback) {
	log.Debug("GetKeyValueAsync", "key", key)
	s.kv.GetAsync(key, cb)
}

// TryGetKeyValue returns the value for key or NotFound, without blocking.
func (s *Service) TryGetKeyValue(key string) (string, error) {
	return s.kv.TryGet(key)
}

// GetKeyValueDir lists every entry under the key interpreted as a
// directory, in lexicographic order.
func (s *Service) GetKeyValueDir(key string) []types.KeyValueEntry {
	return s.kv.GetDir(key)
}

// DeleteKeyValue removes the key and its whole subtree.
func (s *Service) DeleteKeyValue(key string) {
	log.Debug("DeleteKeyValue", "key", key)
	s.kv.Delete(key)
	s.metrics.SetKVKeys(s.kv.Len())
}

// checkStalenessLoop runs the 1 Hz sweep that fails tasks past their
// heartbeat deadline and barriers past theirs. One long-lived goroutine,
// stopped by closing stopCh.
func (s *Service) checkStalenessLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(stalenessCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.checkHeartbeatTimeout()
			s.checkBarrierTimeout()
		}
	}
}

// checkHeartbeatTimeout fails every connected task whose heartbeat is
// older than the timeout, then surfaces the failures.
func (s *Service) checkHeartbeatTimeout() {
	var staleTasks []types.Task
	var staleNames []string
	var d deferredCalls
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	for name, ts := range s.clusterState {
		if ts.state != types.StateConnected {
			continue
		}
		if ts.timeSinceLastHeartbeatMs(s.clk) > s.heartbeatTimeoutMs {
			staleTasks = append(staleTasks, ts.task)
			staleNames = append(staleNames, name)
			hbErr := coorderr.WithSourceTask(coorderr.Unavailablef(
				"task %s heartbeat timeout, this indicates that the remote task has failed, got preempted, or crashed unexpectedly",
				name), ts.task)
			s.setTaskErrorLocked(name, hbErr, &d)
			s.metrics.HeartbeatExpired()
		}
	}
	s.mu.Unlock()
	d.run()

	if len(staleTasks) == 0 {
		return
	}
	if s.directory == nil {
		aggErr := coorderr.Unavailablef(
			"the following tasks are unhealthy (stopped sending heartbeats):\n%s",
			strings.Join(staleNames, "\n"))
		s.sendErrorPollingResponseOrStopService(aggErr)
		return
	}
	for _, task := range staleTasks {
		s.propagateError(task, false)
	}
}

// checkBarrierTimeout fails every ongoing barrier whose deadline has
// passed.
func (s *Service) checkBarrierTimeout() {
	nowUs := s.clk.NowMicros()
	var shutdownTimeoutMsg string
	var d deferredCalls
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	var expired []string
	for barrierID := range s.ongoingBarriers {
		if nowUs > s.barriers[barrierID].deadlineUs {
			expired = append(expired, barrierID)
		}
	}
	for _, barrierID := range expired {
		b := s.barriers[barrierID]
		msg := s.timeoutErrorLocked(barrierID, b)
		if barrierID == s.shutdownBarrierID {
			shutdownTimeoutMsg = msg
		}
		s.passBarrierLocked(barrierID, coorderr.DeadlineExceededf("%s", msg), b, &d)
	}
	s.mu.Unlock()
	d.run()

	if s.directory == nil && shutdownTimeoutMsg != "" {
		// The shutdown barrier result cannot reach stragglers over a push
		// channel; drive the pull/stop fallback instead.
		s.sendErrorPollingResponseOrStopService(coorderr.DeadlineExceededf(
			"shutdown barrier timed out, error: %s", shutdownTimeoutMsg))
	}
}

// Stop shuts the service down: pending KV getters are cancelled, every
// un-passed barrier is aborted, the task table is cleared and the
// staleness worker is joined.
func (s *Service) Stop() {
	s.stop(true)
}

// stop implements Stop. joinStaleness is false when invoked from within
// the staleness thread itself.
func (s *Service) stop(joinStaleness bool) {
	s.kv.FailPending(coorderr.Cancelledf(
		"coordination service is shutting down, cancelling GetKeyValue()"))

	var d deferredCalls
	s.mu.Lock()
	if !s.shuttingDown {
		s.shuttingDown = true
		close(s.stopCh)
	}
	for barrierID, b := range s.barriers {
		if !b.passed {
			abortErr := coorderr.Abortedf(
				"barrier failed because service is shutting down, barrier id: %s", barrierID)
			s.passBarrierLocked(barrierID, abortErr, b, &d)
		}
	}
	s.barriers = make(map[string]*barrierState)
	// Sequence matters: barriers are failed first because PassBarrier
	// reads task records.
	s.clusterState = make(map[string]*taskState)
	s.mu.Unlock()
	d.run()

	if s.clientPolling.Load() {
		s.sendErrorPollingResponse(coorderr.Cancelledf(
			"coordination service is shutting down, cancelling PollForErrorAsync()"))
	}
	if joinStaleness {
		s.loopWg.Wait()
	}
	log.Info("coordination service stopped")
}
