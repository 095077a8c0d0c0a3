package coordination

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/cluster-coordinator/pkg/coorderr"
	"github.com/ChuLiYu/cluster-coordinator/pkg/types"
)

// Outbound sends to agents use this fixed deadline. Failures are logged,
// never retried.
const serviceToClientTimeout = 10 * time.Second

// serviceSourceJobName marks errors that originate from the service itself
// rather than from a peer task.
const serviceSourceJobName = "coordination_service"

// errorPollingState tracks pull-mode error delivery. Guarded by the service
// state mutex.
type errorPollingState struct {
	responded     bool
	err           error
	doneCallbacks []StatusCallback
	pollingTasks  map[string]struct{}
}

func newErrorPollingState() errorPollingState {
	return errorPollingState{pollingTasks: make(map[string]struct{})}
}

// setError latches the response; the first call wins. It returns the queued
// callbacks for the caller to fire outside the lock.
func (e *errorPollingState) setError(err error) []StatusCallback {
	if e.responded {
		return nil
	}
	e.responded = true
	e.err = err
	cbs := e.doneCallbacks
	e.doneCallbacks = nil
	return cbs
}

func (e *errorPollingState) addTask(task types.Task, done StatusCallback) {
	if e.responded {
		return
	}
	e.pollingTasks[task.Name()] = struct{}{}
	e.doneCallbacks = append(e.doneCallbacks, done)
}

func (e *errorPollingState) isTaskPolling(taskName string) bool {
	_, ok := e.pollingTasks[taskName]
	return ok
}

// PollForErrorAsync registers the calling task as a pull-mode error
// listener. done fires with the first cluster error, or Cancelled at
// service shutdown.
func (s *Service) PollForErrorAsync(task types.Task, done StatusCallback) {
	taskName := task.Name()
	log.Debug("PollForErrorAsync invoked", "task", taskName)

	var d deferredCalls
	s.mu.Lock()
	switch {
	case s.shuttingDown:
		d.add(done, coorderr.Internalf("PollForError requested after coordination service has shut down"))
	case s.directory != nil:
		d.add(done, coorderr.Internalf(
			"should not use error polling from service when there is a service to client connection"))
	default:
		s.clientPolling.Store(true)
		ts, known := s.clusterState[taskName]
		switch {
		case !known:
			d.add(done, coorderr.InvalidArgumentf(
				"unexpected task %s that is not in the cluster polling for errors", taskName))
		case ts.isDisconnectedBeyondGracePeriod(s.clk):
			d.add(done, coorderr.FailedPreconditionf(
				"task %s that has not been registered or has disconnected polling for errors", taskName))
		case ts.state == types.StateError:
			d.add(done, coorderr.FailedPreconditionf(
				"task %s that is already in error state polling for errors, current error: %s",
				taskName, coorderr.Message(ts.status)))
		case s.errorPolling.responded:
			d.add(done, s.errorPolling.err)
		default:
			s.errorPolling.addTask(task, done)
		}
	}
	s.mu.Unlock()
	d.run()
}

// sendErrorPollingResponse answers every queued poll with err. Tasks that
// never polled are enumerated and logged; they do not receive the error.
func (s *Service) sendErrorPollingResponse(err error) {
	if !coorderr.IsCancelled(err) {
		log.Info("sending error as a response to all error polling requests", "err", err)
	}
	s.mu.Lock()
	if s.errorPolling.responded {
		s.mu.Unlock()
		return
	}
	var missing []string
	for name := range s.clusterState {
		if !s.errorPolling.isTaskPolling(name) {
			missing = append(missing, name)
		}
	}
	cbs := s.errorPolling.setError(err)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(err)
	}
	if len(missing) > 0 {
		log.Error("tasks did not poll for error, error will not be propagated to them",
			"count", len(missing), "tasks", strings.Join(missing, ","))
	}
}

// sendErrorPollingResponseOrStopService surfaces err without a push
// channel: through the poll queue if any client ever polled, otherwise by
// stopping the whole service. Returns true iff the service stopped.
func (s *Service) sendErrorPollingResponseOrStopService(err error) bool {
	if s.clientPolling.Load() {
		log.Error("using error polling to propagate error to all tasks", "err", err)
		s.sendErrorPollingResponse(err)
		return false
	}
	log.Error("stopping coordination service: no service-to-client connection and an error was encountered",
		"err", err)
	s.stop(false)
	return true
}

// propagateError fans the source task's recorded error out to every
// currently connected task. In push mode the sends run concurrently and
// this call blocks until all of them finish; in pull mode the error goes
// through the poll queue (or stops the service). Errors of recoverable
// jobs are not propagated at all.
func (s *Service) propagateError(sourceTask types.Task, isReportedByTask bool) {
	if s.isRecoverableJob(sourceTask.JobName) {
		return
	}

	s.mu.Lock()
	ts, ok := s.clusterState[sourceTask.Name()]
	if !ok {
		s.mu.Unlock()
		return
	}
	err := ts.status
	var connected []string
	for name, state := range s.clusterState {
		if state.state == types.StateConnected {
			connected = append(connected, name)
		}
	}
	s.mu.Unlock()
	if err == nil || len(connected) == 0 {
		return
	}

	if s.directory == nil {
		s.sendErrorPollingResponseOrStopService(err)
		return
	}

	req := &ReportErrorRequest{
		ErrorCode:        uint32(coorderr.Code(err)),
		ErrorMessage:     coorderr.Message(err),
		SourceTask:       sourceTask,
		IsReportedByTask: isReportedByTask,
	}
	var wg sync.WaitGroup
	for _, name := range connected {
		wg.Add(1)
		go func(taskName string) {
			defer wg.Done()
			s.sendReportError(taskName, req)
		}(name)
	}
	wg.Wait()
	s.metrics.ErrorPropagated()
}

// reportServiceErrorToTaskAsync pushes a service-originated error to one
// task without waiting for the send to finish. Without a push channel the
// error is only logged.
func (s *Service) reportServiceErrorToTaskAsync(destination types.Task, err error) {
	if s.directory == nil {
		log.Error("cannot report service error to task without client connection",
			"task", destination.Name(), "err", err)
		return
	}
	req := &ReportErrorRequest{
		ErrorCode:    uint32(coorderr.Code(err)),
		ErrorMessage: coorderr.Message(err),
		SourceTask:   types.Task{JobName: serviceSourceJobName},
	}
	go s.sendReportError(destination.Name(), req)
}

func (s *Service) sendReportError(taskName string, req *ReportErrorRequest) {
	client, err := s.directory.GetClient(taskName)
	if err != nil {
		log.Error("no client for task", "task", taskName, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), serviceToClientTimeout)
	defer cancel()
	if err := client.ReportErrorToTask(ctx, req); err != nil {
		log.Error("encountered another error while reporting to task", "task", taskName, "err", err)
	}
}

func (s *Service) isRecoverableJob(jobName string) bool {
	_, ok := s.recoverableJobs[jobName]
	return ok
}
