// Package server exposes the coordination service over an HTTP/JSON API.
// Each endpoint maps one service operation; blocking operations (barriers,
// key-value gets, error polls) are bridged from callbacks to the request
// goroutine.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/ChuLiYu/cluster-coordinator/internal/coordination"
	"github.com/ChuLiYu/cluster-coordinator/pkg/coorderr"
	"github.com/ChuLiYu/cluster-coordinator/pkg/types"
)

var log = slog.Default()

// Server routes HTTP requests to the coordination service.
type Server struct {
	svc *coordination.Service
	mux *http.ServeMux
}

// New builds the request router around svc.
func New(svc *coordination.Service) *Server {
	s := &Server{svc: svc, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /v1/register", s.handleRegister)
	s.mux.HandleFunc("POST /v1/heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("POST /v1/wait_for_all_tasks", s.handleWaitForAllTasks)
	s.mux.HandleFunc("POST /v1/shutdown", s.handleShutdown)
	s.mux.HandleFunc("POST /v1/tasks/reset", s.handleResetTask)
	s.mux.HandleFunc("POST /v1/tasks/error", s.handleReportTaskError)
	s.mux.HandleFunc("POST /v1/tasks/state", s.handleGetTaskState)
	s.mux.HandleFunc("POST /v1/barrier", s.handleBarrier)
	s.mux.HandleFunc("POST /v1/barrier/cancel", s.handleCancelBarrier)
	s.mux.HandleFunc("POST /v1/poll_error", s.handlePollForError)
	s.mux.HandleFunc("POST /v1/kv", s.handleInsertKeyValue)
	s.mux.HandleFunc("POST /v1/kv/get", s.handleGetKeyValue)
	s.mux.HandleFunc("POST /v1/kv/tryget", s.handleTryGetKeyValue)
	s.mux.HandleFunc("GET /v1/kv/dir", s.handleGetKeyValueDir)
	s.mux.HandleFunc("POST /v1/kv/delete", s.handleDeleteKeyValue)
	s.mux.HandleFunc("GET /v1/devices", s.handleListClusterDevices)
	s.mux.HandleFunc("GET /v1/incarnation", s.handleGetServiceIncarnation)
	s.mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

type errorBody struct {
	Code            uint32            `json:"code"`
	Status          string            `json:"status"`
	Message         string            `json:"message"`
	Payload         *coorderr.Payload `json:"payload,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// httpStatusFromCode translates status kinds to HTTP codes the way
// grpc-gateway does.
func httpStatusFromCode(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.FailedPrecondition:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.Canceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := coorderr.Code(err)
	writeJSON(w, httpStatusFromCode(code), errorResponse{Error: errorBody{
		Code:    uint32(code),
		Status:  code.String(),
		Message: coorderr.Message(err),
		Payload: coorderr.GetPayload(err),
	}})
}

// writeResult sends either the payload or the error body.
func writeResult(w http.ResponseWriter, err error, body any) {
	if err != nil {
		writeError(w, err)
		return
	}
	if body == nil {
		body = struct{}{}
	}
	writeJSON(w, http.StatusOK, body)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return false
	}
	return true
}

type registerRequest struct {
	Task        types.Task `json:"task"`
	Incarnation uint64     `json:"incarnation"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	writeResult(w, s.svc.RegisterTask(req.Task, req.Incarnation), nil)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	writeResult(w, s.svc.RecordHeartbeat(req.Task, req.Incarnation), nil)
}

type waitForAllTasksRequest struct {
	Task    types.Task       `json:"task"`
	Devices types.DeviceInfo `json:"devices"`
}

type waitForAllTasksResponse struct {
	ClusterDevices types.DeviceInfo `json:"cluster_devices"`
}

func (s *Server) handleWaitForAllTasks(w http.ResponseWriter, r *http.Request) {
	var req waitForAllTasksRequest
	if !decode(w, r, &req) {
		return
	}
	done := make(chan error, 1)
	s.svc.WaitForAllTasks(req.Task, req.Devices, func(err error) { done <- err })
	if err := <-done; err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, waitForAllTasksResponse{ClusterDevices: s.svc.ListClusterDevices()})
}

type taskRequest struct {
	Task types.Task `json:"task"`
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if !decode(w, r, &req) {
		return
	}
	done := make(chan error, 1)
	s.svc.ShutdownTaskAsync(req.Task, func(err error) { done <- err })
	writeResult(w, <-done, nil)
}

func (s *Server) handleResetTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if !decode(w, r, &req) {
		return
	}
	writeResult(w, s.svc.ResetTask(req.Task), nil)
}

type reportTaskErrorRequest struct {
	Task         types.Task `json:"task"`
	ErrorCode    uint32     `json:"error_code"`
	ErrorMessage string     `json:"error_message"`
}

func (s *Server) handleReportTaskError(w http.ResponseWriter, r *http.Request) {
	var req reportTaskErrorRequest
	if !decode(w, r, &req) {
		return
	}
	taskErr := coorderr.FromCodeAndMessage(req.ErrorCode, req.ErrorMessage)
	if taskErr == nil {
		http.Error(w, "error_code must be non-zero", http.StatusBadRequest)
		return
	}
	coorderr.WithSourceTask(taskErr, req.Task)
	writeResult(w, s.svc.ReportTaskError(req.Task, taskErr), nil)
}

type getTaskStateRequest struct {
	Tasks []types.Task `json:"tasks"`
}

type getTaskStateResponse struct {
	TaskStates []types.TaskStateInfo `json:"task_states"`
}

func (s *Server) handleGetTaskState(w http.ResponseWriter, r *http.Request) {
	var req getTaskStateRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, getTaskStateResponse{TaskStates: s.svc.GetTaskState(req.Tasks)})
}

type barrierRequest struct {
	BarrierID          string       `json:"barrier_id"`
	TimeoutMs          int64        `json:"timeout_in_ms"`
	Task               types.Task   `json:"task"`
	ParticipatingTasks []types.Task `json:"participating_tasks,omitempty"`
}

func (s *Server) handleBarrier(w http.ResponseWriter, r *http.Request) {
	var req barrierRequest
	if !decode(w, r, &req) {
		return
	}
	done := make(chan error, 1)
	s.svc.BarrierAsync(req.BarrierID, millis(req.TimeoutMs), req.Task, req.ParticipatingTasks,
		func(err error) { done <- err })
	writeResult(w, <-done, nil)
}

type cancelBarrierRequest struct {
	BarrierID string     `json:"barrier_id"`
	Task      types.Task `json:"task"`
}

func (s *Server) handleCancelBarrier(w http.ResponseWriter, r *http.Request) {
	var req cancelBarrierRequest
	if !decode(w, r, &req) {
		return
	}
	writeResult(w, s.svc.CancelBarrier(req.BarrierID, req.Task), nil)
}

func (s *Server) handlePollForError(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if !decode(w, r, &req) {
		return
	}
	done := make(chan error, 1)
	s.svc.PollForErrorAsync(req.Task, func(err error) { done <- err })
	// The poll resolves only when an error is set or the service stops;
	// that resolution is the payload, not a transport failure.
	err := <-done
	code := coorderr.Code(err)
	writeJSON(w, http.StatusOK, errorResponse{Error: errorBody{
		Code:    uint32(code),
		Status:  code.String(),
		Message: coorderr.Message(err),
		Payload: coorderr.GetPayload(err),
	}})
}

type insertKeyValueRequest struct {
	Key            string `json:"key"`
	Value          string `json:"value"`
	AllowOverwrite bool   `json:"allow_overwrite,omitempty"`
}

func (s *Server) handleInsertKeyValue(w http.ResponseWriter, r *http.Request) {
	var req insertKeyValueRequest
	if !decode(w, r, &req) {
		return
	}
	writeResult(w, s.svc.InsertKeyValue(req.Key, req.Value, req.AllowOverwrite), nil)
}

type keyRequest struct {
	Key string `json:"key"`
}

type keyValueResponse struct {
	Value string `json:"value"`
}

func (s *Server) handleGetKeyValue(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !decode(w, r, &req) {
		return
	}
	type result struct {
		value string
		err   error
	}
	done := make(chan result, 1)
	s.svc.GetKeyValueAsync(req.Key, func(value string, err error) {
		done <- result{value: value, err: err}
	})
	select {
	case res := <-done:
		writeResult(w, res.err, keyValueResponse{Value: res.value})
	case <-r.Context().Done():
		// Client gave up; the pending getter stays until a write or
		// service shutdown resolves it into the buffered channel.
		writeError(w, coorderr.Cancelledf("client cancelled GetKeyValue for key %s", req.Key))
	}
}

func (s *Server) handleTryGetKeyValue(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !decode(w, r, &req) {
		return
	}
	value, err := s.svc.TryGetKeyValue(req.Key)
	writeResult(w, err, keyValueResponse{Value: value})
}

type keyValueDirResponse struct {
	Entries []types.KeyValueEntry `json:"entries"`
}

func (s *Server) handleGetKeyValueDir(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	writeJSON(w, http.StatusOK, keyValueDirResponse{Entries: s.svc.GetKeyValueDir(key)})
}

func (s *Server) handleDeleteKeyValue(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !decode(w, r, &req) {
		return
	}
	s.svc.DeleteKeyValue(req.Key)
	writeResult(w, nil, nil)
}

func (s *Server) handleListClusterDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, waitForAllTasksResponse{ClusterDevices: s.svc.ListClusterDevices()})
}

type incarnationResponse struct {
	ServiceIncarnation uint64 `json:"service_incarnation"`
}

func (s *Server) handleGetServiceIncarnation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, incarnationResponse{ServiceIncarnation: s.svc.GetServiceIncarnation()})
}

func millis(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }
