// Package types defines the core domain model shared by the coordination
// service and its transport layers.
package types

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TaskState is the lifecycle state of a coordinated task as tracked by the
// service.
type TaskState string

const (
	// StateDisconnected means the task has not registered yet, or has been
	// reset/disconnected since its last registration.
	StateDisconnected TaskState = "disconnected"
	// StateConnected means the task registered and is heartbeating.
	StateConnected TaskState = "connected"
	// StateError means the task hit an unrecoverable error. A reset is
	// required before it may register again, unless the service allows a
	// new incarnation to reconnect after an Unavailable error.
	StateError TaskState = "error"
)

// Task identifies a worker process in the coordinated cluster.
type Task struct {
	JobName string `json:"job_name"`
	TaskID  int    `json:"task_id"`
}

// Name returns the canonical string form of the task,
// "/job:<job>/replica:0/task:<id>".
func (t Task) Name() string {
	return TaskName(t.JobName, t.TaskID)
}

// TaskName formats a (job, id) pair into the canonical task name.
func TaskName(jobName string, taskID int) string {
	return fmt.Sprintf("/job:%s/replica:0/task:%d", jobName, taskID)
}

// ParseTaskName parses a canonical task name back into a Task. It is the
// exact inverse of TaskName.
func ParseTaskName(name string) (Task, error) {
	var task Task
	rest, ok := strings.CutPrefix(name, "/job:")
	if !ok {
		return task, fmt.Errorf("malformed task name %q: missing /job: prefix", name)
	}
	job, rest, ok := strings.Cut(rest, "/replica:")
	if !ok {
		return task, fmt.Errorf("malformed task name %q: missing /replica: part", name)
	}
	replica, rest, ok := strings.Cut(rest, "/task:")
	if !ok {
		return task, fmt.Errorf("malformed task name %q: missing /task: part", name)
	}
	if replica != "0" {
		return task, fmt.Errorf("malformed task name %q: replica must be 0", name)
	}
	id, err := strconv.Atoi(rest)
	if err != nil || id < 0 || strconv.Itoa(id) != rest {
		return task, fmt.Errorf("malformed task name %q: bad task id", name)
	}
	task.JobName = job
	task.TaskID = id
	return task, nil
}

// Less orders tasks lexicographically by (job name, task id). Used to make
// cluster-wide aggregations deterministic.
func (t Task) Less(other Task) bool {
	if t.JobName != other.JobName {
		return t.JobName < other.JobName
	}
	return t.TaskID < other.TaskID
}

// SortTasks sorts tasks in place by (job name, task id).
func SortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Less(tasks[j]) })
}

// DeviceInfo is the opaque device payload a task contributes during device
// propagation. The service never inspects entries; it only concatenates
// them per-task in deterministic order.
type DeviceInfo struct {
	Entries [][]byte `json:"entries,omitempty"`
}

// Empty reports whether no device info has been collected.
func (d DeviceInfo) Empty() bool { return len(d.Entries) == 0 }

// Merge appends all entries from other.
func (d *DeviceInfo) Merge(other DeviceInfo) {
	d.Entries = append(d.Entries, other.Entries...)
}

// Clone returns a copy sharing no slice headers with the receiver. Entry
// byte slices are shared; they are treated as immutable once contributed.
func (d DeviceInfo) Clone() DeviceInfo {
	if len(d.Entries) == 0 {
		return DeviceInfo{}
	}
	entries := make([][]byte, len(d.Entries))
	copy(entries, d.Entries)
	return DeviceInfo{Entries: entries}
}

// CoordinatedJob declares one job of the cluster: NumTasks tasks with ids
// 0..NumTasks-1.
type CoordinatedJob struct {
	Name     string `json:"name" yaml:"name"`
	NumTasks int    `json:"num_tasks" yaml:"num_tasks"`
}

// TaskStateInfo is a point-in-time snapshot of one task's state as returned
// by GetTaskState.
type TaskStateInfo struct {
	Task            Task      `json:"task"`
	State           TaskState `json:"state"`
	ErrorCode       uint32    `json:"error_code,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	SourceTask      *Task     `json:"source_task,omitempty"`
	IsReportedError bool      `json:"is_reported_error,omitempty"`
}

// KeyValueEntry is one entry of the configuration key-value store.
type KeyValueEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
