// Package metrics collects and exposes Prometheus metrics for the
// coordination service.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the coordination service metrics. A nil *Collector is
// valid and records nothing, so instrumentation sites never need a guard.
type Collector struct {
	taskRegistrations prometheus.Counter
	heartbeatTimeouts prometheus.Counter
	errorPropagations prometheus.Counter
	barriersPassed    prometheus.Counter
	barriersFailed    prometheus.Counter

	tasksConnected prometheus.Gauge
	tasksInError   prometheus.Gauge
	barriersOpen   prometheus.Gauge
	kvKeys         prometheus.Gauge
}

// NewCollector creates and registers the coordination metrics with the
// given registerer (prometheus.DefaultRegisterer in production).
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		taskRegistrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordination_task_registrations_total",
			Help: "Total number of successful task registrations",
		}),
		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordination_heartbeat_timeouts_total",
			Help: "Total number of tasks failed for missing heartbeats",
		}),
		errorPropagations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordination_error_propagations_total",
			Help: "Total number of push-mode error fan-outs",
		}),
		barriersPassed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordination_barriers_passed_total",
			Help: "Total number of barriers that passed successfully",
		}),
		barriersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordination_barriers_failed_total",
			Help: "Total number of barriers that failed (timeout, cancel, task error, shutdown)",
		}),
		tasksConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordination_tasks_connected",
			Help: "Current number of connected tasks",
		}),
		tasksInError: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordination_tasks_in_error",
			Help: "Current number of tasks in error state",
		}),
		barriersOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordination_barriers_open",
			Help: "Current number of ongoing barriers",
		}),
		kvKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordination_kv_keys",
			Help: "Current number of keys in the config store",
		}),
	}
	reg.MustRegister(
		c.taskRegistrations, c.heartbeatTimeouts, c.errorPropagations,
		c.barriersPassed, c.barriersFailed,
		c.tasksConnected, c.tasksInError, c.barriersOpen, c.kvKeys,
	)
	return c
}

// TaskRegistered records one successful registration.
func (c *Collector) TaskRegistered() {
	if c == nil {
		return
	}
	c.taskRegistrations.Inc()
}

// SetTaskStates updates the connected/error gauges.
func (c *Collector) SetTaskStates(connected, errored int) {
	if c == nil {
		return
	}
	c.tasksConnected.Set(float64(connected))
	c.tasksInError.Set(float64(errored))
}

// HeartbeatExpired records one task failed by the staleness sweep.
func (c *Collector) HeartbeatExpired() {
	if c == nil {
		return
	}
	c.heartbeatTimeouts.Inc()
}

// BarrierOpened records a newly created barrier and the open count.
func (c *Collector) BarrierOpened(open int) {
	if c == nil {
		return
	}
	c.barriersOpen.Set(float64(open))
}

// BarrierPassed records a barrier completion and the open count.
func (c *Collector) BarrierPassed(ok bool, open int) {
	if c == nil {
		return
	}
	if ok {
		c.barriersPassed.Inc()
	} else {
		c.barriersFailed.Inc()
	}
	c.barriersOpen.Set(float64(open))
}

// ErrorPropagated records one completed push-mode fan-out.
func (c *Collector) ErrorPropagated() {
	if c == nil {
		return
	}
	c.errorPropagations.Inc()
}

// SetKVKeys updates the stored-key gauge.
func (c *Collector) SetKVKeys(n int) {
	if c == nil {
		return
	}
	c.kvKeys.Set(float64(n))
}

// StartServer exposes /metrics on the given port. Blocks; run in its own
// goroutine.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
