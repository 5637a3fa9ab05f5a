package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	instancesCreated  *prometheus.CounterVec
	instancesFinished *prometheus.CounterVec
	activeInstances   prometheus.Gauge
	instanceDuration  *prometheus.HistogramVec

	stepsFinished *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	toolAttempts *prometheus.CounterVec
	toolFailures *prometheus.CounterVec
	toolRetries  *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec

	workerPoolIdle    prometheus.Gauge
	workerPoolBusy    prometheus.Gauge
	workerPoolStopped prometheus.Gauge
	queueDepth        *prometheus.GaugeVec
}

// NewCollector creates a Prometheus metrics collector registered with reg.
// A nil reg creates unregistered metrics.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		instancesCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagrun_instances_created_total",
				Help: "Total number of plan instances created",
			},
			[]string{"status"},
		),
		instancesFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagrun_instances_finished_total",
				Help: "Total number of plan instances that reached a final or paused state",
			},
			[]string{"status"},
		),
		activeInstances: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagrun_active_instances",
				Help: "Number of instances with a run in progress",
			},
		),
		instanceDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dagrun_instance_duration_seconds",
				Help:    "Instance run duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		stepsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagrun_steps_finished_total",
				Help: "Total number of steps finished",
			},
			[]string{"tool", "status"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dagrun_step_duration_seconds",
				Help:    "Step duration in seconds including retries",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		toolAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagrun_tool_attempts_total",
				Help: "Total number of tool invocation attempts",
			},
			[]string{"tool", "outcome"},
		),
		toolFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagrun_tool_failures_total",
				Help: "Total number of failed tool attempts",
			},
			[]string{"tool"},
		),
		toolRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagrun_tool_retries_total",
				Help: "Total number of tool retries",
			},
			[]string{"tool"},
		),
		toolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dagrun_tool_duration_seconds",
				Help:    "Tool attempt duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"tool"},
		),
		workerPoolIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagrun_worker_pool_idle",
				Help: "Number of idle run workers",
			},
		),
		workerPoolBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagrun_worker_pool_busy",
				Help: "Number of busy run workers",
			},
		),
		workerPoolStopped: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagrun_worker_pool_stopped",
				Help: "Number of stopped run workers",
			},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dagrun_queue_depth",
				Help: "Current depth of run queues",
			},
			[]string{"queue"},
		),
	}
}

// RecordInstanceCreated counts a created instance by its initial status
func (c *Collector) RecordInstanceCreated(status string) {
	c.instancesCreated.WithLabelValues(status).Inc()
}

// RecordInstanceFinished counts a run that settled with status
func (c *Collector) RecordInstanceFinished(status string, duration time.Duration) {
	c.instancesFinished.WithLabelValues(status).Inc()
	c.instanceDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// SetActiveInstances sets the number of instances with a run in progress
func (c *Collector) SetActiveInstances(count int) {
	c.activeInstances.Set(float64(count))
}

// RecordStepFinished records a step reaching completed or failed
func (c *Collector) RecordStepFinished(tool, status string, duration time.Duration) {
	c.stepsFinished.WithLabelValues(tool, status).Inc()
	c.stepDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordToolAttempt records a single tool attempt; outcome is success, error or timeout
func (c *Collector) RecordToolAttempt(tool, outcome string, duration time.Duration) {
	c.toolAttempts.WithLabelValues(tool, outcome).Inc()
	c.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if outcome != "success" {
		c.toolFailures.WithLabelValues(tool).Inc()
	}
}

// RecordToolRetry counts a retry scheduled for tool
func (c *Collector) RecordToolRetry(tool string) {
	c.toolRetries.WithLabelValues(tool).Inc()
}

// RecordWorkerPoolStatus records worker pool status
func (c *Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
}

// SetQueueDepth sets the current depth of a queue
func (c *Collector) SetQueueDepth(queueName string, depth int) {
	c.queueDepth.WithLabelValues(queueName).Set(float64(depth))
}
