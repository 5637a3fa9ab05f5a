// Package noop provides a MetricsCollector that discards everything.
package noop

import "time"

// Collector discards all metrics
type Collector struct{}

// NewCollector returns a no-op collector
func NewCollector() *Collector {
	return &Collector{}
}

func (Collector) RecordInstanceCreated(string) {}
func (Collector) RecordInstanceFinished(string, time.Duration) {}
func (Collector) SetActiveInstances(int) {}
func (Collector) RecordStepFinished(string, string, time.Duration) {}
func (Collector) RecordToolAttempt(string, string, time.Duration) {}
func (Collector) RecordToolRetry(string) {}
func (Collector) RecordWorkerPoolStatus(int, int, int) {}
func (Collector) SetQueueDepth(string, int) {}
