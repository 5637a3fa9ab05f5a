// Package scheduler dispatches plan steps in dependency order under a
// concurrency bound.
//
// A Scheduler runs a Kahn traversal of the step graph: steps whose
// dependencies have all completed are queued FIFO and started while fewer than
// Concurrency steps are in flight. A failed step never releases its
// dependents, so everything downstream of a failure stays pending while
// independent branches run to completion. Halt stops new dispatch and lets
// in-flight steps finish.
package scheduler
