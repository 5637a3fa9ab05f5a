// Package workers implements the run pool that executes instance runs.
//
// The pool manages a fixed number of goroutines that:
//   - Take submitted runs from a bounded queue
//   - Execute each run and expose its outcome through a Handle
//   - Route run failures to a failure hook so they are never silent
//
// The health monitor tracks worker status and logs metrics.
package workers
