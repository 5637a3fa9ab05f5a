// Package orchestrator implements the core orchestration logic for plan execution.
//
// The orchestrator manager coordinates plan instances by:
//   - Validating plan structure and dependencies before anything runs
//   - Managing the instance lifecycle (create, execute, pause, resume, cancel)
//   - Running steps through the scheduler and the tool invoker on the run pool
//   - Recording every transition in the event ledger and publishing it on the event bus
//   - Answering status, ledger and history queries and cleaning up old history
//
// Transitions of one instance are serialized with a per-instance mutex.
// Pause and cancel halt dispatch; steps already in flight finish and are recorded.
package orchestrator
