// Package domain holds the plan, instance, step and event types shared by the
// orchestrator, its adapters and its API surfaces.
//
// Instances move through planned -> running -> {completed | failed | paused};
// paused instances may go back to running or to failed. A cancelled instance is
// failed with ErrorCancelled and CurrentStep set to CurrentStepCancelled.
package domain
