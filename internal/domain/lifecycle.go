package domain

import (
	"github.com/qmuntal/stateless"
)

type RunTrigger string

const (
	TriggerStart    RunTrigger = "start"
	TriggerSuspend  RunTrigger = "suspend"
	TriggerResume   RunTrigger = "resume"
	TriggerComplete RunTrigger = "complete"
	TriggerFail     RunTrigger = "fail"
	TriggerCancel   RunTrigger = "cancel"
)

// NewRunLifecycle builds the run-status state machine positioned at the given
// status. Terminal states permit nothing.
func NewRunLifecycle(status RunStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(status)

	sm.Configure(RunStatusPending).
		Permit(TriggerStart, RunStatusRunning).
		Permit(TriggerCancel, RunStatusCancelled)

	sm.Configure(RunStatusRunning).
		Permit(TriggerSuspend, RunStatusSuspended).
		Permit(TriggerComplete, RunStatusCompleted).
		Permit(TriggerFail, RunStatusFailed).
		Permit(TriggerCancel, RunStatusCancelled)

	sm.Configure(RunStatusSuspended).
		Permit(TriggerResume, RunStatusRunning).
		Permit(TriggerCancel, RunStatusCancelled)

	return sm
}

// CanTransition reports whether the trigger is permitted from the status.
func CanTransition(status RunStatus, trigger RunTrigger) bool {
	ok, err := NewRunLifecycle(status).CanFire(trigger)
	return err == nil && ok
}

// EnsureTransition validates a command against the run lifecycle before any
// event is emitted.
func EnsureTransition(status RunStatus, trigger RunTrigger) error {
	if CanTransition(status, trigger) {
		return nil
	}
	return NewValidationError("transition not permitted", map[string]interface{}{
		"status":  string(status),
		"trigger": string(trigger),
	})
}
