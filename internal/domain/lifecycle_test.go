package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		status  RunStatus
		trigger RunTrigger
		want    bool
	}{
		{RunStatusPending, TriggerStart, true},
		{RunStatusPending, TriggerCancel, true},
		{RunStatusPending, TriggerSuspend, false},
		{RunStatusPending, TriggerComplete, false},

		{RunStatusRunning, TriggerSuspend, true},
		{RunStatusRunning, TriggerComplete, true},
		{RunStatusRunning, TriggerFail, true},
		{RunStatusRunning, TriggerCancel, true},
		{RunStatusRunning, TriggerStart, false},
		{RunStatusRunning, TriggerResume, false},

		{RunStatusSuspended, TriggerResume, true},
		{RunStatusSuspended, TriggerCancel, true},
		{RunStatusSuspended, TriggerComplete, false},

		{RunStatusCompleted, TriggerCancel, false},
		{RunStatusFailed, TriggerStart, false},
		{RunStatusCancelled, TriggerResume, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status)+"_"+string(tt.trigger), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.status, tt.trigger))
		})
	}
}

func TestEnsureTransition(t *testing.T) {
	assert.NoError(t, EnsureTransition(RunStatusPending, TriggerStart))

	err := EnsureTransition(RunStatusCompleted, TriggerCancel)
	require.Error(t, err)

	var domainErr Error
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, ErrorTypeValidation, domainErr.Type)
	assert.Equal(t, "completed", domainErr.Details["status"])
	assert.Equal(t, "cancel", domainErr.Details["trigger"])
}
