package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/eleven-am/weave/internal/xjson"
)

type EventType string

const (
	EventWorkflowStarted   EventType = "workflow.started"
	EventNodeScheduled     EventType = "node.scheduled"
	EventNodeStarted       EventType = "node.started"
	EventNodeCompleted     EventType = "node.completed"
	EventNodeFailed        EventType = "node.failed"
	EventWorkflowSuspended EventType = "workflow.suspended"
	EventWorkflowResumed   EventType = "workflow.resumed"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"
	EventWorkflowCancelled EventType = "workflow.cancelled"
)

// ExecutionEvent is the envelope persisted in the event store. Sequence
// numbers are per-run, monotonic and gapless; events are immutable once
// appended.
type ExecutionEvent struct {
	EventID        string            `json:"event_id"`
	RunID          WorkflowRunID     `json:"run_id"`
	SequenceNumber int64             `json:"sequence_number"`
	Type           EventType         `json:"type"`
	OccurredAt     time.Time         `json:"occurred_at"`
	Payload        xjson.RawMessage  `json:"payload,omitempty"`
}

func NewEvent(runID WorkflowRunID, eventType EventType, payload interface{}) (ExecutionEvent, error) {
	raw, err := xjson.Marshal(payload)
	if err != nil {
		return ExecutionEvent{}, err
	}

	return ExecutionEvent{
		EventID:    uuid.NewString(),
		RunID:      runID,
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	}, nil
}

func DecodePayload[T any](ev ExecutionEvent) (T, error) {
	var payload T
	err := xjson.Unmarshal(ev.Payload, &payload)
	return payload, err
}

type WorkflowStartedPayload struct {
	TenantID     TenantID               `json:"tenant_id"`
	DefinitionID WorkflowDefinitionID   `json:"definition_id"`
	NodeIDs      []NodeID               `json:"node_ids"`
	Input        map[string]interface{} `json:"input,omitempty"`
	RetryPolicy  *RetryPolicy           `json:"retry_policy,omitempty"`
}

type NodeScheduledPayload struct {
	NodeID  NodeID         `json:"node_id"`
	Attempt int            `json:"attempt"`
	Token   ExecutionToken `json:"token"`
	// Delay is the backoff before the attempt should be dispatched; zero for
	// a first attempt.
	Delay time.Duration `json:"delay,omitempty"`
}

type NodeStartedPayload struct {
	NodeID  NodeID `json:"node_id"`
	Attempt int    `json:"attempt"`
}

type NodeCompletedPayload struct {
	NodeID  NodeID                 `json:"node_id"`
	Attempt int                    `json:"attempt"`
	Output  map[string]interface{} `json:"output,omitempty"`
}

type NodeFailedPayload struct {
	NodeID    NodeID `json:"node_id"`
	Attempt   int    `json:"attempt"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
	TimedOut  bool   `json:"timed_out,omitempty"`
}

type WorkflowSuspendedPayload struct {
	Reason   string               `json:"reason,omitempty"`
	Callback CallbackRegistration `json:"callback"`
}

type WorkflowResumedPayload struct {
	CallbackToken string `json:"callback_token"`
}

type WorkflowCompletedPayload struct {
	Output map[string]interface{} `json:"output,omitempty"`
}

type WorkflowFailedPayload struct {
	NodeID NodeID `json:"node_id"`
	Error  string `json:"error"`
}

type WorkflowCancelledPayload struct {
	Reason string `json:"reason,omitempty"`
}
