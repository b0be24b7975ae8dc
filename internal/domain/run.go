package domain

import (
	"fmt"
	"time"
)

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuspended RunStatus = "suspended"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusScheduled NodeStatus = "scheduled"
	NodeStatusStarted   NodeStatus = "started"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
)

// NodeExecution tracks a single node's progress within a run. Token holds
// the outstanding capability while an attempt is live and is cleared when the
// attempt settles.
type NodeExecution struct {
	NodeID    NodeID                 `json:"node_id"`
	Status    NodeStatus             `json:"status"`
	Attempt   int                    `json:"attempt"`
	Output    map[string]interface{} `json:"output,omitempty"`
	LastError string                 `json:"last_error,omitempty"`
	Token     *ExecutionToken        `json:"token,omitempty"`
}

func (n *NodeExecution) IsTerminal() bool {
	return n.Status == NodeStatusCompleted
}

func (n *NodeExecution) HasOutstandingAttempt() bool {
	return n.Status == NodeStatusScheduled || n.Status == NodeStatusStarted
}

// WorkflowRun is the aggregate root, reconstructible by folding its event
// history from empty. Version counts applied events and doubles as the
// optimistic-concurrency expected version on append.
type WorkflowRun struct {
	ID           WorkflowRunID          `json:"id"`
	TenantID     TenantID               `json:"tenant_id"`
	DefinitionID WorkflowDefinitionID   `json:"definition_id"`
	Status       RunStatus              `json:"status"`
	Version      int64                  `json:"version"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Nodes        map[NodeID]*NodeExecution `json:"nodes"`
	RetryPolicy  RetryPolicy            `json:"retry_policy"`
	Callback     *CallbackRegistration  `json:"callback,omitempty"`
	Error        string                 `json:"error,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

func NewWorkflowRun(id WorkflowRunID) *WorkflowRun {
	return &WorkflowRun{
		ID:      id,
		Status:  RunStatusPending,
		Context: make(map[string]interface{}),
		Nodes:   make(map[NodeID]*NodeExecution),
	}
}

// ReplayRun folds an ordered event history into a fresh aggregate.
func ReplayRun(id WorkflowRunID, events []ExecutionEvent) (*WorkflowRun, error) {
	run := NewWorkflowRun(id)
	for _, ev := range events {
		if err := run.Apply(ev); err != nil {
			return nil, err
		}
	}
	return run, nil
}

func (r *WorkflowRun) Node(id NodeID) *NodeExecution {
	return r.Nodes[id]
}

func (r *WorkflowRun) AllNodesTerminal() bool {
	if len(r.Nodes) == 0 {
		return false
	}
	for _, node := range r.Nodes {
		if !node.IsTerminal() {
			return false
		}
	}
	return true
}

// OutstandingTokens returns the tokens of all live attempts, used by cancel
// to invalidate them.
func (r *WorkflowRun) OutstandingTokens() []ExecutionToken {
	var tokens []ExecutionToken
	for _, node := range r.Nodes {
		if node.HasOutstandingAttempt() && node.Token != nil {
			tokens = append(tokens, *node.Token)
		}
	}
	return tokens
}

// Apply is the pure reducer: it mutates the aggregate for exactly one event
// and advances Version. Events must arrive in sequence order with no gaps.
func (r *WorkflowRun) Apply(ev ExecutionEvent) error {
	if ev.SequenceNumber != r.Version+1 {
		return Error{
			Type:    ErrorTypeConflict,
			Message: fmt.Sprintf("event %d applied out of order, version is %d", ev.SequenceNumber, r.Version),
		}
	}

	switch ev.Type {
	case EventWorkflowStarted:
		payload, err := DecodePayload[WorkflowStartedPayload](ev)
		if err != nil {
			return err
		}
		r.TenantID = payload.TenantID
		r.DefinitionID = payload.DefinitionID
		r.Status = RunStatusRunning
		r.StartedAt = ev.OccurredAt
		if payload.RetryPolicy != nil {
			r.RetryPolicy = *payload.RetryPolicy
		}
		for k, v := range payload.Input {
			r.Context[k] = v
		}
		for _, nodeID := range payload.NodeIDs {
			r.Nodes[nodeID] = &NodeExecution{NodeID: nodeID, Status: NodeStatusPending}
		}

	case EventNodeScheduled:
		payload, err := DecodePayload[NodeScheduledPayload](ev)
		if err != nil {
			return err
		}
		node := r.Nodes[payload.NodeID]
		if node == nil {
			node = &NodeExecution{NodeID: payload.NodeID}
			r.Nodes[payload.NodeID] = node
		}
		token := payload.Token
		node.Status = NodeStatusScheduled
		node.Attempt = payload.Attempt
		node.Token = &token

	case EventNodeStarted:
		payload, err := DecodePayload[NodeStartedPayload](ev)
		if err != nil {
			return err
		}
		if node := r.Nodes[payload.NodeID]; node != nil {
			node.Status = NodeStatusStarted
		}

	case EventNodeCompleted:
		payload, err := DecodePayload[NodeCompletedPayload](ev)
		if err != nil {
			return err
		}
		if node := r.Nodes[payload.NodeID]; node != nil {
			node.Status = NodeStatusCompleted
			node.Output = payload.Output
			node.Token = nil
		}
		merged, err := MergeContext(r.Context, payload.Output)
		if err != nil {
			return err
		}
		r.Context = merged

	case EventNodeFailed:
		payload, err := DecodePayload[NodeFailedPayload](ev)
		if err != nil {
			return err
		}
		if node := r.Nodes[payload.NodeID]; node != nil {
			node.Status = NodeStatusFailed
			node.LastError = payload.Error
			node.Token = nil
		}

	case EventWorkflowSuspended:
		payload, err := DecodePayload[WorkflowSuspendedPayload](ev)
		if err != nil {
			return err
		}
		callback := payload.Callback
		r.Status = RunStatusSuspended
		r.Callback = &callback

	case EventWorkflowResumed:
		r.Status = RunStatusRunning
		r.Callback = nil

	case EventWorkflowCompleted:
		completedAt := ev.OccurredAt
		r.Status = RunStatusCompleted
		r.CompletedAt = &completedAt

	case EventWorkflowFailed:
		payload, err := DecodePayload[WorkflowFailedPayload](ev)
		if err != nil {
			return err
		}
		failedAt := ev.OccurredAt
		r.Status = RunStatusFailed
		r.Error = payload.Error
		r.CompletedAt = &failedAt

	case EventWorkflowCancelled:
		cancelledAt := ev.OccurredAt
		r.Status = RunStatusCancelled
		r.CompletedAt = &cancelledAt
		for _, node := range r.Nodes {
			node.Token = nil
		}

	default:
		return Error{
			Type:    ErrorTypeInternal,
			Message: "unknown event type: " + string(ev.Type),
		}
	}

	r.Version++
	return nil
}
