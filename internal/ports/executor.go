package ports

import (
	"context"

	"github.com/eleven-am/weave/internal/domain"
)

type TaskStatus string

const (
	// TaskStatusPending covers aggregator-backed nodes still awaiting input.
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// NodeTask is handed to an external executor when an attempt is scheduled.
// The token is the executor's sole proof of authorization to report back.
type NodeTask struct {
	RunID   domain.WorkflowRunID
	NodeID  domain.NodeID
	Attempt int
	Token   domain.ExecutionToken
	Context map[string]interface{}
}

type NodeOutcome struct {
	Status TaskStatus
	Output map[string]interface{}
	Err    error
}

// NodeExecutor is implemented externally per node kind. The engine never
// blocks on it: scheduling only mints a token and emits an event, and the
// executor calls back through the engine's ReportNodeResult.
type NodeExecutor interface {
	Execute(ctx context.Context, task NodeTask) (NodeOutcome, error)
}
