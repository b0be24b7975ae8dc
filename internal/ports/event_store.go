package ports

import (
	"github.com/eleven-am/weave/internal/domain"
)

// EventStore is the append-only, per-run versioned event log. Append is the
// atomic commit point: all events in one call commit together with contiguous
// sequence numbers starting at expectedVersion+1, or the whole call fails.
//
// A VersionConflictError means a concurrent command won the race; the caller
// must reload the aggregate and reapply. The store never retries internally.
type EventStore interface {
	Append(runID domain.WorkflowRunID, events []domain.ExecutionEvent, expectedVersion int64) ([]domain.ExecutionEvent, error)
	GetEvents(runID domain.WorkflowRunID) ([]domain.ExecutionEvent, error)
	GetEventsAfterVersion(runID domain.WorkflowRunID, version int64) ([]domain.ExecutionEvent, error)
	GetEventsByType(runID domain.WorkflowRunID, eventType domain.EventType) ([]domain.ExecutionEvent, error)
	CurrentVersion(runID domain.WorkflowRunID) (int64, error)
}
