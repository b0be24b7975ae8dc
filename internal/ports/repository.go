package ports

import (
	"time"

	"github.com/eleven-am/weave/internal/domain"
)

// RunQuery filters the read-side snapshot projection.
type RunQuery struct {
	TenantID domain.TenantID
	Statuses []domain.RunStatus
	Limit    int
}

// RunSnapshot is the read-optimized projection of a run, refreshed by the
// projector after every successful append.
type RunSnapshot struct {
	Run        *domain.WorkflowRun `json:"run"`
	Version    int64               `json:"version"`
	ProjectedAt time.Time          `json:"projected_at"`
}

// RunRepository persists and loads aggregates. WithLock serializes all
// commands for one run id; commands across different runs stay parallel.
type RunRepository interface {
	Persist(run *domain.WorkflowRun) error
	Update(run *domain.WorkflowRun) error
	FindByID(runID domain.WorkflowRunID) (*domain.WorkflowRun, error)
	Query(query RunQuery) ([]*domain.WorkflowRun, error)
	CountActiveRuns() (int, error)
	WithLock(runID domain.WorkflowRunID, fn func() error) error
	Snapshot(runID domain.WorkflowRunID) (*RunSnapshot, error)
}
