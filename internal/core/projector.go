package core

import (
	"log/slog"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

// Projector refreshes the read-optimized snapshot after each successful
// append. A failed projection is logged, never fatal: the event log is the
// source of truth and the repository replays the tail on the next load.
type Projector struct {
	repo   ports.RunRepository
	logger *slog.Logger
}

func NewProjector(repo ports.RunRepository, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{
		repo:   repo,
		logger: logger.With("component", "projector"),
	}
}

func (p *Projector) Project(run *domain.WorkflowRun) {
	if err := p.repo.Update(run); err != nil {
		p.logger.Warn("snapshot projection failed",
			"run_id", run.ID, "version", run.Version, "error", err)
	}
}
