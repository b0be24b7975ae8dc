package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

// reaper reclassifies unreported, expired attempts as failed-by-timeout.
// Node timeout is the token's expiry: once it lapses no executor can settle
// the attempt anyway, so the run is handed to the retry evaluator instead of
// waiting forever.
type reaper struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

func newReaper(engine *Engine, interval time.Duration, logger *slog.Logger) *reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &reaper{
		engine:   engine,
		interval: interval,
		logger:   logger.With("component", "reaper"),
	}
}

func (r *reaper) run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				r.logger.Error("reaper pass failed", "error", err)
			}
		}
	}
}

func (r *reaper) sweep(ctx context.Context) error {
	runs, err := r.engine.repo.Query(ports.RunQuery{
		Statuses: []domain.RunStatus{domain.RunStatusRunning},
	})
	if err != nil {
		return err
	}

	for _, run := range runs {
		for _, node := range run.Nodes {
			if !node.HasOutstandingAttempt() || node.Token == nil || !node.Token.IsExpired() {
				continue
			}
			r.reap(ctx, *node.Token)
		}
	}
	return nil
}

// reap drives the timed-out attempt through the normal failure path. The
// expired token cannot be consumed, so settlement is validated purely against
// the aggregate's outstanding attempt under the run lock.
func (r *reaper) reap(ctx context.Context, token domain.ExecutionToken) {
	result := NodeResult{
		Err: domain.NewRetryableExecutorError("attempt timed out: token expired", nil),
	}

	_, err := r.engine.dispatch(ctx, token.RunID, false, func(run *domain.WorkflowRun) ([]domain.ExecutionEvent, error) {
		// Recheck under the lock: a late report may have settled the attempt,
		// or the run may have been suspended, between the scan and now.
		if err := r.engine.checkOutstanding(run, token); err != nil {
			return nil, nil
		}
		if run.Status != domain.RunStatusRunning {
			return nil, nil
		}
		if !token.IsExpired() {
			return nil, nil
		}

		return r.engine.failureEvents(run, token, result, true)
	})

	if err != nil {
		r.logger.Error("timeout reclassification failed",
			"run_id", token.RunID, "node_id", token.NodeID, "attempt", token.Attempt, "error", err)
		return
	}

	r.logger.Info("expired attempt reclassified as failed",
		"run_id", token.RunID, "node_id", token.NodeID, "attempt", token.Attempt)
}
