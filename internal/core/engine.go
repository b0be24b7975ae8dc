package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

// Engine owns the workflow-run aggregate. Every command loads the run under
// its per-run lock, validates against current state, emits events, and
// commits them through the event store's expected-version check. The append
// is the only mutation point; everything else is derived.
type Engine struct {
	events    ports.EventStore
	repo      ports.RunRepository
	tokens    ports.TokenAuthority
	callbacks ports.CallbackRegistry
	config    *domain.Config
	projector *Projector
	logger    *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func NewEngine(
	events ports.EventStore,
	repo ports.RunRepository,
	tokens ports.TokenAuthority,
	callbacks ports.CallbackRegistry,
	config *domain.Config,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		events:    events,
		repo:      repo,
		tokens:    tokens,
		callbacks: callbacks,
		config:    config,
		projector: NewProjector(repo, logger),
		logger:    logger.With("component", "engine"),
	}
}

// Start launches the token reaper. Commands work without Start; only the
// background reclassification of timed-out attempts needs it.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return domain.ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)

	reaper := newReaper(e, e.config.Engine.ReaperInterval, e.logger)
	group.Go(func() error {
		return reaper.run(ctx)
	})

	e.cancel = cancel
	e.group = group
	e.started = true

	e.logger.Info("engine started", "reaper_interval", e.config.Engine.ReaperInterval)
	return nil
}

func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return domain.ErrNotStarted
	}

	e.cancel()
	err := e.group.Wait()
	e.started = false

	e.logger.Info("engine stopped")
	return err
}

func (e *Engine) GetRun(runID domain.WorkflowRunID) (*domain.WorkflowRun, error) {
	return e.repo.FindByID(runID)
}

// command builds the events for one command given the current aggregate. A
// nil event slice with nil error is a validated no-op.
type command func(run *domain.WorkflowRun) ([]domain.ExecutionEvent, error)

// dispatch serializes the command under the run's lock and commits through
// the CAS loop: on a version conflict the aggregate is reloaded and the
// command reapplied, bounded by AppendRetries.
func (e *Engine) dispatch(ctx context.Context, runID domain.WorkflowRunID, allowNew bool, cmd command) (*domain.WorkflowRun, error) {
	var result *domain.WorkflowRun

	err := e.repo.WithLock(runID, func() error {
		backoff := retry.WithMaxRetries(e.config.Engine.AppendRetries,
			retry.NewConstant(e.config.Engine.AppendRetryBackoff))

		return retry.Do(ctx, backoff, func(ctx context.Context) error {
			run, err := e.loadRun(runID, allowNew)
			if err != nil {
				return err
			}

			events, err := cmd(run)
			if err != nil {
				return err
			}

			if len(events) == 0 {
				result = run
				return nil
			}

			stamped, err := e.events.Append(runID, events, run.Version)
			if err != nil {
				if domain.IsVersionConflict(err) {
					return retry.RetryableError(err)
				}
				return err
			}

			for _, ev := range stamped {
				if err := run.Apply(ev); err != nil {
					return err
				}
			}

			e.projector.Project(run)
			result = run
			return nil
		})
	})

	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) loadRun(runID domain.WorkflowRunID, allowNew bool) (*domain.WorkflowRun, error) {
	run, err := e.repo.FindByID(runID)
	if err != nil {
		if allowNew && errors.Is(err, domain.ErrRunNotFound) {
			return domain.NewWorkflowRun(runID), nil
		}
		return nil, err
	}
	return run, nil
}

func (e *Engine) retryPolicy(run *domain.WorkflowRun) domain.RetryPolicy {
	if !run.RetryPolicy.IsZero() {
		return run.RetryPolicy
	}
	return e.config.Engine.DefaultRetryPolicy
}
