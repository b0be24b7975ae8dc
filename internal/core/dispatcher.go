package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

// Dispatcher bridges scheduled attempts to external node executors. It runs
// each task on its own goroutine so scheduling never blocks on executor I/O;
// the only path back into the aggregate is ReportNodeResult.
type Dispatcher struct {
	engine *Engine
	logger *slog.Logger

	mu        sync.RWMutex
	executors map[domain.NodeID]ports.NodeExecutor

	wg sync.WaitGroup
}

func NewDispatcher(engine *Engine, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		engine:    engine,
		logger:    logger.With("component", "dispatcher"),
		executors: make(map[domain.NodeID]ports.NodeExecutor),
	}
}

func (d *Dispatcher) Register(nodeID domain.NodeID, executor ports.NodeExecutor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executors[nodeID] = executor
}

// Dispatch launches the attempt asynchronously after the given backoff
// delay. Missing executors fail the attempt through the normal retry path.
func (d *Dispatcher) Dispatch(ctx context.Context, task ports.NodeTask, delay time.Duration) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.execute(ctx, task, delay)
	}()
}

// Wait blocks until every in-flight task has settled. Test and shutdown
// helper; the engine itself never waits on executors.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) execute(ctx context.Context, task ports.NodeTask, delay time.Duration) {
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}

	d.mu.RLock()
	executor, ok := d.executors[task.NodeID]
	d.mu.RUnlock()

	if !ok {
		d.report(ctx, task, NodeResult{
			Err: domain.NewFatalExecutorError("no executor registered for node "+task.NodeID.String(), nil),
		})
		return
	}

	if err := d.engine.ReportNodeStart(ctx, task.Token); err != nil {
		d.logger.Warn("start report rejected, dropping task",
			"run_id", task.RunID, "node_id", task.NodeID, "attempt", task.Attempt, "error", err)
		return
	}

	outcome, err := d.safeExecute(ctx, executor, task)
	if err != nil {
		d.report(ctx, task, NodeResult{Err: err})
		return
	}

	switch outcome.Status {
	case ports.TaskStatusPending:
		// Still awaiting input (e.g. an aggregator-backed node); the attempt
		// stays outstanding until a later report or the token expires.
	case ports.TaskStatusCompleted:
		d.report(ctx, task, NodeResult{Success: true, Output: outcome.Output})
	case ports.TaskStatusFailed:
		err := outcome.Err
		if err == nil {
			err = domain.NewRetryableExecutorError("executor reported failure", nil)
		}
		d.report(ctx, task, NodeResult{Err: err})
	}
}

// safeExecute contains executor panics so one bad node cannot take down the
// process; a panic counts as a retryable failure.
func (d *Dispatcher) safeExecute(ctx context.Context, executor ports.NodeExecutor, task ports.NodeTask) (outcome ports.NodeOutcome, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("executor panicked",
				"run_id", task.RunID, "node_id", task.NodeID, "attempt", task.Attempt, "panic", recovered)
			err = domain.NewRetryableExecutorError(fmt.Sprintf("executor panicked: %v", recovered), nil)
		}
	}()

	return executor.Execute(ctx, task)
}

func (d *Dispatcher) report(ctx context.Context, task ports.NodeTask, result NodeResult) {
	if _, err := d.engine.ReportNodeResult(ctx, task.Token, result); err != nil {
		if domain.IsStaleToken(err) {
			return
		}
		d.logger.Error("result report failed",
			"run_id", task.RunID, "node_id", task.NodeID, "attempt", task.Attempt, "error", err)
	}
}
