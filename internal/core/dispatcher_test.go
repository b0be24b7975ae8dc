package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

type executorFunc func(ctx context.Context, task ports.NodeTask) (ports.NodeOutcome, error)

func (f executorFunc) Execute(ctx context.Context, task ports.NodeTask) (ports.NodeOutcome, error) {
	return f(ctx, task)
}

func scheduleTask(t *testing.T, h *testHarness, run *domain.WorkflowRun, nodeID domain.NodeID) ports.NodeTask {
	t.Helper()

	token, err := h.engine.ScheduleNode(context.Background(), run.ID, nodeID)
	require.NoError(t, err)

	return ports.NodeTask{
		RunID:   run.ID,
		NodeID:  nodeID,
		Attempt: token.Attempt,
		Token:   token,
		Context: run.Context,
	}
}

func TestDispatchCompletesNode(t *testing.T) {
	h := newTestHarness(t, nil)
	run := h.startRun(t, "extract")

	dispatcher := NewDispatcher(h.engine, h.config.Logger)
	dispatcher.Register("extract", executorFunc(func(ctx context.Context, task ports.NodeTask) (ports.NodeOutcome, error) {
		assert.Equal(t, "db", task.Context["source"])
		return ports.NodeOutcome{
			Status: ports.TaskStatusCompleted,
			Output: map[string]interface{}{"rows": float64(3)},
		}, nil
	}))

	dispatcher.Dispatch(context.Background(), scheduleTask(t, h, run, "extract"), 0)
	dispatcher.Wait()

	done, err := h.engine.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, done.Status)
	assert.Equal(t, float64(3), done.Context["rows"])
}

func TestDispatchFailureGoesThroughRetryPath(t *testing.T) {
	h := newTestHarness(t, func(config *domain.Config) {
		config.Engine.DefaultRetryPolicy = domain.NoRetryPolicy()
	})
	run := h.startRun(t, "extract")

	dispatcher := NewDispatcher(h.engine, h.config.Logger)
	dispatcher.Register("extract", executorFunc(func(ctx context.Context, task ports.NodeTask) (ports.NodeOutcome, error) {
		return ports.NodeOutcome{
			Status: ports.TaskStatusFailed,
			Err:    domain.NewRetryableExecutorError("boom", nil),
		}, nil
	}))

	dispatcher.Dispatch(context.Background(), scheduleTask(t, h, run, "extract"), 0)
	dispatcher.Wait()

	failed, err := h.engine.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, failed.Status)
	assert.Equal(t, "boom", failed.Error)
}

func TestDispatchMissingExecutorFailsAttempt(t *testing.T) {
	h := newTestHarness(t, func(config *domain.Config) {
		config.Engine.DefaultRetryPolicy = domain.NoRetryPolicy()
	})
	run := h.startRun(t, "extract")

	dispatcher := NewDispatcher(h.engine, h.config.Logger)

	dispatcher.Dispatch(context.Background(), scheduleTask(t, h, run, "extract"), 0)
	dispatcher.Wait()

	failed, err := h.engine.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, failed.Status)
}

func TestDispatchRecoversFromExecutorPanic(t *testing.T) {
	h := newTestHarness(t, func(config *domain.Config) {
		config.Engine.DefaultRetryPolicy = domain.NoRetryPolicy()
	})
	run := h.startRun(t, "extract")

	dispatcher := NewDispatcher(h.engine, h.config.Logger)
	dispatcher.Register("extract", executorFunc(func(ctx context.Context, task ports.NodeTask) (ports.NodeOutcome, error) {
		panic("executor bug")
	}))

	dispatcher.Dispatch(context.Background(), scheduleTask(t, h, run, "extract"), 0)
	dispatcher.Wait()

	failed, err := h.engine.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, failed.Status)
}

func TestDispatchPendingLeavesAttemptOutstanding(t *testing.T) {
	h := newTestHarness(t, nil)
	run := h.startRun(t, "extract")

	dispatcher := NewDispatcher(h.engine, h.config.Logger)
	dispatcher.Register("extract", executorFunc(func(ctx context.Context, task ports.NodeTask) (ports.NodeOutcome, error) {
		return ports.NodeOutcome{Status: ports.TaskStatusPending}, nil
	}))

	dispatcher.Dispatch(context.Background(), scheduleTask(t, h, run, "extract"), 0)
	dispatcher.Wait()

	waiting, err := h.engine.GetRun(run.ID)
	require.NoError(t, err)
	node := waiting.Node("extract")
	assert.Equal(t, domain.NodeStatusStarted, node.Status)
	assert.True(t, node.HasOutstandingAttempt())
	require.NotNil(t, node.Token)
}
