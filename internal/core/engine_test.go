package core

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/weave/internal/adapters/eventstore"
	"github.com/eleven-am/weave/internal/adapters/repository"
	"github.com/eleven-am/weave/internal/adapters/tokens"
	"github.com/eleven-am/weave/internal/domain"
)

type testHarness struct {
	engine *Engine
	events *eventstore.Store
	config *domain.Config
}

func newTestHarness(t *testing.T, mutate func(*domain.Config)) *testHarness {
	t.Helper()

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	config := domain.DefaultConfig()
	config.Logger = logger
	config.Tokens.TTL = time.Minute
	if mutate != nil {
		mutate(config)
	}

	events := eventstore.New(db, logger)
	authority := tokens.NewAuthority(db, logger)
	callbacks := tokens.NewCallbackRegistry(db, logger)

	repo, err := repository.New(db, events, config.Engine.SnapshotCacheSize, logger)
	require.NoError(t, err)

	return &testHarness{
		engine: NewEngine(events, repo, authority, callbacks, config, logger),
		events: events,
		config: config,
	}
}

func (h *testHarness) startRun(t *testing.T, nodeIDs ...domain.NodeID) *domain.WorkflowRun {
	t.Helper()

	run, err := h.engine.StartRun(context.Background(), StartRunInput{
		TenantID:     "acme",
		DefinitionID: "etl-pipeline",
		NodeIDs:      nodeIDs,
		Input:        map[string]interface{}{"source": "db"},
	})
	require.NoError(t, err)
	return run
}

func TestStartRun(t *testing.T) {
	h := newTestHarness(t, nil)

	run := h.startRun(t, "extract", "transform")

	assert.Equal(t, domain.RunStatusRunning, run.Status)
	assert.Equal(t, int64(1), run.Version)
	assert.Equal(t, domain.TenantID("acme"), run.TenantID)
	assert.Len(t, run.Nodes, 2)
	assert.Equal(t, "db", run.Context["source"])

	found, err := h.engine.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.Status, found.Status)
	assert.Equal(t, run.Version, found.Version)
}

func TestStartRunValidation(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	_, err := h.engine.StartRun(ctx, StartRunInput{NodeIDs: []domain.NodeID{"extract"}})
	assert.Error(t, err, "missing tenant")

	_, err = h.engine.StartRun(ctx, StartRunInput{TenantID: "acme"})
	assert.Error(t, err, "missing nodes")

	bad := domain.RetryPolicy{MaxAttempts: 0}
	_, err = h.engine.StartRun(ctx, StartRunInput{
		TenantID: "acme", NodeIDs: []domain.NodeID{"extract"}, RetryPolicy: &bad,
	})
	assert.Error(t, err, "invalid retry policy")
}

func TestStartRunRejectsRestart(t *testing.T) {
	h := newTestHarness(t, nil)
	run := h.startRun(t, "extract")

	_, err := h.engine.StartRun(context.Background(), StartRunInput{
		RunID:    run.ID,
		TenantID: "acme",
		NodeIDs:  []domain.NodeID{"extract"},
	})
	require.Error(t, err)
}

func TestScheduleNode(t *testing.T) {
	h := newTestHarness(t, nil)
	run := h.startRun(t, "extract")

	token, err := h.engine.ScheduleNode(context.Background(), run.ID, "extract")
	require.NoError(t, err)
	assert.Equal(t, run.ID, token.RunID)
	assert.Equal(t, domain.NodeID("extract"), token.NodeID)
	assert.Equal(t, 1, token.Attempt)
	assert.NotEmpty(t, token.Nonce)

	found, err := h.engine.GetRun(run.ID)
	require.NoError(t, err)
	node := found.Node("extract")
	assert.Equal(t, domain.NodeStatusScheduled, node.Status)
	assert.Equal(t, 1, node.Attempt)
	require.NotNil(t, node.Token)
	assert.Equal(t, token.Nonce, node.Token.Nonce)
}

func TestScheduleNodeRejectsConcurrentAttempt(t *testing.T) {
	h := newTestHarness(t, nil)
	run := h.startRun(t, "extract")
	ctx := context.Background()

	_, err := h.engine.ScheduleNode(ctx, run.ID, "extract")
	require.NoError(t, err)

	_, err = h.engine.ScheduleNode(ctx, run.ID, "extract")
	assert.ErrorIs(t, err, domain.ErrAttemptOutstanding)
}

func TestScheduleNodeUnknownNode(t *testing.T) {
	h := newTestHarness(t, nil)
	run := h.startRun(t, "extract")

	_, err := h.engine.ScheduleNode(context.Background(), run.ID, "no-such-node")
	require.Error(t, err)
}

func TestReportNodeStart(t *testing.T) {
	h := newTestHarness(t, nil)
	run := h.startRun(t, "extract")
	ctx := context.Background()

	token, err := h.engine.ScheduleNode(ctx, run.ID, "extract")
	require.NoError(t, err)

	require.NoError(t, h.engine.ReportNodeStart(ctx, token))

	found, err := h.engine.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeStatusStarted, found.Node("extract").Status)
}

func TestReportNodeStartRejectsForgedToken(t *testing.T) {
	h := newTestHarness(t, nil)
	run := h.startRun(t, "extract")
	ctx := context.Background()

	_, err := h.engine.ScheduleNode(ctx, run.ID, "extract")
	require.NoError(t, err)

	forged := domain.NewExecutionToken(run.ID, "extract", 1, time.Minute)
	err = h.engine.ReportNodeStart(ctx, forged)
	assert.True(t, domain.IsStaleToken(err))
}

func TestSingleNodeCompletionCompletesWorkflow(t *testing.T) {
	h := newTestHarness(t, nil)
	run := h.startRun(t, "extract")
	ctx := context.Background()

	token, err := h.engine.ScheduleNode(ctx, run.ID, "extract")
	require.NoError(t, err)
	require.NoError(t, h.engine.ReportNodeStart(ctx, token))

	settled, err := h.engine.ReportNodeResult(ctx, token, NodeResult{
		Success: true,
		Output:  map[string]interface{}{"rows": float64(42)},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusCompleted, settled.Status)
	assert.Equal(t, float64(42), settled.Context["rows"])
	assert.Equal(t, "db", settled.Context["source"])
	require.NotNil(t, settled.CompletedAt)
	assert.Nil(t, settled.Node("extract").Token)
}

func TestMultiNodeCompletion(t *testing.T) {
	h := newTestHarness(t, nil)
	run := h.startRun(t, "extract", "transform")
	ctx := context.Background()

	first, err := h.engine.ScheduleNode(ctx, run.ID, "extract")
	require.NoError(t, err)
	mid, err := h.engine.ReportNodeResult(ctx, first, NodeResult{
		Success: true,
		Output:  map[string]interface{}{"rows": float64(10)},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, mid.Status, "run stays live until every node settles")

	second, err := h.engine.ScheduleNode(ctx, run.ID, "transform")
	require.NoError(t, err)
	done, err := h.engine.ReportNodeResult(ctx, second, NodeResult{
		Success: true,
		Output:  map[string]interface{}{"shaped": true},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusCompleted, done.Status)
	assert.Equal(t, float64(10), done.Context["rows"])
	assert.Equal(t, true, done.Context["shaped"])
}

func TestDuplicateReportIsRejectedWithoutStateChange(t *testing.T) {
	h := newTestHarness(t, nil)
	run := h.startRun(t, "extract", "transform")
	ctx := context.Background()

	token, err := h.engine.ScheduleNode(ctx, run.ID, "extract")
	require.NoError(t, err)

	_, err = h.engine.ReportNodeResult(ctx, token, NodeResult{Success: true})
	require.NoError(t, err)

	before, err := h.engine.GetRun(run.ID)
	require.NoError(t, err)

	_, err = h.engine.ReportNodeResult(ctx, token, NodeResult{
		Success: true,
		Output:  map[string]interface{}{"poison": true},
	})
	require.Error(t, err)
	assert.True(t, domain.IsStaleToken(err))

	after, err := h.engine.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.NotContains(t, after.Context, "poison")
}

func TestRetryThenExhaustion(t *testing.T) {
	h := newTestHarness(t, func(config *domain.Config) {
		config.Engine.DefaultRetryPolicy = domain.RetryPolicy{
			MaxAttempts:       2,
			InitialDelay:      time.Millisecond,
			MaxDelay:          time.Millisecond,
			BackoffMultiplier: 1.0,
		}
	})
	run := h.startRun(t, "extract")
	ctx := context.Background()

	first, err := h.engine.ScheduleNode(ctx, run.ID, "extract")
	require.NoError(t, err)

	retried, err := h.engine.ReportNodeResult(ctx, first, NodeResult{
		Err: domain.NewRetryableExecutorError("connection refused", nil),
	})
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusRunning, retried.Status)
	node := retried.Node("extract")
	assert.Equal(t, domain.NodeStatusScheduled, node.Status)
	assert.Equal(t, 2, node.Attempt)
	require.NotNil(t, node.Token)
	assert.NotEqual(t, first.Nonce, node.Token.Nonce, "retry gets a fresh token")

	second := *node.Token
	failed, err := h.engine.ReportNodeResult(ctx, second, NodeResult{
		Err: domain.NewRetryableExecutorError("connection refused", nil),
	})
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusFailed, failed.Status)
	assert.Equal(t, "connection refused", failed.Error)

	nodeFailures, err := h.events.GetEventsByType(run.ID, domain.EventNodeFailed)
	require.NoError(t, err)
	assert.Len(t, nodeFailures, 2)

	runFailures, err := h.events.GetEventsByType(run.ID, domain.EventWorkflowFailed)
	require.NoError(t, err)
	assert.Len(t, runFailures, 1)
}

func TestFatalErrorSkipsRetry(t *testing.T) {
	h := newTestHarness(t, nil)
	run := h.startRun(t, "extract")
	ctx := context.Background()

	token, err := h.engine.ScheduleNode(ctx, run.ID, "extract")
	require.NoError(t, err)

	failed, err := h.engine.ReportNodeResult(ctx, token, NodeResult{
		Err: domain.NewFatalExecutorError("schema mismatch", nil),
	})
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusFailed, failed.Status)
	assert.Equal(t, 1, failed.Node("extract").Attempt, "no retry was scheduled")
}

func TestSuspendAndResume(t *testing.T) {
	h := newTestHarness(t, nil)
	run := h.startRun(t, "approve")
	ctx := context.Background()

	registration, err := h.engine.Suspend(ctx, run.ID, "awaiting approval", "https://example.com/resume")
	require.NoError(t, err)
	assert.NotEmpty(t, registration.Token)

	suspended, err := h.engine.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSuspended, suspended.Status)
	require.NotNil(t, suspended.Callback)

	require.NoError(t, h.engine.Resume(ctx, run.ID, registration.Token))

	resumed, err := h.engine.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, resumed.Status)
	assert.Nil(t, resumed.Callback)
}

func TestSuspendParksOutstandingAttempt(t *testing.T) {
	h := newTestHarness(t, nil)
	run := h.startRun(t, "extract")
	ctx := context.Background()

	token, err := h.engine.ScheduleNode(ctx, run.ID, "extract")
	require.NoError(t, err)

	registration, err := h.engine.Suspend(ctx, run.ID, "awaiting approval", "")
	require.NoError(t, err)

	before, err := h.engine.GetRun(run.ID)
	require.NoError(t, err)

	// Settlement is parked with the run: neither a start report nor any
	// outcome may move a suspended workflow.
	assert.Error(t, h.engine.ReportNodeStart(ctx, token))

	_, err = h.engine.ReportNodeResult(ctx, token, NodeResult{
		Success: true,
		Output:  map[string]interface{}{"rows": float64(3)},
	})
	require.Error(t, err)

	_, err = h.engine.ReportNodeResult(ctx, token, NodeResult{
		Err: domain.NewFatalExecutorError("schema mismatch", nil),
	})
	require.Error(t, err)

	after, err := h.engine.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSuspended, after.Status)
	assert.Equal(t, before.Version, after.Version)
	assert.NotContains(t, after.Context, "rows")

	// The attempt survives the suspension: after resume the same token
	// settles it normally.
	require.NoError(t, h.engine.Resume(ctx, run.ID, registration.Token))

	done, err := h.engine.ReportNodeResult(ctx, token, NodeResult{
		Success: true,
		Output:  map[string]interface{}{"rows": float64(3)},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, done.Status)
	assert.Equal(t, float64(3), done.Context["rows"])
}

func TestResumeRejectsBadToken(t *testing.T) {
	h := newTestHarness(t, nil)
	run := h.startRun(t, "approve")
	ctx := context.Background()

	_, err := h.engine.Suspend(ctx, run.ID, "", "")
	require.NoError(t, err)

	err = h.engine.Resume(ctx, run.ID, "wrong-token")
	assert.ErrorIs(t, err, domain.ErrCallbackNotFound)

	still, err := h.engine.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSuspended, still.Status)
}

func TestResumeRequiresSuspension(t *testing.T) {
	h := newTestHarness(t, nil)
	run := h.startRun(t, "extract")

	err := h.engine.Resume(context.Background(), run.ID, "anything")
	require.Error(t, err)
}

func TestCancelInvalidatesOutstandingTokens(t *testing.T) {
	h := newTestHarness(t, nil)
	run := h.startRun(t, "extract")
	ctx := context.Background()

	token, err := h.engine.ScheduleNode(ctx, run.ID, "extract")
	require.NoError(t, err)

	require.NoError(t, h.engine.Cancel(ctx, run.ID, "operator request"))

	cancelled, err := h.engine.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, cancelled.Status)

	// The in-flight executor's late report must bounce.
	_, err = h.engine.ReportNodeResult(ctx, token, NodeResult{Success: true})
	require.Error(t, err)
	assert.True(t, domain.IsStaleToken(err))
}

func TestCancelTerminalRunRejected(t *testing.T) {
	h := newTestHarness(t, nil)
	run := h.startRun(t, "extract")
	ctx := context.Background()

	require.NoError(t, h.engine.Cancel(ctx, run.ID, ""))
	assert.Error(t, h.engine.Cancel(ctx, run.ID, ""))
}

func TestReplayMatchesLiveState(t *testing.T) {
	h := newTestHarness(t, nil)
	run := h.startRun(t, "extract", "transform")
	ctx := context.Background()

	first, err := h.engine.ScheduleNode(ctx, run.ID, "extract")
	require.NoError(t, err)
	require.NoError(t, h.engine.ReportNodeStart(ctx, first))
	_, err = h.engine.ReportNodeResult(ctx, first, NodeResult{
		Success: true,
		Output:  map[string]interface{}{"rows": float64(7)},
	})
	require.NoError(t, err)

	second, err := h.engine.ScheduleNode(ctx, run.ID, "transform")
	require.NoError(t, err)
	_, err = h.engine.ReportNodeResult(ctx, second, NodeResult{Success: true})
	require.NoError(t, err)

	live, err := h.engine.GetRun(run.ID)
	require.NoError(t, err)

	history, err := h.events.GetEvents(run.ID)
	require.NoError(t, err)

	replayed, err := domain.ReplayRun(run.ID, history)
	require.NoError(t, err)

	assert.Equal(t, live.Status, replayed.Status)
	assert.Equal(t, live.Version, replayed.Version)
	assert.Equal(t, live.Context, replayed.Context)
	assert.Equal(t, live.Nodes, replayed.Nodes)
}

func TestEngineLifecycle(t *testing.T) {
	h := newTestHarness(t, func(config *domain.Config) {
		config.Engine.ReaperInterval = 10 * time.Millisecond
	})
	ctx := context.Background()

	require.NoError(t, h.engine.Start(ctx))
	assert.ErrorIs(t, h.engine.Start(ctx), domain.ErrAlreadyStarted)

	require.NoError(t, h.engine.Stop())
	assert.ErrorIs(t, h.engine.Stop(), domain.ErrNotStarted)
}
