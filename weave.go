// Package weave provides a multi-tenant workflow orchestration core for Go
// applications.
//
// Weave runs long-lived, node-based workflows with durable, replayable state:
// every run is an event-sourced aggregate, every node attempt is authorized
// by a single-use execution token, and a family of time-windowed integration
// primitives (aggregator, correlator, idempotent receiver, message store,
// channel) keeps node executors correct under retries and at-least-once
// delivery.
//
// Basic usage:
//
//	manager, _ := weave.New(weave.DefaultConfig())
//	manager.Start(context.Background())
//	defer manager.Stop()
//
//	run, _ := manager.StartRun(ctx, weave.StartRunInput{
//	    TenantID: "acme",
//	    NodeIDs:  []weave.NodeID{"extract", "transform"},
//	    Input:    map[string]interface{}{"source": "s3://bucket/key"},
//	})
//	token, _ := manager.ScheduleNode(ctx, run.ID, "extract")
package weave

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/eleven-am/weave/internal/adapters/eventstore"
	"github.com/eleven-am/weave/internal/adapters/patterns"
	"github.com/eleven-am/weave/internal/adapters/repository"
	"github.com/eleven-am/weave/internal/adapters/tokens"
	"github.com/eleven-am/weave/internal/core"
	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

// Identifier and aggregate types.
type (
	WorkflowRunID        = domain.WorkflowRunID
	NodeID               = domain.NodeID
	TenantID             = domain.TenantID
	WorkflowDefinitionID = domain.WorkflowDefinitionID

	WorkflowRun   = domain.WorkflowRun
	NodeExecution = domain.NodeExecution
	RunStatus     = domain.RunStatus
	NodeStatus    = domain.NodeStatus

	ExecutionToken       = domain.ExecutionToken
	CallbackRegistration = domain.CallbackRegistration
	RetryPolicy          = domain.RetryPolicy

	ExecutionEvent = domain.ExecutionEvent
	EventType      = domain.EventType

	Config = domain.Config

	StartRunInput = core.StartRunInput
	NodeResult    = core.NodeResult

	NodeTask     = ports.NodeTask
	NodeOutcome  = ports.NodeOutcome
	NodeExecutor = ports.NodeExecutor
	TaskStatus   = ports.TaskStatus
	RunQuery     = ports.RunQuery

	AggregationConfig         = domain.AggregationConfig
	AggregationTimeoutError   = domain.AggregationTimeoutError
	AggregationTimeoutHandler = patterns.TimeoutHandler
)

const (
	RunStatusPending   = domain.RunStatusPending
	RunStatusRunning   = domain.RunStatusRunning
	RunStatusSuspended = domain.RunStatusSuspended
	RunStatusCompleted = domain.RunStatusCompleted
	RunStatusFailed    = domain.RunStatusFailed
	RunStatusCancelled = domain.RunStatusCancelled
)

const (
	TaskStatusPending   = ports.TaskStatusPending
	TaskStatusCompleted = ports.TaskStatusCompleted
	TaskStatusFailed    = ports.TaskStatusFailed
)

// DefaultConfig returns the stock configuration: in-memory storage until
// DataDir is set, default retry policy, and the suggested sweep periods.
func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

// Option adjusts manager construction.
type Option func(*options)

type options struct {
	db        *badger.DB
	onTimeout patterns.TimeoutHandler
}

// WithDB reuses an already-open badger instance instead of opening one from
// Config.DataDir. The caller keeps ownership and closes it.
func WithDB(db *badger.DB) Option {
	return func(o *options) { o.db = db }
}

// WithAggregationTimeoutHandler surfaces partial-batch failures: the handler
// observes every aggregation evicted before its expected count was reached.
func WithAggregationTimeoutHandler(handler AggregationTimeoutHandler) Option {
	return func(o *options) { o.onTimeout = handler }
}

// Manager wires the engine, the stores, and their shared storage behind one
// lifecycle.
type Manager struct {
	db     *badger.DB
	ownsDB bool

	engine     *core.Engine
	dispatcher *core.Dispatcher
	stores     *patterns.Stores
	repo       *repository.Repository
	logger     *slog.Logger
}

func New(config *Config, opts ...Option) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	db := o.db
	ownsDB := false
	if db == nil {
		badgerOpts := badger.DefaultOptions(config.DataDir).WithLogger(nil)
		if config.DataDir == "" {
			badgerOpts = badgerOpts.WithInMemory(true)
		}

		opened, err := badger.Open(badgerOpts)
		if err != nil {
			return nil, err
		}
		db = opened
		ownsDB = true
	}

	events := eventstore.New(db, logger)
	authority := tokens.NewAuthority(db, logger)
	callbacks := tokens.NewCallbackRegistry(db, logger)

	repo, err := repository.New(db, events, config.Engine.SnapshotCacheSize, logger)
	if err != nil {
		if ownsDB {
			db.Close()
		}
		return nil, err
	}

	engine := core.NewEngine(events, repo, authority, callbacks, config, logger)
	stores := patterns.NewStores(db, config.Patterns, o.onTimeout, logger)

	return &Manager{
		db:         db,
		ownsDB:     ownsDB,
		engine:     engine,
		dispatcher: core.NewDispatcher(engine, logger),
		stores:     stores,
		repo:       repo,
		logger:     logger,
	}, nil
}

// Start launches the pattern-store sweepers and the token reaper.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.stores.Start(ctx); err != nil {
		return err
	}
	return m.engine.Start(ctx)
}

func (m *Manager) Stop() error {
	engineErr := m.engine.Stop()
	storesErr := m.stores.Stop()

	if m.ownsDB {
		if err := m.db.Close(); err != nil {
			return err
		}
	}

	if engineErr != nil {
		return engineErr
	}
	return storesErr
}

// Run commands.

func (m *Manager) StartRun(ctx context.Context, input StartRunInput) (*WorkflowRun, error) {
	return m.engine.StartRun(ctx, input)
}

func (m *Manager) ScheduleNode(ctx context.Context, runID WorkflowRunID, nodeID NodeID) (ExecutionToken, error) {
	return m.engine.ScheduleNode(ctx, runID, nodeID)
}

func (m *Manager) ReportNodeStart(ctx context.Context, token ExecutionToken) error {
	return m.engine.ReportNodeStart(ctx, token)
}

func (m *Manager) ReportNodeResult(ctx context.Context, token ExecutionToken, result NodeResult) (*WorkflowRun, error) {
	return m.engine.ReportNodeResult(ctx, token, result)
}

func (m *Manager) Suspend(ctx context.Context, runID WorkflowRunID, reason, callbackURL string) (CallbackRegistration, error) {
	return m.engine.Suspend(ctx, runID, reason, callbackURL)
}

func (m *Manager) Resume(ctx context.Context, runID WorkflowRunID, callbackToken string) error {
	return m.engine.Resume(ctx, runID, callbackToken)
}

func (m *Manager) Cancel(ctx context.Context, runID WorkflowRunID, reason string) error {
	return m.engine.Cancel(ctx, runID, reason)
}

func (m *Manager) GetRun(runID WorkflowRunID) (*WorkflowRun, error) {
	return m.engine.GetRun(runID)
}

func (m *Manager) QueryRuns(query RunQuery) ([]*WorkflowRun, error) {
	return m.repo.Query(query)
}

func (m *Manager) CountActiveRuns() (int, error) {
	return m.repo.CountActiveRuns()
}

// Executor dispatch.

func (m *Manager) RegisterExecutor(nodeID NodeID, executor NodeExecutor) {
	m.dispatcher.Register(nodeID, executor)
}

// DispatchTask hands a scheduled attempt to its registered executor on a
// fresh goroutine, after the given backoff delay.
func (m *Manager) DispatchTask(ctx context.Context, task NodeTask, delay time.Duration) {
	m.dispatcher.Dispatch(ctx, task, delay)
}

// Integration primitives.

func (m *Manager) Aggregator() ports.Aggregator { return m.stores.Aggregator }

func (m *Manager) Correlator() ports.Correlator { return m.stores.Correlator }

func (m *Manager) IdempotentReceiver() ports.IdempotentReceiver { return m.stores.Idempotency }

func (m *Manager) MessageStore() ports.MessageStore { return m.stores.Messages }

func (m *Manager) Channels() ports.Channel { return m.stores.Channels }
