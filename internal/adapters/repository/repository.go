package repository

import (
	"errors"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"
	lru "github.com/hashicorp/golang-lru"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
	"github.com/eleven-am/weave/internal/xjson"
)

// Repository persists run snapshots and reconstructs aggregates by replaying
// events appended after the snapshot version (CQRS read side). Hot snapshots
// sit in an LRU cache; the cache never hands out live aggregates, every read
// deep-copies.
type Repository struct {
	db     *badger.DB
	events ports.EventStore
	cache  *lru.Cache
	locks  *keyedLocks
	logger *slog.Logger
}

func New(db *badger.DB, events ports.EventStore, cacheSize int, logger *slog.Logger) (*Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}

	return &Repository{
		db:     db,
		events: events,
		cache:  cache,
		locks:  newKeyedLocks(),
		logger: logger.With("component", "run-repository"),
	}, nil
}

func (r *Repository) Persist(run *domain.WorkflowRun) error {
	return r.writeSnapshot(run)
}

func (r *Repository) Update(run *domain.WorkflowRun) error {
	return r.writeSnapshot(run)
}

func (r *Repository) writeSnapshot(run *domain.WorkflowRun) error {
	snapshot := &ports.RunSnapshot{
		Run:         run,
		Version:     run.Version,
		ProjectedAt: time.Now().UTC(),
	}

	raw, err := xjson.Marshal(snapshot)
	if err != nil {
		return err
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(domain.SnapshotKey(run.ID)), raw)
	})
	if err != nil {
		r.logger.Error("snapshot write failed", "run_id", run.ID, "error", err)
		return err
	}

	r.cache.Add(run.ID, raw)
	return nil
}

// FindByID loads the snapshot, deep-copies it, and replays any events
// appended after its version. A run with events but no snapshot is rebuilt
// from scratch.
func (r *Repository) FindByID(runID domain.WorkflowRunID) (*domain.WorkflowRun, error) {
	snapshot, err := r.Snapshot(runID)
	if err != nil && !errors.Is(err, domain.ErrRunNotFound) {
		return nil, err
	}

	var run *domain.WorkflowRun
	var sinceVersion int64

	if snapshot != nil {
		run, err = copyRun(snapshot.Run)
		if err != nil {
			return nil, err
		}
		sinceVersion = snapshot.Version
	} else {
		run = domain.NewWorkflowRun(runID)
	}

	tail, err := r.events.GetEventsAfterVersion(runID, sinceVersion)
	if err != nil {
		return nil, err
	}

	if snapshot == nil && len(tail) == 0 {
		return nil, domain.ErrRunNotFound
	}

	for _, ev := range tail {
		if err := run.Apply(ev); err != nil {
			return nil, err
		}
	}

	return run, nil
}

func (r *Repository) Snapshot(runID domain.WorkflowRunID) (*ports.RunSnapshot, error) {
	if cached, ok := r.cache.Get(runID); ok {
		return decodeSnapshot(cached.([]byte))
	}

	var raw []byte
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(domain.SnapshotKey(runID)))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return domain.ErrRunNotFound
			}
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	r.cache.Add(runID, raw)
	return decodeSnapshot(raw)
}

func (r *Repository) Query(query ports.RunQuery) ([]*domain.WorkflowRun, error) {
	var runs []*domain.WorkflowRun

	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(domain.SnapshotPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if query.Limit > 0 && len(runs) >= query.Limit {
				return nil
			}

			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			snapshot, err := decodeSnapshot(raw)
			if err != nil {
				return err
			}

			if !matches(snapshot.Run, query) {
				continue
			}
			runs = append(runs, snapshot.Run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

func (r *Repository) CountActiveRuns() (int, error) {
	runs, err := r.Query(ports.RunQuery{
		Statuses: []domain.RunStatus{
			domain.RunStatusPending,
			domain.RunStatusRunning,
			domain.RunStatusSuspended,
		},
	})
	if err != nil {
		return 0, err
	}
	return len(runs), nil
}

func (r *Repository) WithLock(runID domain.WorkflowRunID, fn func() error) error {
	return r.locks.withLock(runID, fn)
}

func matches(run *domain.WorkflowRun, query ports.RunQuery) bool {
	if query.TenantID != "" && run.TenantID != query.TenantID {
		return false
	}
	if len(query.Statuses) > 0 {
		for _, status := range query.Statuses {
			if run.Status == status {
				return true
			}
		}
		return false
	}
	return true
}

func decodeSnapshot(raw []byte) (*ports.RunSnapshot, error) {
	var snapshot ports.RunSnapshot
	if err := xjson.Unmarshal(raw, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// copyRun round-trips through JSON so replay on a cached snapshot never
// mutates shared state.
func copyRun(run *domain.WorkflowRun) (*domain.WorkflowRun, error) {
	raw, err := xjson.Marshal(run)
	if err != nil {
		return nil, err
	}

	var copied domain.WorkflowRun
	if err := xjson.Unmarshal(raw, &copied); err != nil {
		return nil, err
	}

	if copied.Context == nil {
		copied.Context = make(map[string]interface{})
	}
	if copied.Nodes == nil {
		copied.Nodes = make(map[domain.NodeID]*domain.NodeExecution)
	}
	return &copied, nil
}
