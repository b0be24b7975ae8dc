package patterns

import (
	"errors"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/xjson"
)

// Correlator keeps diagnostic traces of which runs and nodes touched a
// correlation id. Best effort: a failed track never fails the caller's run,
// and at-least-once duplicates are acceptable.
type Correlator struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger
}

func NewCorrelator(db *badger.DB, ttl time.Duration, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		db:     db,
		ttl:    ttl,
		logger: logger.With("component", "correlator"),
	}
}

func (c *Correlator) Track(correlationID string, runID domain.WorkflowRunID, nodeID domain.NodeID) error {
	key := []byte(domain.TraceKey(correlationID))
	point := domain.TracePoint{
		RunID:      runID,
		NodeID:     nodeID,
		RecordedAt: time.Now().UTC(),
	}

	err := c.db.Update(func(txn *badger.Txn) error {
		trace, found, err := readTrace(txn, key)
		if err != nil {
			return err
		}

		if !found || trace.IsExpired() {
			now := time.Now().UTC()
			trace = &domain.CorrelationTrace{
				CorrelationID: correlationID,
				StartedAt:     now,
				ExpiresAt:     now.Add(c.ttl),
			}
		}

		trace.TracePoints = append(trace.TracePoints, point)

		raw, err := xjson.Marshal(trace)
		if err != nil {
			return err
		}
		return txn.Set(key, raw)
	})

	if err != nil {
		c.logger.Warn("trace point dropped",
			"correlation_id", correlationID, "run_id", runID, "node_id", nodeID, "error", err)
	}
	return err
}

func (c *Correlator) Trace(correlationID string) (*domain.CorrelationTrace, bool, error) {
	key := []byte(domain.TraceKey(correlationID))

	var trace *domain.CorrelationTrace
	err := c.db.View(func(txn *badger.Txn) error {
		existing, found, err := readTrace(txn, key)
		if err != nil {
			return err
		}
		if found && !existing.IsExpired() {
			trace = existing
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return trace, trace != nil, nil
}

func (c *Correlator) newSweeper(interval time.Duration) *sweeper {
	return &sweeper{
		name:     "correlator",
		interval: interval,
		db:       c.db,
		prefix:   domain.TracePrefix,
		logger:   c.logger,
		expired: func(value []byte) bool {
			var trace domain.CorrelationTrace
			if err := xjson.Unmarshal(value, &trace); err != nil {
				return true
			}
			return trace.IsExpired()
		},
	}
}

func readTrace(txn *badger.Txn, key []byte) (*domain.CorrelationTrace, bool, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}

	var trace domain.CorrelationTrace
	if err := xjson.Unmarshal(raw, &trace); err != nil {
		return nil, false, err
	}
	return &trace, true, nil
}
