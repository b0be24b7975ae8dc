package patterns

import (
	"errors"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/xjson"
)

// TimeoutHandler observes aggregations evicted before their expected count
// was reached. Eviction is a partial-batch failure, never a silent drop.
type TimeoutHandler func(timeout *domain.AggregationTimeoutError)

// Aggregator accumulates messages per correlation id. Create-or-append is a
// single transaction; the timeout is fixed when the aggregation is created
// and later adds never extend it.
type Aggregator struct {
	db        *badger.DB
	logger    *slog.Logger
	onTimeout TimeoutHandler
}

func NewAggregator(db *badger.DB, onTimeout TimeoutHandler, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		db:        db,
		logger:    logger.With("component", "aggregator"),
		onTimeout: onTimeout,
	}
}

func (a *Aggregator) Add(correlationID string, message xjson.RawMessage, config domain.AggregationConfig) (*domain.Aggregation, error) {
	key := []byte(domain.AggregationKey(correlationID))
	var result domain.Aggregation
	var timedOut *domain.Aggregation

	err := a.db.Update(func(txn *badger.Txn) error {
		timedOut = nil

		existing, found, err := readAggregation(txn, key)
		if err != nil {
			return err
		}

		// An expired-but-unswept entry is a timed-out batch: surface it and
		// start fresh, exactly as if the sweeper had evicted it. Notification
		// waits for the commit so an aborted transaction reports nothing.
		if found && existing.IsExpired() {
			timedOut = existing
			found = false
		}

		if !found {
			now := time.Now().UTC()
			existing = &domain.Aggregation{
				CorrelationID: correlationID,
				ExpectedCount: config.ExpectedCount,
				CreatedAt:     now,
				ExpiresAt:     now.Add(config.Timeout),
			}
		}

		existing.Messages = append(existing.Messages, message)

		raw, err := xjson.Marshal(existing)
		if err != nil {
			return err
		}
		if err := txn.Set(key, raw); err != nil {
			return err
		}

		result = *existing
		return nil
	})
	if err != nil {
		return nil, err
	}

	if timedOut != nil {
		a.notifyTimeout(timedOut)
	}

	a.logger.Debug("message aggregated",
		"correlation_id", correlationID, "count", len(result.Messages), "expected", result.ExpectedCount)
	return &result, nil
}

// Remove pops and deletes all accumulated messages exactly once.
func (a *Aggregator) Remove(correlationID string) ([]xjson.RawMessage, error) {
	key := []byte(domain.AggregationKey(correlationID))
	var messages []xjson.RawMessage
	var timedOut *domain.Aggregation

	err := a.db.Update(func(txn *badger.Txn) error {
		timedOut = nil

		existing, found, err := readAggregation(txn, key)
		if err != nil {
			return err
		}
		if !found {
			return domain.ErrAggregationClosed
		}

		// An expired batch is deleted and reported as timed out, never handed
		// to the caller. The delete must commit, so the closed error is
		// returned only after the transaction.
		if existing.IsExpired() {
			timedOut = existing
		} else {
			messages = existing.Messages
		}
		return txn.Delete(key)
	})

	if errors.Is(err, badger.ErrConflict) {
		return nil, domain.ErrAggregationClosed
	}
	if err != nil {
		return nil, err
	}

	if timedOut != nil {
		a.notifyTimeout(timedOut)
		return nil, domain.ErrAggregationClosed
	}
	return messages, nil
}

func (a *Aggregator) Get(correlationID string) (*domain.Aggregation, bool, error) {
	key := []byte(domain.AggregationKey(correlationID))

	var aggregation *domain.Aggregation
	err := a.db.View(func(txn *badger.Txn) error {
		existing, found, err := readAggregation(txn, key)
		if err != nil {
			return err
		}
		if found && !existing.IsExpired() {
			aggregation = existing
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return aggregation, aggregation != nil, nil
}

func (a *Aggregator) newSweeper(interval time.Duration) *sweeper {
	return &sweeper{
		name:     "aggregator",
		interval: interval,
		db:       a.db,
		prefix:   domain.AggregationPrefix,
		logger:   a.logger,
		expired: func(value []byte) bool {
			var aggregation domain.Aggregation
			if err := xjson.Unmarshal(value, &aggregation); err != nil {
				return true
			}
			return aggregation.IsExpired()
		},
		onEvict: func(_ string, value []byte) {
			var aggregation domain.Aggregation
			if err := xjson.Unmarshal(value, &aggregation); err != nil {
				return
			}
			a.notifyTimeout(&aggregation)
		},
	}
}

func (a *Aggregator) notifyTimeout(aggregation *domain.Aggregation) {
	timeout := &domain.AggregationTimeoutError{
		CorrelationID: aggregation.CorrelationID,
		Received:      len(aggregation.Messages),
		Expected:      aggregation.ExpectedCount,
	}

	a.logger.Warn("aggregation evicted before completion",
		"correlation_id", timeout.CorrelationID,
		"received", timeout.Received,
		"expected", timeout.Expected)

	if a.onTimeout != nil {
		a.onTimeout(timeout)
	}
}

func readAggregation(txn *badger.Txn, key []byte) (*domain.Aggregation, bool, error) {
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

	var aggregation domain.Aggregation
	if err := xjson.Unmarshal(raw, &aggregation); err != nil {
		return nil, false, err
	}
	return &aggregation, true, nil
}
